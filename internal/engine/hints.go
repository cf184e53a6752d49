package engine

import (
	"strings"

	"splice-injector/internal/stream"
)

type hintRule struct {
	keywords []string
	hint     string
}

var writableDirRule = hintRule{
	keywords: []string{"permission denied", "no space left", "read-only file system"},
	hint:     "check that the output directory exists, is writable and has free space",
}

var outputHints = map[stream.Transport][]hintRule{
	stream.TransportSRT: {
		{
			keywords: []string{"rejected", "srt_econnrej", "bad passphrase", "invalid stream id"},
			hint:     "the remote side refused the connection: check the stream id format and passphrase it expects",
		},
		{
			keywords: []string{"connection setup failure", "connection lost", "peer idle", "timeout", "broken"},
			hint:     "verify the srt endpoint is reachable and the latency matches the remote side",
		},
	},
	stream.TransportUDP: {
		{
			keywords: []string{"network is unreachable", "no route to host", "host unreachable", "cannot assign requested address"},
			hint:     "verify the destination route and local interface for the udp output",
		},
	},
	stream.TransportHLS:  {writableDirRule},
	stream.TransportFile: {writableDirRule},
}

// TransportHint returns operator guidance when an engine output line matches
// a known failure of the output transport t, or "" when it does not.
func TransportHint(t stream.Transport, line string) string {
	lower := strings.ToLower(line)
	for _, rule := range outputHints[t] {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.hint
			}
		}
	}
	return ""
}
