package stream

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// SRTEndpoint is an srt address split into the discrete values the engine
// expects. An empty Host means listener mode.
type SRTEndpoint struct {
	Host     string
	Port     int
	StreamID string
}

// Listener reports whether the endpoint binds locally instead of calling out.
func (e SRTEndpoint) Listener() bool { return e.Host == "" }

// HostPort joins host and port ("host:port", or ":port" for a listener).
func (e SRTEndpoint) HostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseSRTEndpoint accepts "srt://host:port?streamid=x", "host:port",
// "host:port?streamid=x" and ":port".
func ParseSRTEndpoint(s string) (SRTEndpoint, error) {
	return parseSRTEndpoint("address", s)
}

func parseSRTEndpoint(field, s string) (SRTEndpoint, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return SRTEndpoint{}, fieldErr(field, "empty srt endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "srt://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return SRTEndpoint{}, fieldErr(field, "malformed srt endpoint %q", s)
	}
	if u.Scheme != "srt" {
		return SRTEndpoint{}, fieldErr(field, "scheme %q is not srt", u.Scheme)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return SRTEndpoint{}, fieldErr(field, "srt endpoint %q needs host:port", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return SRTEndpoint{}, fieldErr(field, "invalid srt port %q", portStr)
	}

	ep := SRTEndpoint{Host: host, Port: port}
	q := u.Query()
	for _, key := range []string{"streamid", "stream_id", "streamId"} {
		if v := q.Get(key); v != "" {
			ep.StreamID = v
			break
		}
	}
	return ep, nil
}
