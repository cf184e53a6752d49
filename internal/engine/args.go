// Package engine drives the external transport-stream processor: it builds
// the processor's argument vector, supervises the process, and turns its
// output back into session telemetry.
package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"splice-injector/internal/splice"
	"splice-injector/internal/stream"
)

// PollInterval is how often the engine scans the watched directory.
const PollInterval = 500 * time.Millisecond

// StatsIntervalSeconds is the reporting period of the statistics stage.
const StatsIntervalSeconds = 5

// JSON line prefixes requested from the verification and statistics stages.
const (
	SpliceLinePrefix  = "SPLICE:"
	BitrateLinePrefix = "BITRATE:"
)

// cueRegistration is the "CUEI" registration descriptor for SCTE-35 PIDs.
const cueRegistration = "0x43554549"

// ErrInvalidSource is returned for a marker source naming both a file and a directory.
var ErrInvalidSource = errors.New("marker source must be a file or a directory, not both")

// MarkerSource tells the engine where markers come from. With File set the
// engine injects that one file; with Dir set it polls the directory
// continuously and deletes each file after injection. The zero value builds
// a pipeline without an injection stage.
type MarkerSource struct {
	File string
	Dir  string
}

// Continuous reports whether the source is a watched directory.
func (s MarkerSource) Continuous() bool { return s.Dir != "" }

func (s MarkerSource) empty() bool { return s.File == "" && s.Dir == "" }

// BuildArgs turns cfg and src into the engine argument vector. Stage order
// is significant: the engine processes stages strictly in argument order.
//
//	input, sdt, remap (when needed), pmt, spliceinject (when src is set),
//	splicemonitor, bitrate_monitor, continuity, output
func BuildArgs(cfg stream.Config, src MarkerSource) ([]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src.File != "" && src.Dir != "" {
		return nil, ErrInvalidSource
	}

	args := []string{"--realtime"}

	in, err := inputArgs(cfg)
	if err != nil {
		return nil, err
	}
	args = append(args, in...)
	args = append(args, sdtArgs(cfg)...)
	args = append(args, remapArgs(cfg)...)
	args = append(args, pmtArgs(cfg)...)
	if !src.empty() {
		args = append(args, injectArgs(cfg, src)...)
	}
	args = append(args, monitorArgs(cfg)...)
	args = append(args, statsArgs()...)

	out, err := outputArgs(cfg)
	if err != nil {
		return nil, err
	}
	return append(args, out...), nil
}

func inputArgs(cfg stream.Config) ([]string, error) {
	in := cfg.Input
	switch in.Transport {
	case stream.TransportHLS:
		return []string{"-I", "hls", in.Address}, nil
	case stream.TransportSRT:
		ep, err := stream.ParseSRTEndpoint(in.Address)
		if err != nil {
			return nil, err
		}
		return append([]string{"-I", "srt"}, srtArgs(ep, cfg.SRT)...), nil
	case stream.TransportUDP:
		return []string{"-I", "ip", in.Address}, nil
	case stream.TransportTCP:
		return []string{"-I", "fork", "socat -u TCP:" + in.Address + " -"}, nil
	case stream.TransportDVB:
		args := []string{"-I", "dvb", "--adapter", strconv.Itoa(cfg.DVB.Adapter)}
		if cfg.DVB.DeliverySystem != "" {
			args = append(args, "--delivery-system", cfg.DVB.DeliverySystem)
		}
		return append(args, "--frequency", strconv.FormatUint(cfg.DVB.FrequencyHz, 10)), nil
	case stream.TransportHTTP:
		return []string{"-I", "http", in.Address}, nil
	default:
		return nil, fmt.Errorf("%w: input transport %q", stream.ErrInvalidConfig, in.Transport)
	}
}

// srtArgs passes host, port and stream id as discrete options; the engine
// does not accept srt URLs.
func srtArgs(ep stream.SRTEndpoint, opts stream.SRTOptions) []string {
	var args []string
	if ep.Listener() {
		args = append(args, "--listener", ep.HostPort())
	} else {
		args = append(args, "--caller", ep.HostPort())
	}
	streamID := ep.StreamID
	if streamID == "" {
		streamID = opts.StreamID
	}
	if streamID != "" {
		args = append(args, "--streamid", streamID)
	}
	if opts.Passphrase != "" {
		args = append(args, "--passphrase", opts.Passphrase)
	}
	return append(args, "--latency", strconv.Itoa(opts.LatencyMS))
}

func sdtArgs(cfg stream.Config) []string {
	args := []string{"-P", "sdt", "--service", strconv.Itoa(cfg.ServiceID)}
	if cfg.ServiceName != "" {
		args = append(args, "--name", cfg.ServiceName)
	}
	if cfg.ProviderName != "" {
		args = append(args, "--provider", cfg.ProviderName)
	}
	return args
}

// remapArgs maps the input transport's fixed PIDs onto the configured plan.
// Nothing is emitted when they already agree or the transport keeps its PIDs.
func remapArgs(cfg stream.Config) []string {
	defaults, ok := stream.DefaultPIDs(cfg.Input.Transport)
	if !ok {
		return nil
	}
	var pairs []string
	if defaults.Video != cfg.PIDs.Video {
		pairs = append(pairs, fmt.Sprintf("%d=%d", defaults.Video, cfg.PIDs.Video))
	}
	if defaults.Audio != cfg.PIDs.Audio {
		pairs = append(pairs, fmt.Sprintf("%d=%d", defaults.Audio, cfg.PIDs.Audio))
	}
	if len(pairs) == 0 {
		return nil
	}
	return append([]string{"-P", "remap"}, pairs...)
}

func pmtArgs(cfg stream.Config) []string {
	return []string{
		"-P", "pmt",
		"--service", strconv.Itoa(cfg.ServiceID),
		"--add-pid", fmt.Sprintf("%d/0x86", cfg.PIDs.SCTE),
		"--add-registration", cueRegistration,
	}
}

func injectArgs(cfg stream.Config, src MarkerSource) []string {
	args := []string{
		"-P", "spliceinject",
		"--service", strconv.Itoa(cfg.ServiceID),
		"--pid", strconv.Itoa(cfg.PIDs.SCTE),
	}
	if src.Continuous() {
		args = append(args,
			"--files", filepath.Join(src.Dir, splice.FilePattern),
			"--delete-files",
			"--poll-interval", strconv.FormatInt(PollInterval.Milliseconds(), 10),
		)
	} else {
		args = append(args, "--files", src.File)
	}

	inj := cfg.Injection
	if inj.StartDelay > 0 {
		args = append(args, "--start-delay", strconv.FormatInt(inj.StartDelay.Milliseconds(), 10))
	}
	if inj.RepeatCount > 0 {
		args = append(args, "--inject-count", strconv.Itoa(inj.RepeatCount))
	}
	if inj.RepeatInterval > 0 {
		args = append(args, "--inject-interval", strconv.FormatInt(inj.RepeatInterval.Milliseconds(), 10))
	}
	return args
}

// monitorArgs makes the engine report every splice command it sees on the
// output side of the injection stage.
func monitorArgs(cfg stream.Config) []string {
	return []string{
		"-P", "splicemonitor",
		"--service", strconv.Itoa(cfg.ServiceID),
		"--json-line=" + SpliceLinePrefix,
	}
}

func statsArgs() []string {
	return []string{
		"-P", "bitrate_monitor",
		"--periodic-bitrate", strconv.Itoa(StatsIntervalSeconds),
		"--json-line=" + BitrateLinePrefix,
		"-P", "continuity",
	}
}

func outputArgs(cfg stream.Config) ([]string, error) {
	out := cfg.Output
	switch out.Transport {
	case stream.TransportUDP:
		return []string{"-O", "ip", out.Address}, nil
	case stream.TransportSRT:
		ep, err := stream.ParseSRTEndpoint(out.Address)
		if err != nil {
			return nil, err
		}
		return append([]string{"-O", "srt"}, srtArgs(ep, cfg.SRT)...), nil
	case stream.TransportHLS:
		seg := cfg.Segment
		return []string{
			"-O", "hls",
			"--duration", strconv.Itoa(seg.DurationSeconds),
			"--live", strconv.Itoa(seg.LiveSegments),
			"--playlist", filepath.Join(out.Address, seg.PlaylistName),
			filepath.Join(out.Address, "segment-.ts"),
		}, nil
	case stream.TransportFile:
		return []string{"-O", "file", out.Address}, nil
	default:
		return nil, fmt.Errorf("%w: output transport %q", stream.ErrInvalidConfig, out.Transport)
	}
}
