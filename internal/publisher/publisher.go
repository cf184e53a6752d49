// Package publisher keeps the engine's watched directory supplied with
// splice marker files for the lifetime of a session.
//
// The directory is a single-producer/single-consumer queue: the Publisher is
// the only writer and the engine is the only reader, deleting each file once
// injected. A file that disappears after being written is therefore a
// successful delivery, and a file that is still present is simply pending.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"splice-injector/internal/platform/logger"
	"splice-injector/internal/platform/metrics"
	"splice-injector/internal/splice"
)

// Defaults for Config.
const (
	DefaultInterval       = 60 * time.Second
	DefaultStabilityWait  = time.Second
	DefaultPreserveWindow = 30 * time.Second
	DefaultJoinTimeout    = 5 * time.Second
)

var (
	// ErrRunning is returned by Start on a publisher that is already running.
	ErrRunning = errors.New("publisher already running")

	// ErrNotRunning is returned by Publish when no session is active.
	ErrNotRunning = errors.New("publisher not running")

	// ErrDuplicateMarker is returned when a file name was already written in
	// the current run.
	ErrDuplicateMarker = errors.New("marker file already written in this run")
)

// MarkerGenerator produces the markers for one request.
type MarkerGenerator interface {
	Generate(profile string, req splice.Request, baseID int) ([]splice.Marker, error)
}

// Config configures a Publisher.
type Config struct {
	Profile        string
	Dir            string
	Interval       time.Duration
	StabilityWait  time.Duration
	PreserveWindow time.Duration
	JoinTimeout    time.Duration
	Encode         splice.EncodeOptions
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StabilityWait < 0 {
		c.StabilityWait = 0
	} else if c.StabilityWait == 0 {
		c.StabilityWait = DefaultStabilityWait
	}
	if c.PreserveWindow <= 0 {
		c.PreserveWindow = DefaultPreserveWindow
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.Encode == (splice.EncodeOptions{}) {
		c.Encode = splice.DefaultEncodeOptions
	}
	return c
}

// Publisher writes marker files on a fixed cadence.
type Publisher struct {
	cfg     Config
	gen     MarkerGenerator
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	generated atomic.Int64

	// writeMu serializes every write into the directory. accepting is
	// cleared by Stop before the final clear so no write lands after it.
	writeMu   sync.Mutex
	written   map[string]struct{}
	accepting bool

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New returns a stopped Publisher. m may be nil.
func New(cfg Config, gen MarkerGenerator, log *slog.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		cfg:     cfg.withDefaults(),
		gen:     gen,
		log:     logger.Component(log, "publisher").With("profile", cfg.Profile),
		metrics: m,
		now:     time.Now,
		written: make(map[string]struct{}),
	}
}

// Dir is the watched directory.
func (p *Publisher) Dir() string { return p.cfg.Dir }

// MarkersGenerated is the number of marker files written in the current run.
func (p *Publisher) MarkersGenerated() int64 { return p.generated.Load() }

// Start clears stale marker files, writes the first marker set before
// returning, and then starts the background loop. baseID 0 continues the
// profile's sequence.
func (p *Publisher) Start(ctx context.Context, req splice.Request, baseID int) error {
	if err := req.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}
	if p.cancel != nil {
		// Context of a loop that ended on a generation error.
		p.cancel()
		p.cancel = nil
	}

	if err := os.MkdirAll(p.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create watched dir: %w", err)
	}
	p.clear(p.cfg.PreserveWindow)

	p.writeMu.Lock()
	p.written = make(map[string]struct{})
	p.accepting = true
	p.writeMu.Unlock()
	p.generated.Store(0)
	p.err = nil

	loopCtx, cancel := context.WithCancel(ctx)
	if err := p.publish(loopCtx, req, baseID); err != nil {
		if !errors.Is(err, errWriteFailed) {
			cancel()
			p.writeMu.Lock()
			p.accepting = false
			p.writeMu.Unlock()
			return err
		}
		p.log.Warn("first marker set not fully written", "error", err)
	}

	p.runCtx = loopCtx
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.loop(loopCtx, req, p.done)

	p.log.Info("publisher started",
		"dir", p.cfg.Dir,
		"interval", p.cfg.Interval,
		"cue_type", req.Cue.String(),
		"pattern", req.Pattern.String(),
	)
	return nil
}

// Publish writes the markers for req immediately, outside the regular
// cadence. It shares the directory and id sequence with the loop and is
// cancelled by Stop as well as by ctx. Markers whose ids were allocated but
// that were not written because the publisher stopped are returned with
// ErrNotRunning.
func (p *Publisher) Publish(ctx context.Context, req splice.Request) ([]splice.Marker, error) {
	p.mu.Lock()
	running, runCtx := p.running, p.runCtx
	p.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := mergeCancel(runCtx, ctx)
	defer cancel()

	markers, err := p.gen.Generate(p.cfg.Profile, req, 0)
	if werr := p.writeAll(ctx, markers); werr != nil && err == nil {
		err = werr
	}
	return markers, err
}

// Done is closed when the loop exits. It is nil before the first Start.
func (p *Publisher) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the error that ended the loop, if any.
func (p *Publisher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop ends the loop, waits up to JoinTimeout for it, and removes every
// marker file left in the directory.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.runCtx = nil
	p.running = false
	p.mu.Unlock()

	p.writeMu.Lock()
	p.accepting = false
	p.writeMu.Unlock()

	if cancel == nil {
		p.writeMu.Lock()
		p.clear(0)
		p.writeMu.Unlock()
		return nil
	}

	cancel()
	var err error
	select {
	case <-done:
	case <-time.After(p.cfg.JoinTimeout):
		err = fmt.Errorf("publisher loop did not exit within %s", p.cfg.JoinTimeout)
		p.log.Warn("publisher loop join timed out", "timeout", p.cfg.JoinTimeout)
	}

	p.writeMu.Lock()
	p.clear(0)
	p.writeMu.Unlock()

	p.log.Info("publisher stopped", "markers_generated", p.generated.Load())
	return err
}

func (p *Publisher) loop(ctx context.Context, req splice.Request, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := p.publish(ctx, req, 0)
		switch {
		case err == nil:
		case errors.Is(err, errWriteFailed):
			// Logged per file; try again next interval.
		case ctx.Err() != nil, errors.Is(err, ErrNotRunning):
			return
		default:
			p.log.Error("marker generation failed, stopping publisher", "error", err)
			p.mu.Lock()
			p.err = err
			p.running = false
			p.mu.Unlock()
			return
		}
		timer.Reset(p.cfg.Interval)
	}
}

var errWriteFailed = errors.New("marker write failed")

// publish generates one marker set and writes it. Generation errors are
// returned as-is; write errors wrap errWriteFailed.
func (p *Publisher) publish(ctx context.Context, req splice.Request, baseID int) error {
	markers, genErr := p.gen.Generate(p.cfg.Profile, req, baseID)
	writeErr := p.writeAll(ctx, markers)
	if genErr != nil {
		return genErr
	}
	return writeErr
}

func (p *Publisher) writeAll(ctx context.Context, markers []splice.Marker) error {
	var failed []string
	for _, m := range markers {
		err := p.write(ctx, m)
		if errors.Is(err, ErrNotRunning) {
			return err
		}
		if err != nil {
			p.metrics.IncMarkerWriteFailures(p.cfg.Profile)
			p.log.Error("marker write failed",
				"event_id", m.EventID,
				"cue_type", m.Cue.String(),
				"error", err,
			)
			failed = append(failed, m.FileName())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", errWriteFailed, strings.Join(failed, ", "))
	}
	return nil
}

// write hands one marker to the engine: temp file, fsync, rename, then a
// short wait to see whether the engine already took it.
func (p *Publisher) write(ctx context.Context, m splice.Marker) error {
	data, err := splice.EncodeWith(m, p.cfg.Encode)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	if !p.accepting {
		p.writeMu.Unlock()
		return ErrNotRunning
	}
	name := m.FileName()
	if _, dup := p.written[name]; dup {
		p.writeMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateMarker, name)
	}
	path := filepath.Join(p.cfg.Dir, name)
	if err := writeFileSync(p.cfg.Dir, path, data); err != nil {
		p.writeMu.Unlock()
		return err
	}
	p.written[name] = struct{}{}
	p.generated.Add(1)
	p.writeMu.Unlock()

	p.metrics.IncMarkersWritten(p.cfg.Profile, m.Cue.String())
	p.log.Info("marker written", "file", name, "event_id", m.EventID, "cue_type", m.Cue.String())

	if !sleepCtx(ctx, p.cfg.StabilityWait) {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		p.log.Debug("marker consumed by engine", "file", name)
	} else {
		p.log.Debug("marker pending", "file", name)
	}
	return nil
}

// WriteOnce writes a single marker file into dir for one-shot injection and
// returns its path.
func WriteOnce(dir string, m splice.Marker) (string, error) {
	data, err := splice.Encode(m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create marker dir: %w", err)
	}
	path := filepath.Join(dir, m.FileName())
	if err := writeFileSync(dir, path, data); err != nil {
		return "", err
	}
	return path, nil
}

// writeFileSync writes data to a dot-prefixed temp file outside the marker
// pattern, syncs it, and renames it into place.
func writeFileSync(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish marker: %w", err)
	}
	return nil
}

// clear removes marker files and leftover temp files. Files modified within
// keep are left alone; keep 0 removes everything.
func (p *Publisher) clear(keep time.Duration) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("cannot list watched dir", "dir", p.cfg.Dir, "error", err)
		}
		return
	}

	now := p.now()
	removed, kept := 0, 0
	for _, e := range entries {
		if e.IsDir() || !isMarkerFile(e.Name()) {
			continue
		}
		if keep > 0 {
			info, err := e.Info()
			if err == nil && now.Sub(info.ModTime()) < keep {
				kept++
				continue
			}
		}
		if err := os.Remove(filepath.Join(p.cfg.Dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("cannot remove marker file", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 || kept > 0 {
		p.log.Info("watched dir cleared", "removed", removed, "kept_recent", kept)
	}
}

func isMarkerFile(name string) bool {
	if ok, _ := filepath.Match(splice.FilePattern, name); ok {
		return true
	}
	return strings.HasPrefix(name, ".splice_") && strings.HasSuffix(name, ".tmp")
}

// mergeCancel returns a context derived from parent that is also cancelled
// when other is done.
func mergeCancel(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// sleepCtx waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
