package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"splice-injector/internal/platform/logger"
	"splice-injector/internal/platform/metrics"
	"splice-injector/internal/stream"
)

// State is the supervisor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultTerminateTimeout = 5 * time.Second
	DefaultStableAfter      = 60 * time.Second
	DefaultBackoffTick      = time.Second

	backoffStep     = 5 * time.Second
	backoffMaxSteps = 6
	backoffCap      = 30 * time.Second

	readerDrainTimeout = 2 * time.Second
	maxLineBytes       = 1 << 20
)

var (
	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrStopped        = errors.New("supervisor stopped")
)

// Backoff is the delay before restart attempt retry (1-based):
// 5s, 10s, 15s ... capped at 30s.
func Backoff(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	return min(backoffStep*time.Duration(min(retry, backoffMaxSteps)), backoffCap)
}

// MarkerCounter reports how many markers the publisher has handed over.
type MarkerCounter interface {
	MarkersGenerated() int64
}

// Status is a point-in-time view of a supervised engine.
type Status struct {
	State            State
	PID              int
	Retry            int
	Restarts         int
	LastExit         ExitKind
	LastError        string
	Counters         Counters
	MarkersGenerated int64
	MarkersInjected  int64
}

// Sink receives every status change. Calls are serialized.
type Sink interface {
	Update(Status)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Status)

func (f SinkFunc) Update(s Status) { f(s) }

// Options configure a Supervisor.
type Options struct {
	Profile string
	Binary  string
	Args    []string
	// Output is the output transport, used to attach hints to failures.
	Output stream.Transport
	// Continuous is set when the engine polls a marker directory.
	Continuous bool
	// Markers is the attached publisher, if any.
	Markers MarkerCounter
	// PIDFile, when set, is used to reap a stray instance before each launch.
	PIDFile *PIDFile

	TerminateTimeout time.Duration
	// StableAfter is the uptime after which the retry counter starts over.
	StableAfter time.Duration
	// BackoffTick is the granularity at which backoff sleeps watch for stop.
	BackoffTick time.Duration

	Sink Sink
}

func (o Options) withDefaults() Options {
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = DefaultTerminateTimeout
	}
	if o.StableAfter <= 0 {
		o.StableAfter = DefaultStableAfter
	}
	if o.BackoffTick <= 0 {
		o.BackoffTick = DefaultBackoffTick
	}
	return o
}

// Supervisor keeps one engine process alive for a session, restarting it
// with backoff whenever it exits, until stopped.
type Supervisor struct {
	opts     Options
	launcher Launcher
	log      *slog.Logger
	metrics  *metrics.Metrics
	tracker  *Tracker
	backoff  func(retry int) time.Duration

	mu       sync.Mutex
	status   Status
	lastHint string
	started  bool

	notifyMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSupervisor returns an idle supervisor.
func NewSupervisor(opts Options, launcher Launcher, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	opts = opts.withDefaults()
	return &Supervisor{
		opts:     opts,
		launcher: launcher,
		log:      logger.Component(log, "engine").With("profile", opts.Profile),
		metrics:  m,
		tracker:  NewTracker(),
		backoff:  Backoff,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the supervision loop and returns immediately.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	select {
	case <-s.stop:
		s.mu.Unlock()
		return ErrStopped
	default:
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
	return nil
}

// Stop terminates the engine and ends supervision. It waits for the loop
// to finish or ctx to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		s.setState(StateStopped)
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once supervision has ended.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Status returns the current status with reconciled counters.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()

	st.Counters = s.tracker.Snapshot()
	if s.opts.Markers != nil {
		st.MarkersGenerated = s.opts.Markers.MarkersGenerated()
	}
	st.MarkersInjected = ReconcileInjected(st.Counters, s.opts.Continuous, st.MarkersGenerated, s.opts.Markers != nil)
	return st
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.setState(StateStopped)

	retry := 0
	for !s.stopping() {
		s.setState(StateStarting)

		kind, uptime, err := s.runOnce()
		if kind == ExitNone {
			s.log.Info("engine stopped", "uptime", uptime.Round(time.Millisecond).String())
			return
		}

		if uptime >= s.opts.StableAfter {
			retry = 0
		}
		retry++
		delay := s.backoff(retry)

		msg := exitMessage(kind, err)
		s.mu.Lock()
		if s.lastHint != "" {
			msg += " (" + s.lastHint + ")"
		}
		s.status.PID = 0
		s.status.LastExit = kind
		s.status.LastError = msg
		s.status.Retry = retry
		s.status.Restarts++
		s.mu.Unlock()

		s.log.Warn("engine exited, scheduling restart",
			"exit", kind.String(),
			"error", msg,
			"uptime", uptime.Round(time.Millisecond).String(),
			"retry", retry,
			"backoff", delay.String(),
		)
		s.metrics.IncEngineRestarts(s.opts.Profile, kind.String())
		s.setState(StateReconnecting)

		if !s.sleep(delay) {
			return
		}
	}
}

// runOnce runs a single engine instance to completion. ExitNone means the
// instance was ended by Stop.
func (s *Supervisor) runOnce() (ExitKind, time.Duration, error) {
	if s.opts.PIDFile != nil {
		err := s.opts.PIDFile.Reap(s.opts.TerminateTimeout, s.stop, s.log)
		if errors.Is(err, errReapStopped) {
			return ExitNone, 0, nil
		}
		if err != nil {
			s.log.Warn("could not reap stray engine", "error", err)
		}
	}

	proc, err := s.launcher.Launch(s.opts.Binary, s.opts.Args)
	if err != nil {
		return ExitSpawnFailed, 0, err
	}
	started := time.Now()

	if s.opts.PIDFile != nil {
		if err := s.opts.PIDFile.Write(proc.Pid()); err != nil {
			s.log.Warn("could not write pid file", "error", err)
		}
		defer s.opts.PIDFile.Remove()
	}

	s.tracker.Reset()
	s.mu.Lock()
	s.lastHint = ""
	s.status.PID = proc.Pid()
	s.mu.Unlock()
	s.log.Info("engine started", "pid", proc.Pid())
	s.setState(StateRunning)

	out := proc.Output()
	readerDone := make(chan struct{})
	go s.read(out, readerDone)

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	select {
	case err := <-waitCh:
		s.drain(out, readerDone)
		return ClassifyExit(err), time.Since(started), err
	case <-s.stop:
		s.terminate(proc, waitCh)
		s.drain(out, readerDone)
		return ExitNone, time.Since(started), nil
	}
}

func (s *Supervisor) terminate(proc Process, waitCh <-chan error) {
	if err := proc.Terminate(); err != nil {
		s.log.Warn("terminate engine", "pid", proc.Pid(), "error", err)
	}
	select {
	case <-waitCh:
		return
	case <-time.After(s.opts.TerminateTimeout):
	}

	s.log.Warn("engine ignored terminate, killing", "pid", proc.Pid())
	if err := proc.Kill(); err != nil {
		s.log.Error("kill engine", "pid", proc.Pid(), "error", err)
	}
	select {
	case <-waitCh:
	case <-time.After(s.opts.TerminateTimeout):
		s.log.Error("engine did not exit after kill", "pid", proc.Pid())
	}
}

// drain waits for the output reader. Helpers forked by the engine can keep
// the pipe open after it exits, so the read side is closed after a grace
// period.
func (s *Supervisor) drain(out io.Closer, readerDone <-chan struct{}) {
	select {
	case <-readerDone:
	case <-time.After(readerDrainTimeout):
		s.log.Debug("engine output still open after exit, closing")
	}
	out.Close()
	<-readerDone
}

// sleep waits d in BackoffTick steps and reports false if stop arrived.
func (s *Supervisor) sleep(d time.Duration) bool {
	for d > 0 {
		step := min(d, s.opts.BackoffTick)
		t := time.NewTimer(step)
		select {
		case <-s.stop:
			t.Stop()
			return false
		case <-t.C:
		}
		d -= step
	}
	return !s.stopping()
}

func (s *Supervisor) read(out io.Reader, done chan<- struct{}) {
	defer close(done)
	br := bufio.NewReader(out)
	for {
		sc := bufio.NewScanner(br)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			s.handleLine(sc.Text())
		}
		if !errors.Is(sc.Err(), bufio.ErrTooLong) {
			return
		}
		s.log.Debug("skipping oversized engine output line")
		if err := skipLine(br); err != nil {
			return
		}
	}
}

// skipLine discards input up to and including the next newline.
func skipLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func (s *Supervisor) handleLine(line string) {
	if hint := TransportHint(s.opts.Output, line); hint != "" {
		s.log.Warn("engine reported an output problem", "line", line, "hint", hint)
		s.mu.Lock()
		s.lastHint = hint
		s.mu.Unlock()
	} else {
		s.log.Debug("engine output", "line", line)
	}

	if sample, ok := ParseLine(line); ok && s.tracker.Observe(sample) {
		s.notify()
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
	s.metrics.SetEngineState(s.opts.Profile, int(st))
	s.notify()
}

func (s *Supervisor) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	st := s.Status()
	c := st.Counters
	s.metrics.SetStreamStats(s.opts.Profile, c.Bitrate, c.Packets, c.ContinuityErrors, st.MarkersInjected)
	if s.opts.Sink != nil {
		s.opts.Sink.Update(st)
	}
}

func exitMessage(kind ExitKind, err error) string {
	switch kind {
	case ExitClean:
		return "engine exited unexpectedly"
	case ExitSpawnFailed:
		return fmt.Sprintf("engine failed to start: %v", err)
	case ExitSignaled:
		return fmt.Sprintf("engine killed by signal: %v", err)
	default:
		return fmt.Sprintf("engine exited with error: %v", err)
	}
}
