package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"splice-injector/internal/platform/logger"
	"splice-injector/internal/stream"
)

type fakeProcess struct {
	pid        int
	pr         *io.PipeReader
	pw         *io.PipeWriter
	exit       chan error
	once       sync.Once
	ignoreTerm bool

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func newFakeProcess(pid int, ignoreTerm bool) *fakeProcess {
	pr, pw := io.Pipe()
	return &fakeProcess{pid: pid, pr: pr, pw: pw, exit: make(chan error, 1), ignoreTerm: ignoreTerm}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Output() io.ReadCloser { return p.pr }

func (p *fakeProcess) Wait() error {
	err := <-p.exit
	p.pw.Close()
	return err
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.finish(errors.New("signal: terminated"))
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() { p.exit <- err })
}

func (p *fakeProcess) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintln(p.pw, line); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

type fakeLauncher struct {
	mu         sync.Mutex
	failures   int
	ignoreTerm bool
	launches   int
	procs      chan *fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(chan *fakeProcess, 32)}
}

func (l *fakeLauncher) Launch(string, []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("exec: \"tsp\": executable file not found in $PATH")
	}
	p := newFakeProcess(1000+l.launches, l.ignoreTerm)
	l.procs <- p
	return p, nil
}

func (l *fakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("engine was not launched")
		return nil
	}
}

type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) Update(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, s)
}

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.seen) == 0 {
		return Status{}
	}
	return l.seen[len(l.seen)-1]
}

type retryRecorder struct {
	mu      sync.Mutex
	retries []int
	delay   time.Duration
}

func (r *retryRecorder) backoff(retry int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, retry)
	return r.delay
}

func (r *retryRecorder) Retries() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.retries...)
}

func newTestSupervisor(t *testing.T, l *fakeLauncher, opts Options) (*Supervisor, *statusLog) {
	t.Helper()
	sink := &statusLog{}
	if opts.Profile == "" {
		opts.Profile = "news"
	}
	opts.Sink = sink
	s := NewSupervisor(opts, l, logger.Discard(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, sink
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{0, 5, 10, 15, 20, 25, 30, 30, 30}
	for retry, w := range want {
		if got := Backoff(retry); got != w*time.Second {
			t.Errorf("Backoff(%d): expected %v, got %v", retry, w*time.Second, got)
		}
	}
}

func TestSupervisor_restarts_after_exit(t *testing.T) {
	l := newFakeLauncher()
	s, sink := newTestSupervisor(t, l, Options{})
	rec := &retryRecorder{delay: 10 * time.Millisecond}
	s.backoff = rec.backoff

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	p1 := l.next(t)
	waitUntil(t, func() bool { return s.Status().State == StateRunning })
	if s.Status().PID != p1.pid {
		t.Errorf("expected pid %d, got %d", p1.pid, s.Status().PID)
	}

	p1.finish(errors.New("exit status 1"))
	p2 := l.next(t)
	waitUntil(t, func() bool { return s.Status().State == StateRunning && s.Status().PID == p2.pid })

	st := s.Status()
	if st.Restarts != 1 || st.LastExit != ExitError {
		t.Errorf("unexpected status %+v", st)
	}
	if !strings.Contains(st.LastError, "exit status 1") {
		t.Errorf("last error should carry the exit, got %q", st.LastError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if sink.last().State != StateStopped {
		t.Errorf("expected final state stopped, got %s", sink.last().State)
	}
	p2.mu.Lock()
	defer p2.mu.Unlock()
	if !p2.terminated {
		t.Error("running engine should have been terminated")
	}
}

func TestSupervisor_clean_exit_is_a_disconnect(t *testing.T) {
	l := newFakeLauncher()
	s, _ := newTestSupervisor(t, l, Options{})
	rec := &retryRecorder{delay: time.Hour}
	s.backoff = rec.backoff

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	l.next(t).finish(nil)

	waitUntil(t, func() bool { return s.Status().State == StateReconnecting })
	st := s.Status()
	if st.LastExit != ExitClean || st.LastError != "engine exited unexpectedly" {
		t.Errorf("unexpected status %+v", st)
	}
	if got := rec.Retries(); len(got) != 1 || Backoff(got[0]) != 5*time.Second {
		t.Errorf("first restart should wait 5s, retries=%v", got)
	}
}

func TestSupervisor_stop_during_backoff(t *testing.T) {
	l := newFakeLauncher()
	s, sink := newTestSupervisor(t, l, Options{})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	l.next(t).finish(errors.New("exit status 1"))
	waitUntil(t, func() bool { return s.Status().State == StateReconnecting })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("stop during a 5s backoff took %v", elapsed)
	}
	if sink.last().State != StateStopped {
		t.Errorf("expected stopped, got %s", sink.last().State)
	}
	if l.Launches() != 1 {
		t.Errorf("no relaunch expected after stop, got %d launches", l.Launches())
	}
}

func TestSupervisor_spawn_failures(t *testing.T) {
	l := newFakeLauncher()
	l.failures = 2
	s, _ := newTestSupervisor(t, l, Options{})
	rec := &retryRecorder{delay: time.Millisecond}
	s.backoff = rec.backoff

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	l.next(t)
	waitUntil(t, func() bool { return s.Status().State == StateRunning })

	st := s.Status()
	if st.Restarts != 2 || st.LastExit != ExitSpawnFailed {
		t.Errorf("unexpected status %+v", st)
	}
	if got := rec.Retries(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected retries [1 2], got %v", got)
	}
}

func TestSupervisor_retry_resets_after_stable_run(t *testing.T) {
	for _, tc := range []struct {
		name   string
		uptime time.Duration
		want   []int
	}{
		{"flapping", 0, []int{1, 2}},
		{"stable", 60 * time.Millisecond, []int{1, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := newFakeLauncher()
			s, _ := newTestSupervisor(t, l, Options{StableAfter: 30 * time.Millisecond})
			rec := &retryRecorder{delay: time.Millisecond}
			s.backoff = rec.backoff

			if err := s.Start(); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 2; i++ {
				p := l.next(t)
				time.Sleep(tc.uptime)
				p.finish(errors.New("exit status 1"))
			}
			l.next(t)

			got := rec.Retries()
			if len(got) != 2 || got[0] != tc.want[0] || got[1] != tc.want[1] {
				t.Errorf("expected retries %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSupervisor_kills_unresponsive_engine(t *testing.T) {
	l := newFakeLauncher()
	l.ignoreTerm = true
	s, _ := newTestSupervisor(t, l, Options{TerminateTimeout: 50 * time.Millisecond})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	p := l.next(t)
	waitUntil(t, func() bool { return s.Status().State == StateRunning })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.terminated || !p.killed {
		t.Errorf("expected terminate then kill, terminated=%v killed=%v", p.terminated, p.killed)
	}
}

type generatedCount int64

func (g generatedCount) MarkersGenerated() int64 { return int64(g) }

func TestSupervisor_telemetry_reaches_sink(t *testing.T) {
	l := newFakeLauncher()
	s, sink := newTestSupervisor(t, l, Options{
		Output:     stream.TransportSRT,
		Continuous: true,
		Markers:    generatedCount(7),
	})
	s.backoff = func(int) time.Duration { return time.Millisecond }

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	p1 := l.next(t)
	p1.emit(t, `BITRATE: {"bitrate": 3000000, "packets": 1000}`)
	p1.emit(t, "spliceinject: injected splice_insert event id 20000")
	p1.emit(t, "srt: connection rejected by peer")
	waitUntil(t, func() bool { return sink.last().Counters.Packets == 1000 })

	st := sink.last()
	if st.MarkersInjected != 1 || st.MarkersGenerated != 7 {
		t.Errorf("expected confirmations to win in continuous mode, got %+v", st)
	}

	p1.finish(errors.New("exit status 1"))
	p2 := l.next(t)
	if got := s.Status().LastError; !strings.Contains(got, "stream id") {
		t.Errorf("expected transport hint in last error, got %q", got)
	}

	p2.emit(t, `BITRATE: {"packets": 200}`)
	waitUntil(t, func() bool { return sink.last().Counters.Packets == 1200 })
	if got := sink.last().Counters.Bytes; got != 1200*PacketSize {
		t.Errorf("expected %d bytes, got %d", 1200*PacketSize, got)
	}
}

func TestSupervisor_lifecycle_errors(t *testing.T) {
	l := newFakeLauncher()
	s, sink := newTestSupervisor(t, l, Options{})

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.last().State != StateStopped {
		t.Errorf("expected stopped, got %s", sink.last().State)
	}
	if err := s.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}

	s2, _ := newTestSupervisor(t, newFakeLauncher(), Options{})
	if err := s2.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s2.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestTransportHint(t *testing.T) {
	cases := []struct {
		name      string
		transport stream.Transport
		line      string
		hinted    bool
	}{
		{"srt_rejected", stream.TransportSRT, "srt: Connection REJECTED: peer", true},
		{"srt_timeout", stream.TransportSRT, "srt: connection setup failure: connection timed out", true},
		{"udp_unreachable", stream.TransportUDP, "ip: send error: Network is unreachable", true},
		{"hls_disk_full", stream.TransportHLS, "hls: error writing segment: no space left on device", true},
		{"other_transport", stream.TransportUDP, "srt: connection rejected", false},
		{"benign", stream.TransportSRT, "srt: connected", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TransportHint(tc.transport, tc.line) != ""; got != tc.hinted {
				t.Errorf("expected hinted=%v", tc.hinted)
			}
		})
	}
}

func TestExecLauncher(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	p, err := ExecLauncher{}.Launch("sh", []string{"-c", "echo out; echo err >&2; exit 3"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(p.Output())
	if err != nil {
		t.Fatal(err)
	}
	p.Output().Close()
	if got := string(data); !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Errorf("expected merged output, got %q", got)
	}
	if kind := ClassifyExit(p.Wait()); kind != ExitError {
		t.Errorf("expected error exit, got %s", kind)
	}

	if _, err := (ExecLauncher{}).Launch(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("expected spawn failure for a missing binary")
	}
}

func TestClassifyExit(t *testing.T) {
	if ClassifyExit(nil) != ExitClean {
		t.Error("nil wait error is a clean exit")
	}
	if ClassifyExit(errors.New("boom")) != ExitError {
		t.Error("generic error is an error exit")
	}
}

func TestPIDFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("write_and_remove", func(t *testing.T) {
		f := NewPIDFile(dir, "news", "tsp")
		if err := f.Write(4242); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(filepath.Join(dir, "engine_news.pid"))
		if err != nil || strings.TrimSpace(string(data)) != "4242" {
			t.Fatalf("unexpected pid file %q: %v", data, err)
		}
		if err := f.Remove(); err != nil {
			t.Fatal(err)
		}
		if err := f.Remove(); err != nil {
			t.Errorf("removing a missing pid file must succeed: %v", err)
		}
	})

	t.Run("malformed_is_discarded", func(t *testing.T) {
		f := NewPIDFile(dir, "sports", "tsp")
		if err := os.WriteFile(f.Path, []byte("not-a-pid"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := f.Reap(time.Second, nil, logger.Discard()); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(f.Path); !errors.Is(err, os.ErrNotExist) {
			t.Error("malformed pid file should be removed")
		}
	})

	t.Run("stop_interrupts_wait", func(t *testing.T) {
		if _, err := os.Stat("/proc/self/cmdline"); err != nil {
			t.Skip("needs /proc")
		}
		p, err := ExecLauncher{}.Launch("sh", []string{"-c", `trap "" TERM; while :; do sleep 1; done`})
		if err != nil {
			t.Skipf("sh unavailable: %v", err)
		}
		defer func() {
			p.Kill()
			p.Wait()
		}()
		go io.Copy(io.Discard, p.Output())

		f := NewPIDFile(dir, "stray", "sh")
		if err := f.Write(p.Pid()); err != nil {
			t.Fatal(err)
		}
		stop := make(chan struct{})
		time.AfterFunc(200*time.Millisecond, func() { close(stop) })

		start := time.Now()
		err = f.Reap(5*time.Second, stop, logger.Discard())
		if !errors.Is(err, errReapStopped) {
			t.Errorf("expected errReapStopped, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("reap ignored stop for %v", elapsed)
		}
	})

	t.Run("other_binary_is_left_alone", func(t *testing.T) {
		if _, err := os.Stat("/proc/self/cmdline"); err != nil {
			t.Skip("needs /proc")
		}
		f := NewPIDFile(dir, "movies", "definitely-not-this-binary")
		if err := f.Write(os.Getpid()); err != nil {
			t.Fatal(err)
		}
		if err := f.Reap(time.Second, nil, logger.Discard()); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(f.Path); !errors.Is(err, os.ErrNotExist) {
			t.Error("stale pid file should be removed")
		}
	})
}

func TestSupervisor_read_skips_oversized_line(t *testing.T) {
	sup := NewSupervisor(Options{Profile: "news", Output: stream.TransportUDP}, &fakeLauncher{}, logger.Discard(), nil)

	input := strings.Repeat("x", maxLineBytes+100) + " packets: 999\n" +
		`BITRATE: {"packets": 500}` + "\n"
	done := make(chan struct{})
	sup.read(strings.NewReader(input), done)
	<-done

	if got := sup.Status().Counters.Packets; got != 500 {
		t.Errorf("tail of an oversized line must not be parsed, packets=%d", got)
	}
}
