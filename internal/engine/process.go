package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Process is a running engine instance.
type Process interface {
	Pid() int
	// Output yields the merged stdout and stderr of the process. It reaches
	// EOF once every holder of the write side has exited; Close unblocks a
	// pending read early.
	Output() io.ReadCloser
	// Wait blocks until the process exits. It must be called exactly once.
	Wait() error
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
}

// Launcher starts engine processes.
type Launcher interface {
	Launch(binary string, args []string) (Process, error)
}

// ExecLauncher launches engines as operating system processes. Each engine
// gets its own process group so helpers it forks are signalled with it.
type ExecLauncher struct{}

// Launch starts binary with args.
func (ExecLauncher) Launch(binary string, args []string) (Process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write side.
	pw.Close()
	return &execProcess{cmd: cmd, out: pr}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	out *os.File
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Output() io.ReadCloser { return p.out }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

func (p *execProcess) Terminate() error { return p.signal(syscall.SIGTERM) }
func (p *execProcess) Kill() error      { return p.signal(syscall.SIGKILL) }

func (p *execProcess) signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// ExitKind classifies how an engine instance ended.
type ExitKind int

const (
	ExitNone ExitKind = iota
	// ExitClean is a zero exit status. For a live stream this is still an
	// unexpected disconnect.
	ExitClean
	ExitError
	ExitSignaled
	ExitSpawnFailed
)

func (k ExitKind) String() string {
	switch k {
	case ExitClean:
		return "clean_exit"
	case ExitError:
		return "error_exit"
	case ExitSignaled:
		return "signaled"
	case ExitSpawnFailed:
		return "spawn_failed"
	default:
		return "none"
	}
}

// ClassifyExit maps the result of Process.Wait to an ExitKind.
func ClassifyExit(err error) ExitKind {
	if err == nil {
		return ExitClean
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitSignaled
		}
	}
	return ExitError
}

// PIDFile records the pid of the engine serving one profile so an instance
// orphaned by a crash of this service can be found on the next start.
type PIDFile struct {
	Path   string
	Binary string
}

// NewPIDFile returns the pid file for profile under dir.
func NewPIDFile(dir, profile, binary string) PIDFile {
	return PIDFile{Path: filepath.Join(dir, "engine_"+profile+".pid"), Binary: binary}
}

// Write records pid.
func (f PIDFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Remove deletes the pid file if present.
func (f PIDFile) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// errReapStopped is returned by Reap when stop closes before the stray
// engine exited.
var errReapStopped = errors.New("reap interrupted by stop")

// Reap terminates a stray engine left behind by a previous run, escalating
// to a kill after timeout. The recorded pid is only signalled when it still
// runs the engine binary. Closing stop abandons the wait.
func (f PIDFile) Reap(timeout time.Duration, stop <-chan struct{}, log *slog.Logger) error {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Remove()

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 1 {
		log.Warn("ignoring malformed pid file", "path", f.Path)
		return nil
	}
	if !alive(pid) || !f.runsBinary(pid) {
		return nil
	}

	log.Warn("terminating stray engine instance", "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		syscall.Kill(pid, syscall.SIGTERM)
	}
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		select {
		case <-stop:
			return errReapStopped
		case <-tick.C:
		}
	}
	log.Warn("stray engine ignored terminate, killing", "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// runsBinary checks the process command line where /proc is available.
// Without /proc the pid is trusted.
func (f PIDFile) runsBinary(pid int) bool {
	cmdline, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return !errors.Is(err, os.ErrNotExist) || !procMounted()
	}
	argv0, _, _ := strings.Cut(string(cmdline), "\x00")
	return filepath.Base(argv0) == filepath.Base(f.Binary)
}

func procMounted() bool {
	_, err := os.Stat("/proc/self")
	return err == nil
}
