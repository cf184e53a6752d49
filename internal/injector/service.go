package injector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"splice-injector/internal/engine"
	"splice-injector/internal/eventid"
	"splice-injector/internal/platform/logger"
	"splice-injector/internal/platform/metrics"
	"splice-injector/internal/publisher"
	"splice-injector/internal/splice"
	"splice-injector/internal/stream"

	"github.com/google/uuid"
)

// DefaultEngineBinary is the engine executable looked up on PATH.
const DefaultEngineBinary = "tsp"

// ErrProfileRequired is returned when a start request names no profile.
var ErrProfileRequired = errors.New("profile is required")

// Options configure a Service.
type Options struct {
	// ProfileDir holds <profile>.yaml stream configurations.
	ProfileDir string
	// MarkerDir is the parent of the per-profile watched directories.
	MarkerDir string
	// StateDir holds engine pid files; empty disables stray reaping.
	StateDir     string
	EngineBinary string

	MarkerInterval   time.Duration
	StabilityWait    time.Duration
	TerminateTimeout time.Duration
	StableAfter      time.Duration
}

// Service owns the running sessions: one publisher and one supervised
// engine per session, at most one active session per profile.
type Service struct {
	repo     Repository
	seq      *eventid.Sequencer
	launcher engine.Launcher
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() SessionID

	mu   sync.Mutex
	gens map[string]*splice.Generator
	runs map[SessionID]*run
}

// run is the live machinery behind an active session.
type run struct {
	id      SessionID
	profile string
	sup     *engine.Supervisor
	pub     *publisher.Publisher
	oneShot string
	cancel  context.CancelFunc
	watched chan struct{}

	mu     sync.Mutex
	pubErr string
}

func (r *run) setPublisherError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pubErr = msg
}

func (r *run) publisherError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubErr
}

// NewService returns a Service. launcher may be nil to spawn the real engine.
func NewService(repo Repository, seq *eventid.Sequencer, launcher engine.Launcher, opts Options, log *slog.Logger, m *metrics.Metrics) *Service {
	if launcher == nil {
		launcher = engine.ExecLauncher{}
	}
	if opts.EngineBinary == "" {
		opts.EngineBinary = DefaultEngineBinary
	}
	return &Service{
		repo:     repo,
		seq:      seq,
		launcher: launcher,
		opts:     opts,
		log:      logger.Component(log, "injector"),
		metrics:  m,
		now:      time.Now,
		newID:    func() SessionID { return SessionID(uuid.NewString()) },
		gens:     make(map[string]*splice.Generator),
		runs:     make(map[SessionID]*run),
	}
}

// generator returns the profile's generator. Sharing it between the
// publisher loop and manual requests keeps their id ranges apart.
func (s *Service) generator(profile string) *splice.Generator {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[profile]
	if !ok {
		g = splice.NewGenerator(s.seq)
		s.gens[profile] = g
	}
	return g
}

// StartSession validates the request, starts the marker source and the
// supervised engine, and returns the new session. The session outlives the
// caller; it runs until StopSession.
func (s *Service) StartSession(req StartRequest) (Session, error) {
	cfg, err := s.resolveConfig(req)
	if err != nil {
		return Session{}, err
	}
	plan, err := normalizePlan(req.Markers)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:          s.newID(),
		Profile:     cfg.Profile,
		Mode:        plan.Mode,
		Config:      cfg,
		Status:      StatusStarting,
		EngineState: engine.StateIdle.String(),
		StartedAt:   s.now().UTC(),
	}
	if err := s.repo.Create(sess); err != nil {
		if errors.Is(err, ErrSessionActive) {
			if active, ok := s.repo.ActiveForProfile(sess.Profile); ok {
				return Session{}, fmt.Errorf("%w: session %s", err, active.ID)
			}
		}
		return Session{}, err
	}
	log := s.log.With("session_id", string(sess.ID), "profile", sess.Profile)

	r, err := s.launch(sess, plan, log)
	if err != nil {
		log.Error("session failed to start", "error", err)
		s.finalize(sess.ID, nil, err.Error())
		return Session{}, err
	}

	s.mu.Lock()
	current, _ := s.repo.Get(sess.ID)
	if !current.Active() {
		// Stopped while launching.
		s.mu.Unlock()
		s.teardown(context.Background(), r, log)
		return current, ErrSessionStopped
	}
	s.runs[sess.ID] = r
	s.mu.Unlock()

	s.metrics.SetActiveSessions(s.repo.ActiveSessionCount())
	log.Info("session started",
		"mode", string(plan.Mode),
		"input", string(cfg.Input.Transport),
		"output", string(cfg.Output.Transport),
	)
	current, _ = s.repo.Get(sess.ID)
	return current, nil
}

func (s *Service) resolveConfig(req StartRequest) (stream.Config, error) {
	profile := req.Profile
	if profile == "" && req.Config != nil {
		profile = req.Config.Profile
	}
	if profile == "" {
		return stream.Config{}, ErrProfileRequired
	}
	if !stream.ValidProfileName(profile) {
		return stream.Config{}, &stream.FieldError{Field: "profile", Reason: fmt.Sprintf("invalid profile name %q", profile)}
	}

	if req.Config == nil {
		return stream.LoadProfile(s.opts.ProfileDir, profile)
	}
	cfg := *req.Config
	cfg.Profile = profile
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return stream.Config{}, err
	}
	return cfg, nil
}

func normalizePlan(p *MarkerPlan) (MarkerPlan, error) {
	if p == nil {
		return MarkerPlan{Mode: ModeNone}, nil
	}
	plan := *p
	if plan.Mode == "" {
		plan.Mode = ModeContinuous
	}
	switch plan.Mode {
	case ModeNone:
		return plan, nil
	case ModeContinuous, ModeOneShot:
	default:
		return MarkerPlan{}, &splice.FieldError{Field: "markers.mode", Reason: fmt.Sprintf("unknown mode %q", plan.Mode)}
	}
	if err := plan.Request.Validate(); err != nil {
		return MarkerPlan{}, err
	}
	if plan.Mode == ModeOneShot && len(plan.Request.Cues()) != 1 {
		return MarkerPlan{}, &splice.FieldError{Field: "markers.request.pattern", Reason: "one-shot injection carries a single marker"}
	}
	if plan.BaseEventID != 0 {
		if err := eventid.Validate(plan.BaseEventID); err != nil {
			return MarkerPlan{}, err
		}
	}
	if plan.IntervalSeconds < 0 {
		return MarkerPlan{}, &splice.FieldError{Field: "markers.interval_seconds", Reason: "must not be negative"}
	}
	return plan, nil
}

func (s *Service) launch(sess Session, plan MarkerPlan, log *slog.Logger) (*run, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{id: sess.ID, profile: sess.Profile, cancel: cancel, watched: make(chan struct{})}
	markerDir := filepath.Join(s.opts.MarkerDir, sess.Profile)

	var src engine.MarkerSource
	switch plan.Mode {
	case ModeContinuous:
		interval := s.opts.MarkerInterval
		if plan.IntervalSeconds > 0 {
			interval = time.Duration(plan.IntervalSeconds) * time.Second
		}
		r.pub = publisher.New(publisher.Config{
			Profile:       sess.Profile,
			Dir:           markerDir,
			Interval:      interval,
			StabilityWait: s.opts.StabilityWait,
		}, s.generator(sess.Profile), log, s.metrics)
		if err := r.pub.Start(ctx, plan.Request, plan.BaseEventID); err != nil {
			s.releaseMarkers(r, log)
			cancel()
			return nil, err
		}
		src = engine.MarkerSource{Dir: markerDir}

	case ModeOneShot:
		markers, err := s.generator(sess.Profile).Generate(sess.Profile, plan.Request, plan.BaseEventID)
		if err != nil {
			cancel()
			return nil, err
		}
		path, err := publisher.WriteOnce(markerDir, markers[0])
		if err != nil {
			cancel()
			return nil, err
		}
		s.metrics.IncMarkersWritten(sess.Profile, markers[0].Cue.String())
		r.oneShot = path
		src = engine.MarkerSource{File: path}
	}

	args, err := engine.BuildArgs(sess.Config, src)
	if err != nil {
		s.releaseMarkers(r, log)
		cancel()
		return nil, err
	}

	opts := engine.Options{
		Profile:          sess.Profile,
		Binary:           s.opts.EngineBinary,
		Args:             args,
		Output:           sess.Config.Output.Transport,
		Continuous:       src.Continuous(),
		TerminateTimeout: s.opts.TerminateTimeout,
		StableAfter:      s.opts.StableAfter,
		Sink:             engine.SinkFunc(func(st engine.Status) { s.applyStatus(r, st, log) }),
	}
	if r.pub != nil {
		opts.Markers = r.pub
	}
	if s.opts.StateDir != "" {
		pf := engine.NewPIDFile(s.opts.StateDir, sess.Profile, s.opts.EngineBinary)
		opts.PIDFile = &pf
	}
	log.Debug("engine command", "binary", s.opts.EngineBinary, "args", args)

	r.sup = engine.NewSupervisor(opts, s.launcher, log, s.metrics)
	if err := r.sup.Start(); err != nil {
		s.releaseMarkers(r, log)
		cancel()
		return nil, err
	}

	go s.watch(ctx, r, log)
	return r, nil
}

// watch surfaces a publisher that gave up while the engine keeps running.
func (s *Service) watch(ctx context.Context, r *run, log *slog.Logger) {
	defer close(r.watched)

	var pubDone <-chan struct{}
	if r.pub != nil {
		pubDone = r.pub.Done()
	}
	select {
	case <-ctx.Done():
	case <-r.sup.Done():
	case <-pubDone:
		err := r.pub.Err()
		if err == nil || ctx.Err() != nil {
			return
		}
		msg := "marker publisher stopped: " + err.Error()
		r.setPublisherError(msg)
		log.Error("marker publisher stopped", "error", err)
		if _, err := s.repo.Update(r.id, func(sess *Session) {
			sess.Status = StatusError
			sess.LastError = msg
		}); err != nil && !errors.Is(err, ErrSessionStopped) {
			log.Warn("could not record publisher failure", "error", err)
		}
	}
}

// applyStatus maps supervisor updates onto the session record.
func (s *Service) applyStatus(r *run, st engine.Status, log *slog.Logger) {
	pubErr := r.publisherError()
	_, err := s.repo.Update(r.id, func(sess *Session) {
		sess.EngineState = st.State.String()
		switch st.State {
		case engine.StateRunning:
			sess.Status = StatusRunning
		case engine.StateReconnecting:
			sess.Status = StatusError
			sess.LastError = st.LastError
		case engine.StateStarting:
			if sess.Status != StatusError {
				sess.Status = StatusStarting
			}
		}
		if pubErr != "" {
			sess.Status = StatusError
			sess.LastError = pubErr
		}
		sess.BitrateBPS = st.Counters.Bitrate
		sess.Counters = countersFrom(st)
	})
	if err != nil && !errors.Is(err, ErrSessionStopped) {
		log.Warn("could not update session", "error", err)
	}
}

func countersFrom(st engine.Status) Counters {
	return Counters{
		Bytes:            st.Counters.Bytes,
		Packets:          st.Counters.Packets,
		Errors:           st.Counters.ContinuityErrors,
		MarkersInjected:  st.MarkersInjected,
		MarkersGenerated: st.MarkersGenerated,
		MarkersVerified:  st.Counters.Verified,
		Restarts:         int64(st.Restarts),
	}
}

// StopSession terminates the engine, stops the publisher, clears the
// watched directory and marks the session STOPPED. Stopping a stopped
// session returns it unchanged.
func (s *Service) StopSession(ctx context.Context, id SessionID) (Session, error) {
	sess, ok := s.repo.Get(id)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	log := s.log.With("session_id", string(id), "profile", sess.Profile)

	s.mu.Lock()
	r := s.runs[id]
	delete(s.runs, id)
	if r == nil {
		// Nothing running: already stopped, or still launching (the launch
		// path tears itself down when it sees STOPPED).
		defer s.mu.Unlock()
		if !sess.Active() {
			return sess, nil
		}
		return s.finalize(id, nil, "")
	}
	s.mu.Unlock()

	s.teardown(ctx, r, log)
	final, err := s.finalize(id, r, "")
	if err != nil {
		return final, err
	}
	log.Info("session stopped",
		"packets", final.Counters.Packets,
		"markers_injected", final.Counters.MarkersInjected,
		"restarts", final.Counters.Restarts,
	)
	return final, nil
}

func (s *Service) teardown(ctx context.Context, r *run, log *slog.Logger) {
	r.cancel()
	if err := r.sup.Stop(ctx); err != nil {
		log.Warn("engine did not stop in time", "error", err)
	}
	s.releaseMarkers(r, log)
	<-r.watched
}

// releaseMarkers stops the publisher (which clears the watched directory)
// or removes the one-shot file.
func (s *Service) releaseMarkers(r *run, log *slog.Logger) {
	if r.pub != nil {
		if err := r.pub.Stop(); err != nil {
			log.Warn("publisher did not stop cleanly", "error", err)
		}
	}
	if r.oneShot != "" {
		if err := os.Remove(r.oneShot); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("could not remove one-shot marker", "file", r.oneShot, "error", err)
		}
	}
}

// finalize moves the session to STOPPED with its last counters.
func (s *Service) finalize(id SessionID, r *run, lastError string) (Session, error) {
	var final *engine.Status
	if r != nil {
		st := r.sup.Status()
		final = &st
	}
	sess, err := s.repo.Update(id, func(sess *Session) {
		now := s.now().UTC()
		sess.Status = StatusStopped
		sess.EngineState = engine.StateStopped.String()
		sess.StoppedAt = &now
		if lastError != "" {
			sess.LastError = lastError
		}
		if final != nil {
			sess.Counters = countersFrom(*final)
		}
	})
	if errors.Is(err, ErrSessionStopped) {
		err = nil
	}
	s.metrics.SetActiveSessions(s.repo.ActiveSessionCount())
	return sess, err
}

// GetSession returns a session by id.
func (s *Service) GetSession(id SessionID) (Session, error) {
	sess, ok := s.repo.Get(id)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions returns every session, stopped ones included.
func (s *Service) ListSessions() []Session {
	return s.repo.List()
}

// InjectMarker creates a manual marker (or break sequence) for a session.
// With a running publisher the markers are written to the watched directory
// through the same producer as the automatic loop; otherwise only their
// event ids are allocated.
func (s *Service) InjectMarker(ctx context.Context, id SessionID, req splice.Request) (MarkerResult, error) {
	sess, ok := s.repo.Get(id)
	if !ok {
		return MarkerResult{}, ErrSessionNotFound
	}
	if !sess.Active() {
		return MarkerResult{}, ErrSessionStopped
	}
	if err := req.Validate(); err != nil {
		return MarkerResult{}, err
	}

	s.mu.Lock()
	r := s.runs[id]
	s.mu.Unlock()

	res := MarkerResult{SessionID: id}
	var markers []splice.Marker
	var err error
	if r != nil && r.pub != nil {
		markers, err = r.pub.Publish(ctx, req)
		res.Written = err == nil
	} else {
		markers, err = s.generator(sess.Profile).Generate(sess.Profile, req, 0)
	}
	for _, m := range markers {
		res.Markers = append(res.Markers, newMarkerView(m))
	}
	if err != nil {
		return res, err
	}

	s.log.Info("manual marker created",
		"session_id", string(id),
		"profile", sess.Profile,
		"count", len(markers),
		"written", res.Written,
	)
	return res, nil
}

// EventID reports the sequencer position of a profile.
func (s *Service) EventID(profile string) (EventIDInfo, error) {
	last, err := s.seq.Last(profile)
	if err != nil {
		return EventIDInfo{}, err
	}
	return EventIDInfo{Profile: profile, LastEventID: last, NextEventID: eventid.Wrap(last + 1)}, nil
}

// ActiveSessionCount is the number of sessions that are not stopped.
func (s *Service) ActiveSessionCount() int {
	return s.repo.ActiveSessionCount()
}

// Shutdown stops every running session.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]SessionID, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := s.StopSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("stop session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
