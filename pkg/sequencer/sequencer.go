// Package sequencer runs the progressive load state machine.
//
// A load walks the stages placeholder → thumbnail → preview → full, probing
// one variant at a time. A failed probe at a non-terminal stage is skipped;
// a failure at Full ends the session with EXHAUSTED while the best stage
// obtained so far stays displayed.
//
// # Session tokens
//
// Every Load and Cancel increments a token counter. A stage loop captures
// the token it was started under and compares it with the current value
// before starting a probe and again, under the sequencer mutex, before
// committing the result. A mismatch means the session was superseded and
// the result is discarded. Committed events are queued in order and handed
// to listeners by a single dispatch goroutine, which checks the token once
// more right before delivery.
//
//	seq := sequencer.New(variant.NewResolver(base), fetch.NewHTTPFetcher(),
//	    sequencer.WithListener(func(ev sequencer.Event) { ... }))
//	defer seq.Close()
//	seq.Load(ctx, variant.NewSource("img-1"), sequencer.Options{})
package sequencer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/fetch"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/observability"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// Resolver builds the variant URL for a stage. *variant.Resolver implements it.
type Resolver interface {
	Resolve(src variant.Source, stage variant.Stage, profile netprofile.Profile) (variant.Variant, error)
}

// Failure records a skipped stage.
type Failure struct {
	Stage variant.Stage `json:"stage"`
	URL   string        `json:"url,omitempty"`
	Err   string        `json:"error"`
}

// Session is a snapshot of the current load.
type Session struct {
	ID        string             `json:"id"`
	Token     uint64             `json:"token"`
	Source    variant.Source     `json:"source"`
	Stage     variant.Stage      `json:"stage"` // best stage displayed
	URL       string             `json:"url,omitempty"`
	Status    Status             `json:"status"`
	Profile   netprofile.Profile `json:"profile"`
	Failures  []Failure          `json:"failures,omitempty"`
	Err       *errors.Error      `json:"error,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitzero"`
}

type listenerEntry struct {
	id int
	fn Listener
}

// Sequencer owns one session at a time. It is safe for concurrent use.
type Sequencer struct {
	resolver  Resolver
	fetcher   fetch.Fetcher
	estimator *netprofile.Estimator
	logger    *log.Logger
	defaults  Options

	mu           sync.Mutex
	cond         *sync.Cond // signalled when running or pending reaches zero
	token        uint64
	session      Session
	loaded       bool
	lastOpts     Options
	cancel       context.CancelFunc
	running      int // stage loops alive
	listeners    []listenerEntry
	nextListener int
	queue        []Event
	pending      int // queued or in delivery
	discarded    uint64
	closed       bool

	wake chan struct{}
	stop chan struct{}
}

// New creates a sequencer and starts its dispatch goroutine.
// Call Close to stop it.
func New(resolver Resolver, fetcher fetch.Fetcher, opts ...Option) *Sequencer {
	s := &Sequencer{
		resolver: resolver,
		fetcher:  fetcher,
		logger:   log.Default(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	if s.estimator == nil {
		s.estimator = netprofile.Default()
	}
	go s.dispatch()
	return s
}

// Subscribe adds a listener. The returned function removes it.
func (s *Sequencer) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(e listenerEntry) bool { return e.id == id })
	}
}

// Load supersedes the current session and starts loading src.
// It returns the new session token immediately; progress is reported to
// listeners. Cancelling ctx has the same effect as Cancel.
func (s *Sequencer) Load(ctx context.Context, src variant.Source, opts Options) uint64 {
	opts = opts.merge(s.defaults)
	src = src.Clone()

	s.mu.Lock()
	if s.closed {
		tok := s.token
		s.mu.Unlock()
		s.logger.Warn("load after close ignored", "source", src.URL)
		return tok
	}
	prev := s.supersedeLocked()
	s.token++
	tok := s.token
	profile := s.estimator.Current()
	s.session = Session{
		ID:        uuid.NewString(),
		Token:     tok,
		Source:    src,
		Status:    StatusLoading,
		Profile:   profile,
		StartedAt: time.Now(),
	}
	s.loaded = true
	s.lastOpts = opts
	sess := s.session
	s.enqueueLocked(s.eventLocked(EventStarted, sess.Stage, ""))

	// Malformed descriptors fail before any probe is issued.
	if _, err := s.resolver.Resolve(src, opts.stages()[0], profile); err != nil {
		e := errors.As(err)
		if e == nil {
			e = errors.Wrap(errors.ErrCodeTransformUnavailable, err, "resolve %s", src.URL)
		}
		s.finishLocked(StatusErrored, e)
		s.enqueueLocked(s.eventLocked(EventError, variant.StageNone, ""))
		s.mu.Unlock()

		s.endHooks(ctx, prev)
		observability.Sequencer().OnSessionStart(ctx, sess.ID, src.URL)
		observability.Sequencer().OnSessionEnd(ctx, sess.ID, StatusErrored.String(), 0)
		s.logger.Warn("source rejected", "session", sess.ID, "token", tok, "source", src.URL, "error", e)
		return tok
	}

	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running++
	s.mu.Unlock()

	s.endHooks(ctx, prev)
	observability.Sequencer().OnSessionStart(ctx, sess.ID, src.URL)
	s.logger.Debug("load started", "session", sess.ID, "token", tok, "source", src.URL, "profile", profile)

	go s.run(sctx, tok, sess.ID, src, opts, opts.stages(), false)
	return tok
}

// JumpToStage supersedes the current session and probes only stage for the
// most recently loaded source. The displayed stage carries over until the
// probe succeeds. It fails with INVALID_INPUT when nothing was loaded yet or
// stage is not loadable.
func (s *Sequencer) JumpToStage(ctx context.Context, stage variant.Stage) (uint64, error) {
	if !stage.Valid() {
		return 0, errors.New(errors.ErrCodeInvalidInput, "cannot jump to stage %s", stage)
	}

	s.mu.Lock()
	if !s.loaded || s.closed {
		s.mu.Unlock()
		return 0, errors.New(errors.ErrCodeInvalidInput, "jump to %s: no source loaded", stage)
	}
	prev := s.supersedeLocked()
	src := s.session.Source
	opts := s.lastOpts
	shown, shownURL := s.session.Stage, s.session.URL
	s.token++
	tok := s.token
	s.session = Session{
		ID:        uuid.NewString(),
		Token:     tok,
		Source:    src,
		Stage:     shown,
		URL:       shownURL,
		Status:    StatusLoading,
		Profile:   s.estimator.Current(),
		StartedAt: time.Now(),
	}
	id := s.session.ID
	s.enqueueLocked(s.eventLocked(EventStarted, shown, shownURL))
	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running++
	s.mu.Unlock()

	s.endHooks(ctx, prev)
	observability.Sequencer().OnSessionStart(ctx, id, src.URL)
	s.logger.Debug("jump started", "session", id, "token", tok, "stage", stage)

	go s.run(sctx, tok, id, src, opts, []variant.Stage{stage}, true)
	return tok, nil
}

// Cancel invalidates the current session and aborts its in-flight probe.
// An active session moves to Cancelled and listeners get one EventCancelled.
// Cancelling a finished session only advances the token.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	ended := s.cancelLocked()
	s.mu.Unlock()
	s.endHooks(context.Background(), ended)
}

// cancelIfCurrent handles parent-context cancellation for session tok.
func (s *Sequencer) cancelIfCurrent(tok uint64) {
	s.mu.Lock()
	if s.token != tok {
		s.mu.Unlock()
		return
	}
	ended := s.cancelLocked()
	s.mu.Unlock()
	s.endHooks(context.Background(), ended)
}

func (s *Sequencer) cancelLocked() *Session {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.token++
	if !s.session.Status.Active() {
		return nil
	}
	s.finishLocked(StatusCancelled, nil)
	ended := s.session
	s.enqueueLocked(s.eventLocked(EventCancelled, s.session.Stage, s.session.URL))
	s.logger.Debug("session cancelled", "session", ended.ID, "token", ended.Token, "stage", ended.Stage)
	return &ended
}

// supersedeLocked aborts the running session without notifying listeners.
func (s *Sequencer) supersedeLocked() *Session {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if !s.session.Status.Active() {
		return nil
	}
	s.finishLocked(StatusCancelled, nil)
	ended := s.session
	return &ended
}

func (s *Sequencer) finishLocked(status Status, err *errors.Error) {
	s.session.Status = status
	s.session.Err = err
	s.session.EndedAt = time.Now()
}

func (s *Sequencer) endHooks(ctx context.Context, ended *Session) {
	if ended == nil {
		return
	}
	observability.Sequencer().OnSessionEnd(ctx, ended.ID, ended.Status.String(), ended.EndedAt.Sub(ended.StartedAt))
}

// Snapshot returns a copy of the current session.
func (s *Sequencer) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.session
	out.Failures = slices.Clone(out.Failures)
	out.Source = out.Source.Clone()
	return out
}

// Token returns the current token value.
func (s *Sequencer) Token() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Discarded returns how many stale probe results were dropped by the token check.
func (s *Sequencer) Discarded() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// Wait blocks until every stage loop started so far has exited and every
// queued event has been delivered. It must not be called from a Listener.
func (s *Sequencer) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running > 0 || s.pending > 0 {
		s.cond.Wait()
	}
}

// Close cancels the current session without notification and stops the
// dispatcher. Queued events are dropped. Close is idempotent.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ended := s.supersedeLocked()
	s.token++
	s.mu.Unlock()
	close(s.stop)
	s.endHooks(context.Background(), ended)
}

// run probes stages in order for session tok.
// A jump probes a single stage and reports its failure as NETWORK_FAILURE.
func (s *Sequencer) run(ctx context.Context, tok uint64, id string, src variant.Source, opts Options, stages []variant.Stage, jump bool) {
	defer func() {
		s.mu.Lock()
		s.running--
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	logger := s.logger.With("session", id, "token", tok)
	verified := make(map[string]bool)

	for _, stage := range stages {
		if ctx.Err() != nil || !s.isCurrent(tok) {
			s.cancelIfCurrent(tok)
			return
		}

		profile := s.estimator.Current()
		v, err := s.resolver.Resolve(src, stage, profile)
		if err != nil {
			e := errors.As(err)
			if e == nil {
				e = errors.Wrap(errors.ErrCodeTransformUnavailable, err, "resolve %s", stage)
			}
			s.commit(tok, func() []Event {
				s.finishLocked(StatusErrored, e)
				return []Event{s.eventLocked(EventError, s.session.Stage, s.session.URL)}
			})
			s.sessionEnded(ctx, tok)
			logger.Warn("resolve failed", "stage", stage, "error", err)
			return
		}

		probeErr := s.probe(ctx, id, v, profile, opts.timeout(stage), verified)
		if ctx.Err() != nil {
			// Superseded or cancelled while the probe was in flight.
			s.noteDiscard(tok)
			s.cancelIfCurrent(tok)
			return
		}

		if probeErr == nil {
			verified[v.URL] = true
			ok := s.commit(tok, func() []Event {
				s.session.Stage = stage
				s.session.URL = v.URL
				s.session.Profile = profile
				return []Event{s.eventLocked(EventStageChange, stage, v.URL)}
			})
			if !ok {
				return
			}
			logger.Debug("stage loaded", "stage", stage, "profile", profile, "url", v.URL)
			continue
		}

		terminal := stage.Terminal() || jump
		ok := s.commit(tok, func() []Event {
			s.session.Failures = append(s.session.Failures, Failure{Stage: stage, URL: v.URL, Err: probeErr.Error()})
			if !terminal {
				s.session.Status = StatusDegraded
				ev := s.eventLocked(EventDegraded, stage, v.URL)
				ev.Err = asNetworkFailure(probeErr)
				return []Event{ev}
			}
			var e *errors.Error
			if jump {
				e = asNetworkFailure(probeErr)
			} else {
				shown := s.session.Stage
				e = errors.Exhausted(probeErr, shown.String(), shown != variant.StageNone)
			}
			s.finishLocked(StatusErrored, e)
			return []Event{s.eventLocked(EventError, s.session.Stage, s.session.URL)}
		})
		if !ok {
			return
		}
		if terminal {
			s.sessionEnded(ctx, tok)
			logger.Warn("terminal stage failed", "stage", stage, "profile", profile, "error", probeErr)
			return
		}
		logger.Info("stage skipped", "stage", stage, "profile", profile, "error", probeErr)
	}

	if s.commit(tok, func() []Event {
		s.finishLocked(StatusComplete, nil)
		return []Event{s.eventLocked(EventComplete, s.session.Stage, s.session.URL)}
	}) {
		s.sessionEnded(ctx, tok)
		logger.Debug("load complete")
	}
}

// probe verifies v under its own timeout. URLs already verified in this
// session succeed without I/O.
func (s *Sequencer) probe(ctx context.Context, id string, v variant.Variant, profile netprofile.Profile, timeout time.Duration, verified map[string]bool) error {
	if verified[v.URL] {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	hooks := observability.Sequencer()
	hooks.OnProbeStart(ctx, id, v.Stage.String(), profile.String())
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	_, err := s.fetcher.Fetch(pctx, v.URL)
	timedOut := pctx.Err() == context.DeadlineExceeded
	cancel()
	if err == nil && timedOut {
		// A fetcher that ignores its context cannot beat the deadline.
		err = context.DeadlineExceeded
	}

	if err != nil && ctx.Err() == nil && errors.GetCode(err) == "" {
		if timedOut {
			err = errors.Wrap(errors.ErrCodeTimeout, err, "probe %s after %s", v.Stage, timeout)
		} else {
			err = errors.Wrap(errors.ErrCodeNetworkFailure, err, "probe %s", v.Stage)
		}
	}
	hooks.OnProbeComplete(ctx, id, v.Stage.String(), time.Since(start), err)
	return err
}

// commit applies fn if tok is still current and queues the events it returns.
func (s *Sequencer) commit(tok uint64, fn func() []Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != tok {
		s.discarded++
		return false
	}
	for _, ev := range fn() {
		s.enqueueLocked(ev)
	}
	return true
}

func (s *Sequencer) noteDiscard(tok uint64) {
	s.mu.Lock()
	if s.token != tok {
		s.discarded++
	}
	s.mu.Unlock()
}

func (s *Sequencer) isCurrent(tok uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token == tok
}

func (s *Sequencer) sessionEnded(ctx context.Context, tok uint64) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess.Token == tok && sess.Status.Terminal() {
		observability.Sequencer().OnSessionEnd(ctx, sess.ID, sess.Status.String(), sess.EndedAt.Sub(sess.StartedAt))
	}
}

func (s *Sequencer) eventLocked(kind EventKind, stage variant.Stage, url string) Event {
	return Event{
		Kind:      kind,
		Token:     s.token,
		SessionID: s.session.ID,
		Source:    s.session.Source.URL,
		Stage:     stage,
		URL:       url,
		Status:    s.session.Status,
		Profile:   s.session.Profile,
		Err:       s.session.Err,
		Time:      time.Now(),
	}
}

func (s *Sequencer) enqueueLocked(ev Event) {
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.pending++
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events in commit order.
func (s *Sequencer) dispatch() {
	for {
		select {
		case <-s.stop:
			s.mu.Lock()
			s.queue = nil
			s.pending = 0
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.closed {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			stale := ev.Token != s.token
			if stale {
				s.discarded++
			}
			listeners := slices.Clone(s.listeners)
			s.mu.Unlock()

			if !stale {
				for _, l := range listeners {
					l.fn(ev)
				}
			}

			s.mu.Lock()
			s.pending--
			if s.pending == 0 {
				s.cond.Broadcast()
			}
			s.mu.Unlock()
		}
	}
}

func asNetworkFailure(err error) *errors.Error {
	if e := errors.As(err); e != nil && (e.Code == errors.ErrCodeNetworkFailure || e.Code == errors.ErrCodeTimeout) {
		return errors.Wrap(errors.ErrCodeNetworkFailure, err, "%s", e.Message)
	}
	return errors.Wrap(errors.ErrCodeNetworkFailure, err, "probe failed")
}
