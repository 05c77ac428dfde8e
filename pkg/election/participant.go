// Package election implements leader election over a coordination namespace.
//
// Every participant creates one ephemeral sequential token under the election
// namespace. The owner of the lowest token leads; everyone else watches only
// the token immediately below its own, so a departure wakes exactly one
// successor.
package election

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"zkelect/pkg/coordination"
	"zkelect/pkg/events"
	"zkelect/pkg/metrics"
	"zkelect/pkg/models"
	tracing "zkelect/pkg/observability"
	"zkelect/pkg/session"
)

// Participant takes part in one election for the lifetime of one session.
// After the session ends it does not volunteer again.
type Participant struct {
	cfg     Config
	dialer  coordination.Dialer
	log     *zap.Logger
	emitter *events.Emitter
	tracer  trace.Tracer

	// opMu serializes Volunteer and Evaluate.
	opMu sync.Mutex

	mu         sync.Mutex
	client     coordination.Client
	monitor    *session.Monitor
	entry      string
	leadership Leadership
	watched    string
	watchGen   uint64
	lost       bool
	closed     bool

	// watchLive is set while the binding on watched has not fired.
	watchLive   bool
	watchCancel context.CancelFunc

	loopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// round is the result of one list/exists pass.
type round struct {
	leadership Leadership
	watchPath  string
	watch      <-chan coordination.WatchEvent
	reuse      bool // keep the binding already armed on watchPath
}

// NewParticipant creates a participant that dials through dialer. A nil
// logger or emitter disables that output.
func NewParticipant(cfg Config, dialer coordination.Dialer, log *zap.Logger, emitter *events.Emitter) *Participant {
	if log == nil {
		log = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Participant{
		cfg:        cfg,
		dialer:     dialer,
		log:        log.Named("election").With(zap.String("namespace", cfg.Namespace)),
		emitter:    emitter,
		tracer:     otel.Tracer("zkelect/election"),
		monitor:    session.NewMonitor(),
		leadership: Leadership{Status: StatusCandidate},
	}
}

// Connect establishes the session and starts delivering its events to
// OnSessionEvent.
func (p *Participant) Connect(ctx context.Context, address string, sessionTimeout time.Duration) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrShutdown
	case p.client != nil:
		p.mu.Unlock()
		return ErrAlreadyConnected
	}
	p.mu.Unlock()

	client, err := p.dialer.Dial(ctx, address, sessionTimeout)
	if err != nil {
		var connErr *coordination.ConnectionError
		if !errors.As(err, &connErr) {
			err = &coordination.ConnectionError{Address: address, Err: err}
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.closed || p.client != nil {
		p.mu.Unlock()
		cancel()
		_ = client.Close()
		return ErrAlreadyConnected
	}
	p.client = client
	p.loopCtx = loopCtx
	p.cancel = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go p.pumpSession(loopCtx, client.SessionEvents())

	p.log.Info("connected to coordination service",
		zap.String("address", address),
		zap.Int64("session_id", client.SessionID()),
	)
	return nil
}

func (p *Participant) pumpSession(ctx context.Context, in <-chan coordination.SessionEvent) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			p.OnSessionEvent(ctx, ev)
		}
	}
}

// Volunteer creates this participant's candidacy token and returns its name.
// The namespace is created first if it does not exist.
func (p *Participant) Volunteer(ctx context.Context) (string, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	client, err := p.session()
	if err != nil {
		return "", err
	}
	if entry := p.CurrentEntry(); entry != "" {
		return entry, ErrAlreadyVolunteered
	}

	ctx, span := p.tracer.Start(ctx, "election.Volunteer",
		trace.WithAttributes(attribute.String("election.namespace", p.cfg.Namespace)))
	defer span.End()

	if err := coordination.EnsurePath(ctx, client, p.cfg.Namespace); err != nil {
		err = coordination.NewError("create", p.cfg.Namespace, err)
		tracing.SetError(ctx, err)
		return "", fmt.Errorf("failed to create election namespace: %w", err)
	}

	created, err := client.Create(ctx, coordination.Join(p.cfg.Namespace, p.cfg.Prefix), nil, coordination.EphemeralSequential)
	if err != nil {
		tracing.SetError(ctx, err)
		return "", fmt.Errorf("failed to create candidacy token: %w", err)
	}
	entry := coordination.Base(created)

	p.mu.Lock()
	p.entry = entry
	p.leadership.Entry = entry
	p.mu.Unlock()

	span.SetAttributes(attribute.String("election.entry", entry))
	p.emitter.Emit(ctx, models.Event{Kind: models.KindVolunteered, Path: created})
	p.log.Info("volunteered", zap.String("entry", entry))
	return entry, nil
}

// Evaluate re-derives leadership from the namespace. If we are not the lowest
// token it arms an existence watch on our immediate predecessor; a predecessor
// that vanishes between the listing and the watch restarts the round.
func (p *Participant) Evaluate(ctx context.Context) (Leadership, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	client, err := p.session()
	if err != nil {
		return p.Status(), err
	}
	entry := p.CurrentEntry()
	if entry == "" {
		return p.Status(), ErrNotVolunteered
	}
	if !p.Connected() {
		return p.Status(), ErrSessionEnded
	}

	ctx, span := p.tracer.Start(ctx, "election.Evaluate",
		trace.WithAttributes(attribute.String("election.entry", entry)))
	defer span.End()
	start := time.Now()

	attempt := 0
	operation := func() (round, error) {
		attempt++
		if attempt > 1 {
			metrics.EvaluationRetries.Inc()
			p.emitter.Emit(ctx, models.Event{
				Kind:       models.KindEvaluationRetried,
				Path:       p.cfg.Namespace,
				Attributes: models.Attributes{"attempt": strconv.Itoa(attempt)},
			})
		}
		return p.evaluateOnce(ctx, client, entry)
	}

	result, err := backoff.Retry(ctx, operation, p.retryOptions()...)
	if err != nil {
		if errors.Is(err, errPredecessorGone) {
			err = fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
		}
		metrics.RecordEvaluation("error", time.Since(start).Seconds())
		tracing.SetError(ctx, err)
		return p.Status(), err
	}

	leadership, err := p.commit(ctx, result)
	if err != nil {
		metrics.RecordEvaluation("error", time.Since(start).Seconds())
		return leadership, err
	}
	metrics.RecordEvaluation(leadership.Status.String(), time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("election.status", leadership.Status.String()),
		attribute.Int("election.attempts", attempt),
	)
	return leadership, nil
}

func (p *Participant) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = p.cfg.RetryInitialInterval
	}
	if p.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = p.cfg.RetryMaxInterval
	}
	return b
}

func (p *Participant) retryOptions() []backoff.RetryOption {
	opts := []backoff.RetryOption{backoff.WithBackOff(p.backOff())}
	if p.cfg.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.cfg.MaxAttempts)))
	}
	return opts
}

func (p *Participant) evaluateOnce(ctx context.Context, client coordination.Client, entry string) (round, error) {
	names, err := client.Children(ctx, p.cfg.Namespace)
	if err != nil {
		return round{}, backoff.Permanent(fmt.Errorf("failed to list candidates: %w", err))
	}
	coordination.SortSequential(names)

	idx := -1
	for i, name := range names {
		if name == entry {
			idx = i
			break
		}
	}
	if idx < 0 {
		return round{}, backoff.Permanent(ErrNotCandidate)
	}

	if idx == 0 {
		return round{leadership: Leadership{Status: StatusLeader, Entry: entry, Leader: entry}}, nil
	}

	predecessor := names[idx-1]
	predPath := coordination.Join(p.cfg.Namespace, predecessor)
	leadership := Leadership{
		Status:      StatusWatching,
		Entry:       entry,
		Predecessor: predecessor,
		Leader:      names[0],
	}

	if p.watching(predPath) {
		stat, err := client.Exists(ctx, predPath)
		if err != nil {
			return round{}, backoff.Permanent(fmt.Errorf("failed to check predecessor: %w", err))
		}
		if stat == nil {
			p.log.Debug("predecessor vanished, listing again", zap.String("predecessor", predecessor))
			return round{}, errPredecessorGone
		}
		return round{leadership: leadership, watchPath: predPath, reuse: true}, nil
	}

	stat, watch, err := client.ExistsW(ctx, predPath)
	if err != nil {
		return round{}, backoff.Permanent(fmt.Errorf("failed to watch predecessor: %w", err))
	}
	if stat == nil {
		p.log.Debug("predecessor vanished, listing again", zap.String("predecessor", predecessor))
		return round{}, errPredecessorGone
	}
	return round{leadership: leadership, watchPath: predPath, watch: watch}, nil
}

// watching reports whether an unfired binding is armed on path.
func (p *Participant) watching(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watchLive && p.watched == path
}

// commit publishes the result of an evaluation unless the session ended
// while it was running.
func (p *Participant) commit(ctx context.Context, r round) (Leadership, error) {
	p.mu.Lock()
	if p.closed || p.lost {
		current, err := p.leadership, ErrSessionEnded
		if p.closed {
			err = ErrShutdown
		}
		p.mu.Unlock()
		return current, err
	}
	prev := p.leadership
	p.leadership = r.leadership
	loopCtx := p.loopContext()
	var watchCtx context.Context
	var gen uint64
	if !r.reuse {
		p.stopWatch()
		p.watched = r.watchPath
		p.watchGen++
		gen = p.watchGen
		if r.watch != nil {
			watchCtx, p.watchCancel = context.WithCancel(loopCtx)
			p.watchLive = true
			p.wg.Add(1)
		}
	}
	p.mu.Unlock()

	if watchCtx != nil {
		go p.awaitWatch(loopCtx, watchCtx, gen, r.watch)
		metrics.WatchesArmed.WithLabelValues(coordination.ExistenceWatch.String()).Inc()
		p.emitter.Emit(ctx, models.Event{
			Kind:       models.KindWatchArmed,
			Path:       r.watchPath,
			Attributes: models.Attributes{"kind": coordination.ExistenceWatch.String()},
		})
	}

	metrics.RecordStatus(p.cfg.Namespace, int(r.leadership.Status))
	if prev.Status != r.leadership.Status || prev.Predecessor != r.leadership.Predecessor {
		p.emitStatus(ctx, r.leadership)
	}
	if r.leadership.IsLeader() && prev.Status != StatusLeader {
		metrics.LeadershipAcquired.Inc()
		p.log.Info("acquired leadership", zap.String("entry", r.leadership.Entry))
	}
	return r.leadership, nil
}

// loopContext must be called with mu held.
func (p *Participant) loopContext() context.Context {
	if p.loopCtx == nil {
		return context.Background()
	}
	return p.loopCtx
}

// stopWatch releases the current binding's goroutine. mu must be held.
func (p *Participant) stopWatch() {
	if p.watchCancel != nil {
		p.watchCancel()
		p.watchCancel = nil
	}
	p.watchLive = false
}

// awaitWatch waits for one event on the predecessor binding of generation
// gen. watchCtx ends when a later evaluation replaces the binding; ctx lives
// as long as the session.
func (p *Participant) awaitWatch(ctx, watchCtx context.Context, gen uint64, watch <-chan coordination.WatchEvent) {
	defer p.wg.Done()

	var ev coordination.WatchEvent
	select {
	case <-watchCtx.Done():
		return
	case e, ok := <-watch:
		if !ok {
			return
		}
		ev = e
	}
	metrics.WatchesFired.WithLabelValues(ev.Type.String()).Inc()

	p.mu.Lock()
	stale := gen != p.watchGen
	if !stale {
		p.watchLive = false
	}
	p.mu.Unlock()
	if stale {
		p.log.Debug("dropping event from superseded watch", zap.String("path", ev.Path))
		return
	}

	err := p.OnWatchFired(ctx, ev)
	if err == nil && (ev.Type == coordination.EventNodeCreated || ev.Type == coordination.EventNodeDataChanged) {
		// The predecessor is still there but the binding is spent.
		_, err = p.Evaluate(ctx)
	}
	if err == nil {
		return
	}
	p.log.Error("re-election failed", zap.Error(err))
	p.emitter.Error(ctx, ev.Path, err)
	if recoverable(err) {
		p.reelect(ctx)
	}
}

// reelect demotes to CANDIDATE and evaluates again with backoff until it
// succeeds, another evaluation supersedes it or the session ends.
func (p *Participant) reelect(ctx context.Context) {
	gen := p.demote(ctx)

	operation := func() (Leadership, error) {
		if !p.Connected() {
			return p.Status(), backoff.Permanent(ErrSessionEnded)
		}
		if p.generation() != gen {
			return p.Status(), nil
		}
		l, err := p.Evaluate(ctx)
		if err != nil && !recoverable(err) {
			return l, backoff.Permanent(err)
		}
		return l, err
	}
	l, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn("re-election failed, retrying", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err != nil {
		if ctx.Err() == nil && recoverable(err) {
			p.log.Error("giving up on re-election", zap.Error(err))
			p.emitter.Error(ctx, p.cfg.Namespace, err)
		}
		return
	}
	p.log.Info("re-election recovered", zap.String("status", l.Status.String()))
}

// recoverable reports whether another evaluation in the same session can
// succeed after err.
func recoverable(err error) bool {
	for _, target := range []error{
		ErrShutdown, ErrSessionEnded, ErrNotCandidate, ErrNotVolunteered, ErrNotConnected,
		coordination.ErrSessionExpired, coordination.ErrClosed, context.Canceled,
	} {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

func (p *Participant) generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watchGen
}

// OnSessionEvent handles a session lifecycle change. Losing the session
// resets the status to CANDIDATE and releases Run; it never re-evaluates.
func (p *Participant) OnSessionEvent(ctx context.Context, ev coordination.SessionEvent) {
	metrics.SessionEvents.WithLabelValues(ev.State.String()).Inc()
	p.emitter.Emit(ctx, models.Event{
		Kind:   models.KindSessionChanged,
		Status: ev.State.String(),
		Attributes: models.Attributes{
			"session_id": strconv.FormatInt(ev.SessionID, 10),
			"server":     ev.Server,
		},
	})

	switch ev.State {
	case coordination.SessionConnected:
		p.log.Info("session established", zap.Int64("session_id", ev.SessionID), zap.String("server", ev.Server))
	case coordination.SessionDisconnected, coordination.SessionExpired:
		p.log.Warn("session lost", zap.String("state", ev.State.String()), zap.Int64("session_id", ev.SessionID))
		p.reset(ctx)
	default:
		p.log.Warn("unknown session state", zap.Int("state", int(ev.State)))
	}

	// Status is reset before Run is released.
	p.monitor.Observe(ev)
}

func (p *Participant) reset(ctx context.Context) {
	p.mu.Lock()
	p.lost = true
	p.mu.Unlock()
	p.demote(ctx)
}

// demote drops back to CANDIDATE, abandons the current binding and returns
// the new watch generation.
func (p *Participant) demote(ctx context.Context) uint64 {
	p.mu.Lock()
	prev := p.leadership
	p.leadership = Leadership{Status: StatusCandidate, Entry: p.entry}
	p.stopWatch()
	p.watched = ""
	p.watchGen++
	gen := p.watchGen
	p.mu.Unlock()

	metrics.RecordStatus(p.cfg.Namespace, int(StatusCandidate))
	if prev.Status != StatusCandidate {
		p.emitStatus(ctx, Leadership{Status: StatusCandidate, Entry: prev.Entry})
	}
	return gen
}

// OnWatchFired re-evaluates when the watched predecessor is deleted. Events
// for any other path or of any other type are ignored.
func (p *Participant) OnWatchFired(ctx context.Context, ev coordination.WatchEvent) error {
	p.mu.Lock()
	watched := p.watched
	p.mu.Unlock()

	switch ev.Type {
	case coordination.EventNodeDeleted:
		if watched == "" || ev.Path != watched {
			p.log.Debug("ignoring deletion of unwatched node", zap.String("path", ev.Path))
			return nil
		}
		p.emitter.Emit(ctx, models.Event{
			Kind:       models.KindWatchFired,
			Path:       ev.Path,
			Attributes: models.Attributes{"type": ev.Type.String()},
		})
		p.log.Info("predecessor left, re-evaluating", zap.String("predecessor", coordination.Base(ev.Path)))
		_, err := p.Evaluate(ctx)
		return err
	case coordination.EventNotWatching:
		p.log.Debug("watch dropped", zap.String("path", ev.Path), zap.Error(ev.Err))
		return nil
	case coordination.EventNodeCreated, coordination.EventNodeDataChanged, coordination.EventNodeChildrenChanged:
		return nil
	default:
		return nil
	}
}

// Run blocks until the session is disconnected or expires, and returns the
// event that ended it. Cancelling ctx returns coordination.ErrInterrupted.
func (p *Participant) Run(ctx context.Context) (coordination.SessionEvent, error) {
	if _, err := p.session(); err != nil {
		return coordination.SessionEvent{}, err
	}
	return p.monitor.Wait(ctx)
}

// Shutdown closes the session, which removes our token, and stops the
// background goroutines.
func (p *Participant) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	client := p.client
	cancel := p.cancel
	p.mu.Unlock()

	var err error
	if client != nil {
		err = client.Close()
	}
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// Status returns the result of the latest evaluation.
func (p *Participant) Status() Leadership {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leadership
}

// CurrentEntry returns the candidacy token, empty before Volunteer.
func (p *Participant) CurrentEntry() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entry
}

// SessionID identifies the session, 0 before Connect.
func (p *Participant) SessionID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return 0
	}
	return p.client.SessionID()
}

// Connected reports whether the session is established and has not been lost.
func (p *Participant) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil && !p.lost && !p.closed
}

// Namespace is the election namespace path.
func (p *Participant) Namespace() string {
	return p.cfg.Namespace
}

// Candidates lists the tokens currently in the namespace, lowest first.
func (p *Participant) Candidates(ctx context.Context) ([]string, error) {
	client, err := p.session()
	if err != nil {
		return nil, err
	}
	names, err := client.Children(ctx, p.cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	coordination.SortSequential(names)
	return names, nil
}

func (p *Participant) session() (coordination.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShutdown
	}
	if p.client == nil {
		return nil, ErrNotConnected
	}
	return p.client, nil
}

func (p *Participant) emitStatus(ctx context.Context, l Leadership) {
	attrs := models.Attributes{"entry": l.Entry}
	if l.Predecessor != "" {
		attrs["predecessor"] = l.Predecessor
	}
	if l.Leader != "" {
		attrs["leader"] = l.Leader
	}
	p.emitter.Emit(ctx, models.Event{
		Kind:       models.KindStatusChanged,
		Path:       p.cfg.Namespace,
		Status:     l.Status.String(),
		Attributes: attrs,
	})
}
