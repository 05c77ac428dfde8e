// Package watch keeps existence, data and children watches armed on a single
// node for as long as the session lives.
package watch

import (
	"context"
	"errors"
	"fmt"
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
)

// ErrStopped is returned by Arm once the registrar has stopped re-arming.
var ErrStopped = errors.New("registrar stopped")

// Option configures a Registrar.
type Option func(*Registrar)

// WithRearmRetry sets how a failed re-arm is retried before the registrar
// gives up and stops.
func WithRearmRetry(initial, maxInterval time.Duration, attempts uint) Option {
	return func(r *Registrar) {
		r.retryInitial = initial
		r.retryMax = maxInterval
		r.retryAttempts = attempts
	}
}

// Snapshot is what the target looked like when the watches were last armed.
type Snapshot struct {
	Path     string             `json:"path"`
	Exists   bool               `json:"exists"`
	Stat     *coordination.Stat `json:"stat,omitempty"`
	Data     []byte             `json:"data,omitempty"`
	Children []string           `json:"children,omitempty"`
	ArmedAt  time.Time          `json:"armed_at"`
}

// Registrar re-arms its watches after every notification, so every change
// that happens after an arming is observed.
type Registrar struct {
	client   coordination.Client
	path     string
	observer Observer
	log      *zap.Logger
	emitter  *events.Emitter
	tracer   trace.Tracer

	retryInitial  time.Duration
	retryMax      time.Duration
	retryAttempts uint

	mu       sync.Mutex
	snapshot Snapshot
	gen      uint64
	stopped  bool
	err      error

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistrar watches path through client. Observer, logger and emitter may
// be nil.
func NewRegistrar(client coordination.Client, path string, observer Observer, log *zap.Logger, emitter *events.Emitter, opts ...Option) *Registrar {
	if log == nil {
		log = zap.NewNop()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if emitter == nil {
		emitter = events.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registrar{
		client:        client,
		path:          path,
		observer:      observer,
		log:           log.Named("watch").With(zap.String("path", path)),
		emitter:       emitter,
		tracer:        otel.Tracer("zkelect/watch"),
		retryInitial:  50 * time.Millisecond,
		retryMax:      2 * time.Second,
		retryAttempts: 8,
		snapshot:      Snapshot{Path: path},
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Arm registers the existence watch and, when the node is present, the data
// and children watches. A node that disappears while arming is reported as
// absent; its existence watch has already fired and will re-arm us.
func (r *Registrar) Arm(ctx context.Context) (Snapshot, error) {
	if r.isStopped() {
		return r.Snapshot(), ErrStopped
	}

	ctx, span := r.tracer.Start(ctx, "watch.Arm", trace.WithAttributes(attribute.String("watch.path", r.path)))
	defer span.End()

	snap := Snapshot{Path: r.path, ArmedAt: time.Now().UTC()}
	stat, existsCh, err := r.client.ExistsW(ctx, r.path)
	if err != nil {
		tracing.SetError(ctx, err)
		return r.Snapshot(), fmt.Errorf("failed to arm existence watch: %w", err)
	}
	armed := []armedWatch{{coordination.ExistenceWatch, existsCh}}

	if stat != nil {
		data, dataStat, dataCh, err := r.client.GetW(ctx, r.path)
		switch {
		case coordination.IsNoNode(err):
			r.log.Debug("node vanished while arming")
		case err != nil:
			tracing.SetError(ctx, err)
			return r.Snapshot(), fmt.Errorf("failed to arm data watch: %w", err)
		default:
			armed = append(armed, armedWatch{coordination.DataWatch, dataCh})
			children, childCh, err := r.client.ChildrenW(ctx, r.path)
			switch {
			case coordination.IsNoNode(err):
				r.log.Debug("node vanished while arming")
			case err != nil:
				tracing.SetError(ctx, err)
				return r.Snapshot(), fmt.Errorf("failed to arm children watch: %w", err)
			default:
				armed = append(armed, armedWatch{coordination.ChildrenWatch, childCh})
				coordination.SortSequential(children)
				snap.Exists = true
				snap.Stat = dataStat
				snap.Data = data
				snap.Children = children
			}
		}
	}

	if err := r.install(snap, armed); err != nil {
		return snap, err
	}

	for _, w := range armed {
		metrics.WatchesArmed.WithLabelValues(w.kind.String()).Inc()
		r.emitter.Emit(ctx, models.Event{
			Kind:       models.KindWatchArmed,
			Path:       r.path,
			Attributes: models.Attributes{"kind": w.kind.String()},
		})
	}
	span.SetAttributes(attribute.Bool("watch.exists", snap.Exists), attribute.Int("watch.bindings", len(armed)))
	r.observer.Armed(snap)
	return snap, nil
}

type armedWatch struct {
	kind coordination.WatchKind
	ch   <-chan coordination.WatchEvent
}

// install publishes snap and starts the pump for this arming generation.
func (r *Registrar) install(snap Snapshot, armed []armedWatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	r.gen++
	r.snapshot = snap
	r.wg.Add(1)
	go r.pump(r.gen, armed)
	return nil
}

// bindings holds the unfired channels of one arming generation.
type bindings struct {
	exists, data, children <-chan coordination.WatchEvent
}

func newBindings(armed []armedWatch) *bindings {
	b := &bindings{}
	for _, w := range armed {
		switch w.kind {
		case coordination.ExistenceWatch:
			b.exists = w.ch
		case coordination.DataWatch:
			b.data = w.ch
		case coordination.ChildrenWatch:
			b.children = w.ch
		}
	}
	return b
}

// wait blocks until any remaining binding fires or ctx ends.
func (b *bindings) wait(ctx context.Context) (coordination.WatchEvent, bool) {
	select {
	case <-ctx.Done():
		return coordination.WatchEvent{}, false
	case ev, ok := <-b.exists:
		return b.take(&b.exists, coordination.ExistenceWatch, ev, ok), true
	case ev, ok := <-b.data:
		return b.take(&b.data, coordination.DataWatch, ev, ok), true
	case ev, ok := <-b.children:
		return b.take(&b.children, coordination.ChildrenWatch, ev, ok), true
	}
}

// drain collects the events that have already been delivered on the
// remaining bindings without blocking.
func (b *bindings) drain() []coordination.WatchEvent {
	var out []coordination.WatchEvent
	for _, w := range []struct {
		ch   *<-chan coordination.WatchEvent
		kind coordination.WatchKind
	}{
		{&b.exists, coordination.ExistenceWatch},
		{&b.data, coordination.DataWatch},
		{&b.children, coordination.ChildrenWatch},
	} {
		if *w.ch == nil {
			continue
		}
		select {
		case ev, ok := <-*w.ch:
			out = append(out, b.take(w.ch, w.kind, ev, ok))
		default:
		}
	}
	return out
}

// take retires a binding. A channel closed without an event is reported as
// NotWatching.
func (b *bindings) take(ch *<-chan coordination.WatchEvent, kind coordination.WatchKind, ev coordination.WatchEvent, ok bool) coordination.WatchEvent {
	*ch = nil
	if !ok {
		return coordination.WatchEvent{Type: coordination.EventNotWatching, Kind: kind, Err: coordination.ErrClosed}
	}
	return ev
}

// pump waits for the first event of one generation, then keeps collecting
// whatever the generation's other bindings delivered while it was being
// reported. Each event type is reported once, so the several notifications
// one change produces collapse, and the watches are re-armed once.
func (r *Registrar) pump(gen uint64, armed []armedWatch) {
	defer r.wg.Done()

	b := newBindings(armed)
	first, ok := b.wait(r.ctx)
	if !ok {
		return
	}

	r.mu.Lock()
	stale := gen != r.gen
	r.mu.Unlock()
	if stale {
		return
	}

	reported := make(map[coordination.EventType]bool)
	for batch := []coordination.WatchEvent{first}; len(batch) > 0; batch = b.drain() {
		for _, ev := range batch {
			if reported[ev.Type] {
				continue
			}
			reported[ev.Type] = true
			if !r.dispatch(r.ctx, ev) {
				return
			}
		}
	}

	r.rearm()
}

// rearm retries Arm with backoff. When every attempt fails the registrar
// stops and Run returns the error.
func (r *Registrar) rearm() {
	b := backoff.NewExponentialBackOff()
	if r.retryInitial > 0 {
		b.InitialInterval = r.retryInitial
	}
	if r.retryMax > 0 {
		b.MaxInterval = r.retryMax
	}

	operation := func() (Snapshot, error) {
		snap, err := r.Arm(r.ctx)
		if errors.Is(err, ErrStopped) || errors.Is(err, coordination.ErrSessionExpired) || errors.Is(err, coordination.ErrClosed) {
			return snap, backoff.Permanent(err)
		}
		return snap, err
	}
	_, err := backoff.Retry(r.ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.retryAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("failed to re-arm watches, retrying", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err == nil || errors.Is(err, ErrStopped) || r.ctx.Err() != nil {
		return
	}
	r.log.Error("failed to re-arm watches, stopping", zap.Error(err))
	r.emitter.Error(r.ctx, r.path, err)
	r.fail(err)
}

// dispatch reports ev to the observer. It returns false when ev means the
// watches are gone for good.
func (r *Registrar) dispatch(ctx context.Context, ev coordination.WatchEvent) bool {
	metrics.WatchesFired.WithLabelValues(ev.Type.String()).Inc()
	r.emitter.Emit(ctx, models.Event{
		Kind: models.KindWatchFired,
		Path: ev.Path,
		Attributes: models.Attributes{
			"type": ev.Type.String(),
			"kind": ev.Kind.String(),
		},
	})

	switch ev.Type {
	case coordination.EventNodeCreated:
		r.observer.NodeCreated(ev.Path)
	case coordination.EventNodeDeleted:
		r.observer.NodeDeleted(ev.Path)
	case coordination.EventNodeDataChanged:
		r.observer.DataChanged(ev.Path)
	case coordination.EventNodeChildrenChanged:
		r.observer.ChildrenChanged(ev.Path)
	case coordination.EventNotWatching:
		r.log.Warn("watches dropped, stopping", zap.Error(ev.Err))
		r.stop()
		return false
	default:
		r.log.Warn("unknown watch event", zap.Int("type", int(ev.Type)))
	}
	return true
}

// OnWatchFired reports ev to the observer and re-arms every watch. A
// NotWatching event means the session is gone, so the registrar stops.
func (r *Registrar) OnWatchFired(ctx context.Context, ev coordination.WatchEvent) error {
	if !r.dispatch(ctx, ev) {
		return nil
	}
	_, err := r.Arm(ctx)
	return err
}

// Snapshot returns the state captured by the latest arming.
func (r *Registrar) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// Done is closed once the registrar stops re-arming.
func (r *Registrar) Done() <-chan struct{} {
	return r.done
}

// Run arms the watches and blocks until ctx is cancelled, the session drops
// them or re-arming keeps failing. The last case returns the re-arm error.
func (r *Registrar) Run(ctx context.Context) error {
	if _, err := r.Arm(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		r.Stop()
		return fmt.Errorf("%w: %w", coordination.ErrInterrupted, ctx.Err())
	case <-r.done:
		return r.Err()
	}
}

// Err returns the error that stopped re-arming, if any.
func (r *Registrar) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop ends re-arming and waits for the pump to exit.
func (r *Registrar) Stop() {
	r.stop()
	r.wg.Wait()
}

func (r *Registrar) stop() {
	r.fail(nil)
}

func (r *Registrar) fail(err error) {
	r.mu.Lock()
	r.stopped = true
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.stopOnce.Do(func() {
		r.cancel()
		close(r.done)
	})
}

func (r *Registrar) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
