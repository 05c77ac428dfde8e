package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"zkelect/pkg/election"
)

// Evaluator is the part of a participant the reconciler drives.
type Evaluator interface {
	Evaluate(ctx context.Context) (election.Leadership, error)
}

// parser accepts standard 5-field expressions and descriptors like "@every 30s".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a reconcile schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Reconciler periodically re-runs an evaluation so a participant whose
// predecessor watch was lost converges back to the right status.
type Reconciler struct {
	cron    *cron.Cron
	target  Evaluator
	log     *zap.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	runs    int
	lastErr error
}

// NewReconciler schedules target.Evaluate on schedule. Each run is bounded
// by timeout; zero means one minute.
func NewReconciler(schedule string, target Evaluator, timeout time.Duration, log *zap.Logger) (*Reconciler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	log = log.Named("reconciler")

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		target:  target,
		log:     log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}

	cl := cronLogger{log.Sugar()}
	r.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := r.cron.AddFunc(schedule, r.reconcile); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs the schedule in the background.
func (r *Reconciler) Start() {
	r.log.Info("reconciler started")
	r.cron.Start()
}

// Stop halts the schedule and waits for a running evaluation to finish.
func (r *Reconciler) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
	r.log.Info("reconciler stopped")
}

// Runs reports how many evaluations were attempted and the last error.
func (r *Reconciler) Runs() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.lastErr
}

// RunOnce performs a single reconciliation.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status, err := r.target.Evaluate(ctx)

	r.mu.Lock()
	r.runs++
	r.lastErr = err
	r.mu.Unlock()

	switch {
	case err == nil:
		r.log.Debug("reconciled",
			zap.Stringer("status", status.Status),
			zap.String("predecessor", status.Predecessor),
		)
		return nil
	case errors.Is(err, election.ErrNotVolunteered),
		errors.Is(err, election.ErrSessionEnded),
		errors.Is(err, election.ErrShutdown):
		r.log.Debug("nothing to reconcile", zap.Error(err))
		return err
	default:
		r.log.Warn("reconcile failed", zap.Error(err))
		return err
	}
}

func (r *Reconciler) reconcile() {
	_ = r.RunOnce(r.ctx)
}

// cronLogger routes cron's internal logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
