package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medbook/internal/domain"
	"medbook/internal/gateway"
	"medbook/internal/metrics"
)

// Outcome is how a reconciliation loop ended.
// Err is nil on settlement, ErrReconciliationTimedOut on timeout, a *GatewayRejectedError when the
// provider declined the payment and context.Canceled when the loop was stopped.
type Outcome struct {
	Attempt *domain.PaymentAttempt
	Err     error
}

// Watch is a handle on one running reconciliation loop.
type Watch struct {
	AttemptID     uuid.UUID
	AppointmentID int64

	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

// Done is closed once the loop has stopped and Outcome is final.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

func (w *Watch) Outcome() Outcome {
	<-w.done
	return w.outcome
}

// CompletedWatch returns an already finished Watch for an attempt that is no longer active.
func CompletedWatch(attempt *domain.PaymentAttempt) *Watch {
	done := make(chan struct{})
	close(done)
	return &Watch{
		AttemptID:     attempt.ID,
		AppointmentID: attempt.AppointmentID,
		cancel:        func() {},
		done:          done,
		outcome:       outcomeOf(attempt, fmt.Errorf("attempt %s is %s: %w", attempt.ID, attempt.Status, domain.ErrIllegalTransition)),
	}
}

// Reconciler polls gateways for active attempts until they settle, fail or hit their deadline.
// At most one loop runs per appointment.
type Reconciler struct {
	gateways gateway.Registry
	ledger   *ledger
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.BookingMetrics
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	watches map[int64]*Watch
	wg      sync.WaitGroup
	base    context.Context
	stop    context.CancelFunc
}

func NewReconciler(
	gateways gateway.Registry,
	ledger *ledger,
	interval, timeout time.Duration,
	metrics *metrics.BookingMetrics,
	logger *zap.Logger,
	now func() time.Time,
) *Reconciler {
	base, stop := context.WithCancel(context.Background())
	return &Reconciler{
		gateways: gateways,
		ledger:   ledger,
		interval: interval,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger,
		now:      now,
		watches:  make(map[int64]*Watch),
		base:     base,
		stop:     stop,
	}
}

// Start begins polling attempt, replacing any loop already running for its appointment.
// Loops outlive the request that started them and end with Shutdown.
func (r *Reconciler) Start(attempt *domain.PaymentAttempt) (*Watch, error) {
	gw, ok := r.gateways.Get(attempt.Gateway)
	if !ok {
		return nil, fmt.Errorf("%s: %w", attempt.Gateway, domain.ErrUnsupportedGateway)
	}
	if !attempt.Status.Active() || attempt.ExternalReference == "" {
		return nil, fmt.Errorf("attempt %s is %s and cannot be watched: %w", attempt.ID, attempt.Status, domain.ErrIllegalTransition)
	}

	ctx, cancel := context.WithCancel(r.base)
	w := &Watch{
		AttemptID:     attempt.ID,
		AppointmentID: attempt.AppointmentID,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	r.mu.Lock()
	if r.base.Err() != nil {
		r.mu.Unlock()
		cancel()
		return nil, errors.New("reconciler is shut down")
	}
	if previous, ok := r.watches[attempt.AppointmentID]; ok {
		previous.cancel()
	}
	r.watches[attempt.AppointmentID] = w
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(ctx, w, attempt, gw)

	return w, nil
}

// Cancel stops the loop for attemptID. It reports whether one was running.
func (r *Reconciler) Cancel(attemptID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.watches {
		if w.AttemptID == attemptID {
			w.cancel()
			return true
		}
	}
	return false
}

// StopAppointment stops whichever loop is polling for the appointment.
func (r *Reconciler) StopAppointment(appointmentID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[appointmentID]
	if ok {
		w.cancel()
	}
	return ok
}

// StopAppointmentAndWait stops the appointment's loop and returns once it has exited.
// A status check already in flight is applied before it returns.
func (r *Reconciler) StopAppointmentAndWait(ctx context.Context, appointmentID int64) error {
	r.mu.Lock()
	w, ok := r.watches[appointmentID]
	if ok {
		w.cancel()
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watching reports whether a loop is running for attemptID.
func (r *Reconciler) Watching(attemptID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.watches {
		if w.AttemptID == attemptID {
			return true
		}
	}
	return false
}

// Shutdown stops every loop and waits for them to return or ctx to expire.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) forget(w *Watch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.watches[w.AppointmentID]; ok && current == w {
		delete(r.watches, w.AppointmentID)
	}
}

func (r *Reconciler) run(ctx context.Context, w *Watch, attempt *domain.PaymentAttempt, gw gateway.PaymentGateway) {
	r.metrics.LoopStarted()
	defer func() {
		w.cancel()
		r.forget(w)
		r.metrics.LoopStopped()
		close(w.done)
		r.wg.Done()
	}()

	log := r.logger.With(
		zap.String("attempt_id", attempt.ID.String()),
		zap.Int64("appointment_id", attempt.AppointmentID),
		zap.String("gateway", string(attempt.Gateway)))

	deadline := attempt.Deadline(r.timeout)
	remaining := deadline.Sub(r.now())
	if remaining <= 0 {
		w.outcome = r.expire(attempt, log)
		return
	}

	pollCtx, cancelPoll := context.WithTimeout(ctx, remaining)
	defer cancelPoll()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info("reconciliation started", zap.Time("deadline", deadline))

	for {
		if outcome, finished := r.check(pollCtx, attempt, gw, log); finished {
			w.outcome = outcome
			return
		}

		select {
		case <-ctx.Done():
			w.outcome = r.stopped(attempt, ctx.Err())
			log.Info("reconciliation stopped", zap.String("status", string(w.outcome.Attempt.Status)))
			return
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				w.outcome = r.stopped(attempt, ctx.Err())
				return
			}
			w.outcome = r.expire(attempt, log)
			return
		case <-ticker.C:
		}
	}
}

// check performs one status call. It reports true once the attempt reached a terminal outcome.
func (r *Reconciler) check(ctx context.Context, attempt *domain.PaymentAttempt, gw gateway.PaymentGateway, log *zap.Logger) (Outcome, bool) {
	if ctx.Err() != nil {
		return Outcome{}, false
	}

	status, err := gw.CheckStatus(ctx, attempt.ExternalReference)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, false
		}
		pollErr := &domain.TransientPollError{AttemptID: attempt.ID.String(), Err: err}
		r.metrics.ObservePollError(string(attempt.Gateway))
		log.Warn("payment status check failed, retrying", zap.Error(pollErr))
		return Outcome{}, false
	}

	if status.Verdict == domain.VerdictPending {
		return Outcome{}, false
	}

	resolved, err := r.ledger.resolve(context.WithoutCancel(ctx), attempt, status)
	if err != nil {
		log.Error("failed to record payment status, retrying", zap.Error(err))
		return Outcome{}, false
	}

	return outcomeOf(resolved, context.Canceled), true
}

// expire marks the attempt timed out. If another path settled it first, that result wins.
func (r *Reconciler) expire(attempt *domain.PaymentAttempt, log *zap.Logger) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := r.ledger.finish(ctx, attempt, domain.PaymentStatusTimedOut, "payment was not confirmed before the deadline")
	if err != nil {
		return Outcome{Attempt: attempt, Err: domain.ErrReconciliationTimedOut}
	}

	if current.Status == domain.PaymentStatusSettled {
		return Outcome{Attempt: current}
	}

	log.Info("reconciliation timed out", zap.String("status", string(current.Status)))
	return Outcome{Attempt: current, Err: domain.ErrReconciliationTimedOut}
}

func (r *Reconciler) stopped(attempt *domain.PaymentAttempt, cause error) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := r.ledger.payments.GetByID(ctx, attempt.ID)
	if err != nil {
		return Outcome{Attempt: attempt, Err: cause}
	}
	return outcomeOf(current, cause)
}

// outcomeOf maps a stored attempt onto a loop outcome. fallback is used while it is still active or superseded.
func outcomeOf(attempt *domain.PaymentAttempt, fallback error) Outcome {
	switch attempt.Status {
	case domain.PaymentStatusSettled:
		return Outcome{Attempt: attempt}
	case domain.PaymentStatusTimedOut:
		return Outcome{Attempt: attempt, Err: domain.ErrReconciliationTimedOut}
	case domain.PaymentStatusFailed:
		message := ""
		if attempt.ProviderMessage != nil {
			message = *attempt.ProviderMessage
		}
		return Outcome{Attempt: attempt, Err: &domain.GatewayRejectedError{Gateway: attempt.Gateway, Message: message}}
	}
	return Outcome{Attempt: attempt, Err: fallback}
}
