package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"medbook/config"
	"medbook/internal/domain"
	"medbook/internal/gateway"
	"medbook/internal/repository"
)

const sweepBatch = 100

// SweepReport counts what one sweep pass changed.
type SweepReport struct {
	Expired     int
	Rechecked   int
	Settled     int
	Provisioned int
}

// Sweeper catches what in-process loops miss: active attempts left behind by a restart,
// late successes on timed-out attempts and confirmed, paid appointments without a call link.
type Sweeper struct {
	payments     repository.PaymentRepository
	appointments repository.AppointmentRepository
	gateways     gateway.Registry
	reconciler   *Reconciler
	ledger       *ledger
	provisioner  *RoomProvisioner
	interval     time.Duration
	window       time.Duration
	timeout      time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewSweeper(
	payments repository.PaymentRepository,
	appointments repository.AppointmentRepository,
	gateways gateway.Registry,
	reconciler *Reconciler,
	ledger *ledger,
	provisioner *RoomProvisioner,
	cfg config.PaymentConfig,
	logger *zap.Logger,
	now func() time.Time,
) *Sweeper {
	return &Sweeper{
		payments:     payments,
		appointments: appointments,
		gateways:     gateways,
		reconciler:   reconciler,
		ledger:       ledger,
		provisioner:  provisioner,
		interval:     cfg.SweepInterval,
		window:       cfg.SweepWindow,
		timeout:      cfg.Timeout,
		logger:       logger,
		now:          now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("payment sweep disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("payment sweep failed", zap.Error(err))
				continue
			}
			if report != (SweepReport{}) {
				s.logger.Info("payment sweep finished",
					zap.Int("expired", report.Expired),
					zap.Int("rechecked", report.Rechecked),
					zap.Int("settled", report.Settled),
					zap.Int("provisioned", report.Provisioned))
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	active, err := s.payments.ListActive(ctx)
	if err != nil {
		return report, err
	}
	now := s.now()
	for i := range active {
		attempt := &active[i]
		if s.reconciler.Watching(attempt.ID) || now.Before(attempt.Deadline(s.timeout)) {
			continue
		}
		current, err := s.ledger.finish(ctx, attempt, domain.PaymentStatusTimedOut, "payment was not confirmed before the deadline")
		if err != nil {
			return report, err
		}
		if current.Status == domain.PaymentStatusTimedOut {
			report.Expired++
		}
	}

	timedOut, err := s.payments.ListTimedOutSince(ctx, now.Add(-s.window))
	if err != nil {
		return report, err
	}
	for i := range timedOut {
		attempt := &timedOut[i]
		if attempt.ExternalReference == "" {
			continue
		}
		gw, ok := s.gateways.Get(attempt.Gateway)
		if !ok {
			continue
		}

		report.Rechecked++
		status, err := gw.CheckStatus(ctx, attempt.ExternalReference)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			s.logger.Warn("late status check failed",
				zap.String("attempt_id", attempt.ID.String()),
				zap.Error(&domain.TransientPollError{AttemptID: attempt.ID.String(), Err: err}))
			continue
		}
		if status.Verdict != domain.VerdictSettled {
			continue
		}

		settled, err := s.ledger.settle(ctx, attempt, status)
		if err != nil {
			return report, err
		}
		if settled.Status == domain.PaymentStatusSettled {
			report.Settled++
		}
	}

	awaiting, err := s.appointments.ListAwaitingVideo(ctx, sweepBatch)
	if err != nil {
		return report, err
	}
	for i := range awaiting {
		updated, err := s.provisioner.Ensure(ctx, &awaiting[i])
		if err != nil {
			s.logger.Error("failed to provision call link", zap.Int64("appointment_id", awaiting[i].ID), zap.Error(err))
			continue
		}
		if updated.HasVideoLink() {
			report.Provisioned++
		}
	}

	return report, nil
}

// Resume restarts polling for STK pushes that were in flight when the process stopped.
// Redirect attempts wait for their callback or an explicit watch.
func (s *Sweeper) Resume(ctx context.Context) (int, error) {
	active, err := s.payments.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for i := range active {
		attempt := active[i]
		if attempt.Gateway != domain.GatewayPushSTK || attempt.ExternalReference == "" {
			continue
		}
		if _, err := s.reconciler.Start(&attempt); err != nil {
			s.logger.Warn("failed to resume reconciliation", zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}
