package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"medbook/internal/domain"
	"medbook/internal/events"
	"medbook/internal/metrics"
	"medbook/internal/repository"
	"medbook/internal/storage"
)

// ledger applies provider verdicts to stored attempts. The reconciler, callbacks, refresh
// and the sweep all resolve through it so a verdict has the same effect whichever path sees it first.
type ledger struct {
	payments     repository.PaymentRepository
	appointments repository.AppointmentRepository
	provisioner  *RoomProvisioner
	receipts     storage.ReceiptStore
	events       events.Publisher
	metrics      *metrics.BookingMetrics
	logger       *zap.Logger
	now          func() time.Time
}

func newLedger(
	payments repository.PaymentRepository,
	appointments repository.AppointmentRepository,
	provisioner *RoomProvisioner,
	receipts storage.ReceiptStore,
	publisher events.Publisher,
	metrics *metrics.BookingMetrics,
	logger *zap.Logger,
	now func() time.Time,
) *ledger {
	return &ledger{
		payments:     payments,
		appointments: appointments,
		provisioner:  provisioner,
		receipts:     receipts,
		events:       publisher,
		metrics:      metrics,
		logger:       logger,
		now:          now,
	}
}

// resolve records a provider verdict. A success settles the attempt even if it already timed
// out or was superseded; a failure only ends an attempt that is still active.
func (l *ledger) resolve(ctx context.Context, attempt *domain.PaymentAttempt, status *domain.GatewayStatus) (*domain.PaymentAttempt, error) {
	switch status.Verdict {
	case domain.VerdictSettled:
		return l.settle(ctx, attempt, status)
	case domain.VerdictFailed:
		return l.finish(ctx, attempt, domain.PaymentStatusFailed, status.Message)
	}
	return attempt, nil
}

func (l *ledger) settle(ctx context.Context, attempt *domain.PaymentAttempt, status *domain.GatewayStatus) (*domain.PaymentAttempt, error) {
	settledAt := l.now()
	settlement, err := l.payments.Settle(ctx, attempt.ID, status.Message, settledAt)
	if err != nil {
		l.logger.Error("failed to settle payment attempt", zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
		return nil, err
	}

	if !settlement.Applied {
		return settlement.Attempt, nil
	}

	settled := settlement.Attempt
	appointment := settlement.Appointment

	l.logger.Info("payment settled",
		zap.String("attempt_id", settled.ID.String()),
		zap.Int64("appointment_id", settled.AppointmentID),
		zap.String("gateway", string(settled.Gateway)),
		zap.Int64("amount", settled.Amount),
		zap.String("previous_status", string(attempt.Status)))

	if settlement.Duplicate {
		l.logger.Warn("settlement received for a paid or cancelled appointment, refund required",
			zap.String("attempt_id", settled.ID.String()),
			zap.Int64("appointment_id", settled.AppointmentID),
			zap.String("appointment_status", string(appointment.Status)),
			zap.Int64("amount", settled.Amount))
	}

	l.archive(ctx, settlement, status)

	if appointment.Status == domain.AppointmentStatusConfirmed {
		if _, err := l.provisioner.Ensure(ctx, appointment); err != nil {
			l.logger.Error("failed to provision call link", zap.Int64("appointment_id", appointment.ID), zap.Error(err))
		}
	}

	l.metrics.ObserveOutcome(string(settled.Gateway), string(domain.PaymentStatusSettled), settledAt.Sub(settled.StartedAt))
	l.publish(ctx, domain.PaymentEventSettled, settled, appointment.PatientID, status.Message)

	return settled, nil
}

// finish moves an active attempt to a terminal status other than settled.
func (l *ledger) finish(ctx context.Context, attempt *domain.PaymentAttempt, to domain.PaymentStatus, message string) (*domain.PaymentAttempt, error) {
	moved, err := l.payments.Finish(ctx, attempt.ID, to, message)
	if err != nil {
		l.logger.Error("failed to finish payment attempt",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("status", string(to)),
			zap.Error(err))
		return nil, err
	}

	current, err := l.payments.GetByID(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}

	if !moved {
		return current, nil
	}

	l.logger.Info("payment attempt finished",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Int64("appointment_id", attempt.AppointmentID),
		zap.String("status", string(to)),
		zap.String("message", message))

	l.metrics.ObserveOutcome(string(attempt.Gateway), string(to), l.now().Sub(attempt.StartedAt))

	eventType := domain.PaymentEventFailed
	if to == domain.PaymentStatusTimedOut {
		eventType = domain.PaymentEventTimedOut
	}
	l.publish(ctx, eventType, current, l.patientOf(ctx, attempt.AppointmentID), message)

	return current, nil
}

func (l *ledger) superseded(ctx context.Context, attempts []domain.PaymentAttempt) {
	if len(attempts) == 0 {
		return
	}
	patientID := l.patientOf(ctx, attempts[0].AppointmentID)
	for i := range attempts {
		l.publish(ctx, domain.PaymentEventSuperseded, &attempts[i], patientID, "replaced by a newer payment attempt")
	}
}

func (l *ledger) patientOf(ctx context.Context, appointmentID int64) int64 {
	appointment, err := l.appointments.GetByID(ctx, appointmentID)
	if err != nil {
		l.logger.Warn("failed to load appointment for payment event", zap.Int64("appointment_id", appointmentID), zap.Error(err))
		return 0
	}
	return appointment.PatientID
}

func (l *ledger) publish(ctx context.Context, eventType domain.PaymentEventType, attempt *domain.PaymentAttempt, patientID int64, message string) {
	event := domain.PaymentEvent{
		Type:          eventType,
		AttemptID:     attempt.ID,
		AppointmentID: attempt.AppointmentID,
		PatientID:     patientID,
		Gateway:       attempt.Gateway,
		Amount:        attempt.Amount,
		Message:       message,
		OccurredAt:    l.now(),
	}

	if err := l.events.Publish(ctx, event); err != nil {
		l.logger.Error("failed to publish payment event",
			zap.String("type", string(eventType)),
			zap.String("attempt_id", attempt.ID.String()),
			zap.Error(err))
	}
}

func (l *ledger) archive(ctx context.Context, settlement *domain.Settlement, status *domain.GatewayStatus) {
	if l.receipts == nil {
		return
	}

	attempt := settlement.Attempt
	receipt := domain.Receipt{
		AttemptID:       attempt.ID,
		AppointmentID:   attempt.AppointmentID,
		Gateway:         attempt.Gateway,
		Amount:          attempt.Amount,
		Reference:       attempt.ExternalReference,
		Duplicate:       settlement.Duplicate,
		ProviderCode:    status.Code,
		ProviderMessage: status.Message,
		ProviderPayload: status.Raw,
	}
	if attempt.SettledAt != nil {
		receipt.SettledAt = *attempt.SettledAt
	}

	body, err := json.Marshal(receipt)
	if err != nil {
		l.logger.Error("failed to encode receipt", zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
		return
	}

	if _, err := l.receipts.SaveReceipt(ctx, attempt.AppointmentID, attempt.ID, body); err != nil {
		l.logger.Error("failed to archive receipt", zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
	}
}
