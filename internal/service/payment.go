package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medbook/internal/domain"
	"medbook/internal/gateway"
	"medbook/internal/metrics"
	"medbook/internal/repository"
	"medbook/internal/storage"
	"medbook/pkg/validator"
)

const receiptLinkTTL = 15 * time.Minute

type PaymentServiceImpl struct {
	payments   repository.PaymentRepository
	gateways   gateway.Registry
	reconciler *Reconciler
	ledger     *ledger
	receipts   storage.ReceiptStore
	metrics    *metrics.BookingMetrics
	logger     *zap.Logger
}

func NewPaymentService(
	payments repository.PaymentRepository,
	gateways gateway.Registry,
	reconciler *Reconciler,
	ledger *ledger,
	receipts storage.ReceiptStore,
	metrics *metrics.BookingMetrics,
	logger *zap.Logger,
) *PaymentServiceImpl {
	return &PaymentServiceImpl{
		payments:   payments,
		gateways:   gateways,
		reconciler: reconciler,
		ledger:     ledger,
		receipts:   receipts,
		metrics:    metrics,
		logger:     logger,
	}
}

// Initiate starts a payment for the appointment's outstanding balance. Polling for earlier
// attempts is stopped before they are superseded. An accepted STK push starts polling right away;
// a redirect checkout waits for Watch or its callback.
func (s *PaymentServiceImpl) Initiate(ctx context.Context, appointmentID int64, method domain.Gateway, payer domain.Payer) (*domain.PaymentAttempt, error) {
	gw, ok := s.gateways.Get(method)
	if !ok {
		return nil, fmt.Errorf("%q: %w", method, domain.ErrUnsupportedGateway)
	}

	var phone *string
	if method == domain.GatewayPushSTK {
		normalized, err := validator.NormalizePhone(payer.Phone)
		if err != nil {
			return nil, err
		}
		phone = &normalized
	}

	// The balance is computed by Create, so a settlement from the running loop must land first.
	if err := s.reconciler.StopAppointmentAndWait(ctx, appointmentID); err != nil {
		return nil, fmt.Errorf("stop reconciliation for appointment %d: %w", appointmentID, err)
	}

	attempt, superseded, err := s.payments.Create(ctx, &domain.PaymentAttempt{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		Gateway:       method,
		Phone:         phone,
	})
	if err != nil {
		return nil, err
	}

	if len(superseded) > 0 {
		s.ledger.superseded(ctx, superseded)
		s.logger.Info("earlier payment attempts superseded",
			zap.Int64("appointment_id", appointmentID),
			zap.Int("count", len(superseded)))
	}

	s.metrics.ObserveAttempt(string(method))

	req := gateway.SessionRequest{
		AttemptID:     attempt.ID,
		AppointmentID: appointmentID,
		Amount:        attempt.Amount,
		Description:   fmt.Sprintf("Consultation #%d", appointmentID),
	}
	if phone != nil {
		req.Phone = *phone
	}

	session, err := gw.CreateSession(ctx, req)
	if err != nil {
		return nil, s.rejectInitiation(ctx, attempt, err)
	}

	awaiting, err := s.payments.MarkAwaiting(ctx, attempt.ID, *session)
	if err != nil {
		s.logger.Error("failed to record gateway session", zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
		return nil, err
	}

	s.logger.Info("payment initiated",
		zap.String("attempt_id", awaiting.ID.String()),
		zap.Int64("appointment_id", appointmentID),
		zap.String("gateway", string(method)),
		zap.Int64("amount", awaiting.Amount),
		zap.String("status", string(awaiting.Status)))

	if method == domain.GatewayPushSTK && awaiting.Status == domain.PaymentStatusAwaitingConfirmation {
		if _, err := s.reconciler.Start(awaiting); err != nil {
			s.logger.Error("failed to start reconciliation", zap.String("attempt_id", awaiting.ID.String()), zap.Error(err))
		}
	}

	return awaiting, nil
}

func (s *PaymentServiceImpl) rejectInitiation(ctx context.Context, attempt *domain.PaymentAttempt, cause error) error {
	message := cause.Error()
	var rejected *domain.GatewayRejectedError
	if errors.As(cause, &rejected) {
		message = rejected.Message
	}

	s.logger.Warn("gateway did not accept payment request",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("gateway", string(attempt.Gateway)),
		zap.Error(cause))

	if _, err := s.ledger.finish(context.WithoutCancel(ctx), attempt, domain.PaymentStatusFailed, message); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *PaymentServiceImpl) Get(ctx context.Context, attemptID uuid.UUID) (*domain.PaymentAttempt, error) {
	return s.payments.GetByID(ctx, attemptID)
}

// Watch starts or restarts polling for an active attempt. For a finished attempt the
// returned Watch is already done and carries its outcome.
func (s *PaymentServiceImpl) Watch(ctx context.Context, attemptID uuid.UUID) (*Watch, error) {
	attempt, err := s.payments.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if !attempt.Status.Active() {
		return CompletedWatch(attempt), nil
	}
	return s.reconciler.Start(attempt)
}

func (s *PaymentServiceImpl) Cancel(attemptID uuid.UUID) bool {
	return s.reconciler.Cancel(attemptID)
}

// Refresh asks the provider once for the attempt's status and records a success even after
// the attempt timed out.
func (s *PaymentServiceImpl) Refresh(ctx context.Context, attemptID uuid.UUID) (*domain.PaymentAttempt, error) {
	attempt, err := s.payments.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return s.recheck(ctx, attempt, "")
}

// recheck runs one provider status query and applies its verdict. receipt, when set, is
// appended to the provider message of a settlement.
func (s *PaymentServiceImpl) recheck(ctx context.Context, attempt *domain.PaymentAttempt, receipt string) (*domain.PaymentAttempt, error) {
	if attempt.Status == domain.PaymentStatusSettled || attempt.ExternalReference == "" {
		return attempt, nil
	}

	gw, ok := s.gateways.Get(attempt.Gateway)
	if !ok {
		return nil, fmt.Errorf("%s: %w", attempt.Gateway, domain.ErrUnsupportedGateway)
	}

	status, err := gw.CheckStatus(ctx, attempt.ExternalReference)
	if err != nil {
		s.metrics.ObservePollError(string(attempt.Gateway))
		return nil, &domain.TransientPollError{AttemptID: attempt.ID.String(), Err: err}
	}
	if receipt != "" && status.Verdict == domain.VerdictSettled {
		status.Message = fmt.Sprintf("%s (receipt %s)", status.Message, receipt)
	}

	resolved, err := s.ledger.resolve(ctx, attempt, status)
	if err != nil {
		return nil, err
	}

	if !resolved.Status.Active() {
		s.reconciler.Cancel(resolved.ID)
	}
	return resolved, nil
}

// HandleRedirectCallback is hit when the payer returns from the hosted checkout.
// The session is re-read from the provider rather than trusting the query string.
func (s *PaymentServiceImpl) HandleRedirectCallback(ctx context.Context, sessionID string) (*domain.PaymentAttempt, error) {
	attempt, err := s.payments.GetByReference(ctx, domain.GatewayRedirect, sessionID)
	if err != nil {
		return nil, err
	}
	return s.recheck(ctx, attempt, "")
}

// HandleSTKCallback treats the Daraja callback as a prompt to run an STK query.
// The body is unsigned: its result is logged, never applied. The receipt number only annotates
// a settlement the query confirms.
func (s *PaymentServiceImpl) HandleSTKCallback(ctx context.Context, callback gateway.STKCallback, raw []byte) (*domain.PaymentAttempt, error) {
	attempt, err := s.payments.GetByReference(ctx, domain.GatewayPushSTK, callback.Reference())
	if err != nil {
		return nil, err
	}

	claimed := callback.Status(raw)
	s.logger.Info("stk callback received",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("claimed_result_code", claimed.Code),
		zap.String("claimed_verdict", claimed.Verdict.String()))

	return s.recheck(ctx, attempt, callback.ReceiptNumber())
}

// ReceiptURL returns a short-lived link to the archived receipt of a settled attempt.
func (s *PaymentServiceImpl) ReceiptURL(ctx context.Context, attemptID uuid.UUID) (string, error) {
	if s.receipts == nil {
		return "", storage.ErrReceiptNotFound
	}

	attempt, err := s.payments.GetByID(ctx, attemptID)
	if err != nil {
		return "", err
	}
	if attempt.Status != domain.PaymentStatusSettled {
		return "", storage.ErrReceiptNotFound
	}

	return s.receipts.GetPresignedURL(ctx, attempt.AppointmentID, attempt.ID, receiptLinkTTL)
}
