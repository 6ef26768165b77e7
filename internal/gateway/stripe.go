package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"medbook/internal/domain"
)

var stripeTracer = otel.Tracer("medbook.internal.gateway.stripe")

// Statuses Stripe reports for a paid checkout session. Both status and payment_status are checked.
var stripeSuccess = domain.NewStatusSet("paid", "complete", "no_payment_required")

// StripeCheckout creates hosted checkout sessions and reads their status back.
type StripeCheckout struct {
	secretKey  string
	successURL string
	cancelURL  string
	currency   string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewStripeCheckout(secretKey, successURL, cancelURL, currency string, logger *zap.Logger) *StripeCheckout {
	return &StripeCheckout{
		secretKey:  secretKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		currency:   strings.ToLower(currency),
		baseURL:    "https://api.stripe.com",
		apiVersion: "2024-12-18.acacia",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the API base URL (for testing).
func (s *StripeCheckout) WithBaseURL(baseURL string) *StripeCheckout {
	if baseURL != "" {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
	return s
}

func (s *StripeCheckout) Name() domain.Gateway {
	return domain.GatewayRedirect
}

type stripeCheckoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
}

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (s *StripeCheckout) CreateSession(ctx context.Context, req SessionRequest) (*domain.Session, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_checkout_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("medbook.attempt_id", req.AttemptID.String()),
		attribute.Int64("medbook.appointment_id", req.AppointmentID),
		attribute.Int64("medbook.amount_minor", req.Amount),
	)

	description := req.Description
	if strings.TrimSpace(description) == "" {
		description = "Consultation"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price_data][currency]", s.currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount, 10))
	form.Set("line_items[0][price_data][product_data][name]", description)
	form.Set("line_items[0][quantity]", "1")
	form.Set("client_reference_id", req.AttemptID.String())
	form.Set("metadata[attempt_id]", req.AttemptID.String())
	form.Set("metadata[appointment_id]", strconv.FormatInt(req.AppointmentID, 10))
	if s.successURL != "" {
		form.Set("success_url", s.successURL)
	}
	if s.cancelURL != "" {
		form.Set("cancel_url", s.cancelURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("stripe request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.AttemptID.String())

	session, _, err := s.do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if session.URL == "" {
		return nil, fmt.Errorf("stripe response missing checkout url")
	}

	s.logger.Info("checkout session created",
		zap.String("attempt_id", req.AttemptID.String()),
		zap.String("session_id", session.ID))

	return &domain.Session{Reference: session.ID, CheckoutURL: session.URL}, nil
}

func (s *StripeCheckout) CheckStatus(ctx context.Context, reference string) (*domain.GatewayStatus, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.get_checkout_session")
	defer span.End()
	span.SetAttributes(attribute.String("medbook.session_id", reference))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/checkout/sessions/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, fmt.Errorf("stripe request: %w", err)
	}

	session, raw, err := s.do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	status := &domain.GatewayStatus{Code: session.PaymentStatus, Message: session.Status, Raw: raw}
	switch {
	case stripeSuccess.Has(session.PaymentStatus):
		status.Verdict = domain.VerdictSettled
	case stripeSuccess.Has(session.Status) && session.PaymentStatus != "unpaid":
		status.Verdict = domain.VerdictSettled
	case session.Status == "expired":
		status.Verdict = domain.VerdictFailed
		status.Message = "checkout session expired"
	default:
		status.Verdict = domain.VerdictPending
	}
	span.SetAttributes(attribute.String("medbook.verdict", status.Verdict.String()))

	return status, nil
}

func (s *StripeCheckout) do(req *http.Request) (*stripeCheckoutSession, []byte, error) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", s.apiVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("stripe http: %w", err)
	}
	defer resp.Body.Close()

	body := readBody(resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, nil, fmt.Errorf("stripe api status %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr stripeErrorResponse
		message := string(body)
		if decodeJSON(body, &apiErr) == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return nil, nil, &domain.GatewayRejectedError{Gateway: domain.GatewayRedirect, Code: apiErr.Error.Code, Message: message}
	}

	var session stripeCheckoutSession
	if err := decodeJSON(body, &session); err != nil {
		return nil, nil, fmt.Errorf("stripe decode: %w", err)
	}
	return &session, body, nil
}
