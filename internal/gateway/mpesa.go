package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"medbook/internal/domain"
	"medbook/pkg/validator"
)

var mpesaTracer = otel.Tracer("medbook.internal.gateway.mpesa")

const (
	darajaTimestampLayout = "20060102150405"
	// Returned by the query endpoint while the payer has not yet answered the prompt.
	darajaStillProcessing = "500.001.1001"
)

// Result codes Daraja and its callbacks use for a completed payment.
var mpesaSuccess = domain.NewStatusSet("0", "success", "completed")

// MpesaConfig holds Daraja credentials for an STK push paybill.
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	RequestsPerSec int
	Location       *time.Location
}

// MpesaSTK sends STK push prompts through Safaricom Daraja and queries their outcome.
type MpesaSTK struct {
	cfg        MpesaConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewMpesaSTK(cfg MpesaConfig, logger *zap.Logger) *MpesaSTK {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("EAT", 3*60*60)
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}

	return &MpesaSTK{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		logger:     logger,
		now:        time.Now,
	}
}

func (m *MpesaSTK) Name() domain.Gateway {
	return domain.GatewayPushSTK
}

type darajaToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// WholeShillings converts minor units to the integer amount Daraja accepts, rounding up.
func WholeShillings(minor int64) int64 {
	return (minor + 99) / 100
}

func (m *MpesaSTK) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(m.cfg.ShortCode + m.cfg.PassKey + timestamp))
}

func (m *MpesaSTK) CreateSession(ctx context.Context, req SessionRequest) (*domain.Session, error) {
	ctx, span := mpesaTracer.Start(ctx, "mpesa.stk_push")
	defer span.End()
	span.SetAttributes(
		attribute.String("medbook.attempt_id", req.AttemptID.String()),
		attribute.Int64("medbook.appointment_id", req.AppointmentID),
		attribute.Int64("medbook.amount_minor", req.Amount),
	)

	phone, err := validator.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	description := req.Description
	if description == "" {
		description = "Consultation"
	}

	timestamp := m.now().In(m.cfg.Location).Format(darajaTimestampLayout)
	payload := stkPushRequest{
		BusinessShortCode: m.cfg.ShortCode,
		Password:          m.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            WholeShillings(req.Amount),
		PartyA:            phone,
		PartyB:            m.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       m.cfg.CallbackURL,
		AccountReference:  "APPT" + strconv.FormatInt(req.AppointmentID, 10),
		TransactionDesc:   description,
	}

	var resp stkPushResponse
	status, body, err := m.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if status >= http.StatusBadRequest || resp.ResponseCode != "0" {
		message := rejectionMessage(body, resp.ResponseDescription)
		code := resp.ResponseCode
		var apiErr darajaError
		if decodeJSON(body, &apiErr) == nil && apiErr.ErrorCode != "" {
			code = apiErr.ErrorCode
		}
		if status >= http.StatusInternalServerError && code == "" {
			return nil, fmt.Errorf("daraja stk push status %d: %s", status, message)
		}
		span.SetStatus(codes.Error, message)
		return nil, &domain.GatewayRejectedError{Gateway: domain.GatewayPushSTK, Code: code, Message: message}
	}

	m.logger.Info("stk push accepted",
		zap.String("attempt_id", req.AttemptID.String()),
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.String("phone", validator.MaskPhone(phone)))

	return &domain.Session{Reference: resp.CheckoutRequestID, Message: resp.CustomerMessage}, nil
}

func (m *MpesaSTK) CheckStatus(ctx context.Context, reference string) (*domain.GatewayStatus, error) {
	ctx, span := mpesaTracer.Start(ctx, "mpesa.stk_query")
	defer span.End()
	span.SetAttributes(attribute.String("medbook.checkout_request_id", reference))

	timestamp := m.now().In(m.cfg.Location).Format(darajaTimestampLayout)
	payload := stkQueryRequest{
		BusinessShortCode: m.cfg.ShortCode,
		Password:          m.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: reference,
	}

	var resp stkQueryResponse
	status, body, err := m.post(ctx, "/mpesa/stkpushquery/v1/query", payload, &resp)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if status >= http.StatusBadRequest {
		var apiErr darajaError
		if decodeJSON(body, &apiErr) == nil && apiErr.ErrorCode == darajaStillProcessing {
			return &domain.GatewayStatus{Code: apiErr.ErrorCode, Message: apiErr.ErrorMessage, Verdict: domain.VerdictPending, Raw: body}, nil
		}
		return nil, fmt.Errorf("daraja stk query status %d: %s", status, string(body))
	}

	return ClassifySTKResult(resp.ResultCode, resp.ResultDesc, body), nil
}

// ClassifySTKResult maps a Daraja result code onto a verdict. An empty code means the request is still pending.
func ClassifySTKResult(code, desc string, raw []byte) *domain.GatewayStatus {
	status := &domain.GatewayStatus{Code: code, Message: desc, Raw: raw}
	switch {
	case code == "":
		status.Verdict = domain.VerdictPending
	case mpesaSuccess.Has(code):
		status.Verdict = domain.VerdictSettled
	default:
		status.Verdict = domain.VerdictFailed
	}
	return status
}

func (m *MpesaSTK) post(ctx context.Context, path string, payload, out any) (int, []byte, error) {
	token, err := m.accessToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("daraja encode: %w", err)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("daraja rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("daraja request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("daraja http: %w", err)
	}
	defer resp.Body.Close()

	body := readBody(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		m.invalidateToken()
		return 0, nil, fmt.Errorf("daraja rejected access token")
	}
	if resp.StatusCode < http.StatusBadRequest {
		if err := decodeJSON(body, out); err != nil {
			return 0, nil, fmt.Errorf("daraja decode: %w", err)
		}
	}
	return resp.StatusCode, body, nil
}

func (m *MpesaSTK) accessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.now().Before(m.tokenExpiry) {
		return m.token, nil
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("daraja rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("daraja oauth request: %w", err)
	}
	req.SetBasicAuth(m.cfg.ConsumerKey, m.cfg.ConsumerSecret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("daraja oauth http: %w", err)
	}
	defer resp.Body.Close()

	body := readBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("daraja oauth status %d: %s", resp.StatusCode, string(body))
	}

	var tok darajaToken
	if err := decodeJSON(body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("daraja oauth decode: invalid token response")
	}

	ttl, err := strconv.Atoi(tok.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	m.token = tok.AccessToken
	// Renew a minute before expiry.
	m.tokenExpiry = m.now().Add(time.Duration(ttl)*time.Second - time.Minute)

	return m.token, nil
}

func (m *MpesaSTK) invalidateToken() {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
}

func rejectionMessage(body []byte, fallback string) string {
	var apiErr darajaError
	if decodeJSON(body, &apiErr) == nil && apiErr.ErrorMessage != "" {
		return apiErr.ErrorMessage
	}
	if fallback != "" {
		return fallback
	}
	return strings.TrimSpace(string(body))
}

// STKCallback is the body Daraja posts to CallBackURL once the payer answers the prompt.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value,omitempty"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func ParseSTKCallback(raw []byte) (*STKCallback, error) {
	var callback STKCallback
	if err := decodeJSON(raw, &callback); err != nil {
		return nil, fmt.Errorf("daraja callback decode: %w", err)
	}
	return &callback, nil
}

func (c STKCallback) Reference() string {
	return c.Body.StkCallback.CheckoutRequestID
}

func (c STKCallback) Status(raw []byte) *domain.GatewayStatus {
	cb := c.Body.StkCallback
	return ClassifySTKResult(strconv.Itoa(cb.ResultCode), cb.ResultDesc, raw)
}

// ReceiptNumber returns the M-Pesa receipt from the callback metadata, if present.
func (c STKCallback) ReceiptNumber() string {
	for _, item := range c.Body.StkCallback.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}
