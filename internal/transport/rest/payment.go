package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"medbook/internal/domain"
	"medbook/internal/gateway"
	"medbook/internal/service"
)

type receiptResponse struct {
	URL string `json:"url"`
}

// darajaAck is the body Daraja expects back from a result callback.
type darajaAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// @Summary Start a payment
// @Description Starts a payment for the appointment's outstanding balance and supersedes earlier attempts.
// @Description redirect returns a checkout URL; push_stk sends an M-Pesa prompt to the phone and starts polling.
// @Tags Payments
// @Accept json
// @Produce json
// @Param id path int true "Appointment ID"
// @Param input body domain.InitiatePaymentDTO true "Gateway and payer"
// @Success 201 {object} domain.PaymentAttempt
// @Failure 400 {object} errorResponseBody "Invalid phone or gateway"
// @Failure 403 {object} errorResponseBody "Access denied"
// @Failure 404 {object} errorResponseBody "Appointment not found"
// @Failure 409 {object} errorResponseBody "Appointment is cancelled"
// @Failure 422 {object} errorResponseBody "Nothing due"
// @Failure 502 {object} errorResponseBody "Gateway rejected the request"
// @Security ApiKeyAuth
// @Router /appointments/{id}/payments [post]
func (h *Handler) initiatePayment(c *gin.Context) {
	appointment, ok := h.participantAppointment(c)
	if !ok {
		return
	}

	var req domain.InitiatePaymentDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, "gateway must be redirect or push_stk")
		return
	}

	attempt, err := h.services.Payment.Initiate(c.Request.Context(), appointment.ID, req.Gateway, domain.Payer{Phone: req.Phone})
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	createdResponse(c, attempt)
}

// @Summary Get payment attempt
// @Tags Payments
// @Produce json
// @Param id path string true "Payment attempt ID"
// @Success 200 {object} domain.PaymentAttempt
// @Failure 403 {object} errorResponseBody "Access denied"
// @Failure 404 {object} errorResponseBody "Payment attempt not found"
// @Security ApiKeyAuth
// @Router /payments/{id} [get]
func (h *Handler) getPayment(c *gin.Context) {
	attempt, ok := h.participantAttempt(c)
	if !ok {
		return
	}

	successResponse(c, http.StatusOK, attempt)
}

// @Summary Watch a payment
// @Description Starts or restarts polling the gateway until the attempt settles, fails or reaches its deadline.
// @Description With wait=true the request blocks until the outcome is known.
// @Tags Payments
// @Produce json
// @Param id path string true "Payment attempt ID"
// @Param wait query bool false "Block until the outcome"
// @Success 200 {object} domain.PaymentAttempt "Settled"
// @Success 202 {object} successResponseBody "Watching, or not confirmed before the deadline"
// @Failure 404 {object} errorResponseBody "Payment attempt not found"
// @Failure 409 {object} errorResponseBody "Attempt is no longer active"
// @Failure 502 {object} errorResponseBody "Gateway reported a failure"
// @Security ApiKeyAuth
// @Router /payments/{id}/watch [post]
func (h *Handler) watchPayment(c *gin.Context) {
	attempt, ok := h.participantAttempt(c)
	if !ok {
		return
	}

	watch, err := h.services.Payment.Watch(c.Request.Context(), attempt.ID)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		acceptedResponse(c, "watching payment", attempt)
		return
	}

	select {
	case <-watch.Done():
	case <-c.Request.Context().Done():
		return
	}

	outcome := watch.Outcome()
	switch {
	case outcome.Err == nil:
		successResponse(c, http.StatusOK, outcome.Attempt)
	case errors.Is(outcome.Err, domain.ErrReconciliationTimedOut):
		acceptedResponse(c, outcome.Err.Error()+", refresh to check again", outcome.Attempt)
	default:
		serviceErrorResponse(c, outcome.Err)
	}
}

// @Summary Stop watching a payment
// @Description Stops polling without changing the attempt.
// @Tags Payments
// @Param id path string true "Payment attempt ID"
// @Success 204
// @Failure 404 {object} errorResponseBody "Payment attempt not found"
// @Security ApiKeyAuth
// @Router /payments/{id}/watch [delete]
func (h *Handler) cancelWatch(c *gin.Context) {
	attempt, ok := h.participantAttempt(c)
	if !ok {
		return
	}

	h.services.Payment.Cancel(attempt.ID)
	noContentResponse(c)
}

// @Summary Refresh a payment
// @Description Asks the gateway once for the current status. A success is recorded even after a timeout.
// @Tags Payments
// @Produce json
// @Param id path string true "Payment attempt ID"
// @Success 200 {object} domain.PaymentAttempt
// @Failure 404 {object} errorResponseBody "Payment attempt not found"
// @Failure 503 {object} errorResponseBody "Gateway unreachable"
// @Security ApiKeyAuth
// @Router /payments/{id}/refresh [post]
func (h *Handler) refreshPayment(c *gin.Context) {
	attempt, ok := h.participantAttempt(c)
	if !ok {
		return
	}

	refreshed, err := h.services.Payment.Refresh(c.Request.Context(), attempt.ID)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, refreshed)
}

// @Summary Payment receipt
// @Description Returns a short-lived link to the archived receipt of a settled attempt
// @Tags Payments
// @Produce json
// @Param id path string true "Payment attempt ID"
// @Success 200 {object} receiptResponse
// @Failure 404 {object} errorResponseBody "Receipt not found"
// @Security ApiKeyAuth
// @Router /payments/{id}/receipt [get]
func (h *Handler) getReceipt(c *gin.Context) {
	attempt, ok := h.participantAttempt(c)
	if !ok {
		return
	}

	url, err := h.services.Payment.ReceiptURL(c.Request.Context(), attempt.ID)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, receiptResponse{URL: url})
}

// @Summary Redirect checkout return
// @Description Hit when the payer returns from the hosted checkout. The session is re-read from the gateway.
// @Tags Payments
// @Produce json
// @Param session_id query string true "Checkout session ID"
// @Success 200 {object} domain.PaymentAttempt
// @Failure 400 {object} errorResponseBody "Missing session id"
// @Failure 404 {object} errorResponseBody "Unknown session"
// @Router /payments/redirect/callback [get]
func (h *Handler) redirectCallback(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		badRequestResponse(c, "session_id is required")
		return
	}

	attempt, err := h.services.Payment.HandleRedirectCallback(c.Request.Context(), sessionID)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, attempt)
}

// @Summary M-Pesa STK result callback
// @Description Receives the STK push result from Daraja. Always acknowledged so Daraja stops retrying.
// @Tags Payments
// @Accept json
// @Produce json
// @Param input body gateway.STKCallback true "Daraja callback"
// @Success 200 {object} darajaAck
// @Router /payments/mpesa/callback [post]
func (h *Handler) mpesaCallback(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		badRequestResponse(c, "unreadable body")
		return
	}

	callback, err := gateway.ParseSTKCallback(raw)
	if err != nil || callback.Reference() == "" {
		h.logger.Warn("malformed stk callback", zap.Error(err))
		c.JSON(http.StatusOK, darajaAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	if _, err := h.services.Payment.HandleSTKCallback(c.Request.Context(), *callback, raw); err != nil {
		h.logger.Warn("stk callback was not applied",
			zap.String("checkout_request_id", callback.Reference()),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, darajaAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// participantAttempt loads the :id payment attempt and checks the caller may see its appointment.
func (h *Handler) participantAttempt(c *gin.Context) (*domain.PaymentAttempt, bool) {
	identity, err := getIdentity(c)
	if err != nil {
		unauthorizedResponse(c)
		return nil, false
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequestResponse(c, "invalid payment attempt id")
		return nil, false
	}

	attempt, err := h.services.Payment.Get(c.Request.Context(), id)
	if err != nil {
		serviceErrorResponse(c, err)
		return nil, false
	}

	appointment, err := h.services.Appointment.Get(c.Request.Context(), attempt.AppointmentID)
	if err != nil {
		serviceErrorResponse(c, err)
		return nil, false
	}

	if !service.Participant(identity, appointment) {
		forbiddenResponse(c)
		return nil, false
	}

	return attempt, true
}
