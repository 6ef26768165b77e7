package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"medbook/internal/domain"
	"medbook/internal/storage"
)

type errorResponseBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

type successResponseBody struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func successResponse(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, successResponseBody{
		Status: "success",
		Data:   data,
	})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, errorResponseBody{
		Status:  "error",
		Message: message,
		Code:    statusCode,
	})
}

func createdResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, successResponseBody{
		Status: "success",
		Data:   data,
	})
}

func acceptedResponse(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusAccepted, successResponseBody{
		Status:  "pending",
		Message: message,
		Data:    data,
	})
}

func noContentResponse(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func badRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, message)
}

func unauthorizedResponse(c *gin.Context) {
	errorResponse(c, http.StatusUnauthorized, "authorization required")
}

func forbiddenResponse(c *gin.Context, message ...string) {
	msg := "access denied"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	errorResponse(c, http.StatusForbidden, msg)
}

func notFoundResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusNotFound, message)
}

func internalServerErrorResponse(c *gin.Context) {
	errorResponse(c, http.StatusInternalServerError, "internal server error")
}

// serviceErrorResponse maps domain errors onto HTTP statuses. Provider rejections keep the
// provider's message so the payer can correct the request.
func serviceErrorResponse(c *gin.Context, err error) {
	var rejected *domain.GatewayRejectedError
	var phone *domain.PhoneFormatError

	switch {
	case errors.As(err, &rejected):
		errorResponse(c, http.StatusBadGateway, rejected.Message)
	case errors.As(err, &phone):
		badRequestResponse(c, phone.Error())
	case errors.Is(err, domain.ErrSlotUnavailable):
		errorResponse(c, http.StatusConflict, domain.ErrSlotUnavailable.Error())
	case errors.Is(err, domain.ErrIllegalTransition):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidDate),
		errors.Is(err, domain.ErrInvalidCharge),
		errors.Is(err, domain.ErrUnsupportedGateway):
		badRequestResponse(c, err.Error())
	case errors.Is(err, domain.ErrNothingDue):
		errorResponse(c, http.StatusUnprocessableEntity, domain.ErrNothingDue.Error())
	case errors.Is(err, domain.ErrAppointmentNotFound),
		errors.Is(err, domain.ErrDoctorNotFound),
		errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, storage.ErrReceiptNotFound):
		notFoundResponse(c, rootMessage(err))
	case errors.Is(err, domain.ErrTransientPoll):
		errorResponse(c, http.StatusServiceUnavailable, domain.ErrTransientPoll.Error()+", try again shortly")
	default:
		_ = c.Error(err)
		internalServerErrorResponse(c)
	}
}

func rootMessage(err error) string {
	for _, sentinel := range []error{domain.ErrAppointmentNotFound, domain.ErrDoctorNotFound, domain.ErrPaymentNotFound, storage.ErrReceiptNotFound} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
