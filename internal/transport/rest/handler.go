package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"medbook/config"
	"medbook/internal/service"
	"medbook/pkg/auth"
)

type Handler struct {
	services *service.Services
	tokens   *auth.TokenParser
	logger   *zap.Logger
	config   *config.Config
	// signaling serves /ws/signaling. It may be nil in tests.
	signaling gin.HandlerFunc
	metrics   http.Handler
	now       func() time.Time
}

func NewHandler(services *service.Services, tokens *auth.TokenParser, logger *zap.Logger, config *config.Config, signaling gin.HandlerFunc) *Handler {
	return &Handler{
		services:  services,
		tokens:    tokens,
		logger:    logger,
		config:    config,
		signaling: signaling,
		metrics:   promhttp.Handler(),
		now:       time.Now,
	}
}

// WithMetricsHandler replaces the default Prometheus handler, e.g. to serve a custom registry.
func (h *Handler) WithMetricsHandler(metrics http.Handler) *Handler {
	h.metrics = metrics
	return h
}

func (h *Handler) InitRoutes(router *gin.Engine) {
	router.Use(h.loggerMiddleware())

	router.Use(h.errorMiddleware())

	router.Use(h.corsMiddleware())

	api := router.Group("/api/v1")
	{
		doctors := api.Group("/doctors")
		{
			doctors.GET("/:id/slots", h.getAvailableSlots)
		}

		appointments := api.Group("/appointments", h.authMiddleware())
		{
			appointments.POST("", h.patientMiddleware(), h.createAppointment)
			appointments.GET("/:id", h.getAppointmentByID)
			appointments.GET("/:id/consultation", h.getConsultationAccess)
			appointments.POST("/:id/payments", h.patientMiddleware(), h.initiatePayment)

			staff := appointments.Group("", h.staffMiddleware())
			{
				staff.PATCH("/:id/status", h.updateAppointmentStatus)
				staff.POST("/:id/charges", h.attachCharge)
			}
		}

		payments := api.Group("/payments")
		{
			// Provider callbacks are unauthenticated. Both only trigger a status query to the provider.
			payments.GET("/redirect/callback", h.redirectCallback)
			payments.POST("/mpesa/callback", h.mpesaCallback)

			auth := payments.Group("", h.authMiddleware())
			{
				auth.GET("/:id", h.getPayment)
				auth.POST("/:id/watch", h.watchPayment)
				auth.DELETE("/:id/watch", h.cancelWatch)
				auth.POST("/:id/refresh", h.refreshPayment)
				auth.GET("/:id/receipt", h.getReceipt)
			}
		}
	}

	router.GET("/metrics", gin.WrapH(h.metrics))

	// WebSocket signaling (handles auth internally)
	if h.signaling != nil {
		router.GET("/ws/signaling", h.signaling)
	}
}
