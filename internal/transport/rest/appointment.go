package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"medbook/internal/domain"
	"medbook/internal/service"
)

type slotsResponse struct {
	DoctorID int64                 `json:"doctor_id"`
	Date     string                `json:"date"`
	Slots    []domain.TimeSlotView `json:"slots"`
}

type chargeResponse struct {
	Appointment domain.AppointmentView `json:"appointment"`
	Created     bool                   `json:"created"`
}

// @Summary List available slots
// @Description Returns the doctor's bookable slots for a date in clinic time, in chronological order
// @Tags Slots
// @Produce json
// @Param id path int true "Doctor ID"
// @Param date query string true "Date (YYYY-MM-DD)"
// @Success 200 {object} slotsResponse
// @Failure 400 {object} errorResponseBody "Invalid doctor ID or date"
// @Failure 404 {object} errorResponseBody "Doctor not found"
// @Router /doctors/{id}/slots [get]
func (h *Handler) getAvailableSlots(c *gin.Context) {
	doctorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequestResponse(c, "invalid doctor id")
		return
	}

	dateStr := c.Query("date")
	date, err := domain.ParseDate(dateStr, h.services.Calendar.Location())
	if err != nil {
		badRequestResponse(c, err.Error())
		return
	}

	slots, err := h.services.Calendar.AvailableSlots(c.Request.Context(), doctorID, date)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	views := make([]domain.TimeSlotView, 0, len(slots))
	for _, slot := range slots {
		views = append(views, slot.View(h.services.Calendar.Location()))
	}

	successResponse(c, http.StatusOK, slotsResponse{DoctorID: doctorID, Date: dateStr, Slots: views})
}

// @Summary Book an appointment
// @Description Books a slot for the calling patient. The appointment starts pending.
// @Tags Appointments
// @Accept json
// @Produce json
// @Param input body domain.CreateAppointmentDTO true "Slot to book"
// @Success 201 {object} domain.AppointmentView
// @Failure 400 {object} errorResponseBody "Validation error or past date"
// @Failure 401 {object} errorResponseBody "Not authorized"
// @Failure 404 {object} errorResponseBody "Doctor not found"
// @Failure 409 {object} errorResponseBody "Slot is not available"
// @Security ApiKeyAuth
// @Router /appointments [post]
func (h *Handler) createAppointment(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		unauthorizedResponse(c)
		return
	}

	var req domain.CreateAppointmentDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid booking request", zap.Error(err))
		badRequestResponse(c, "invalid request body")
		return
	}

	appointment, err := h.services.Appointment.Book(c.Request.Context(), userID, req)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	createdResponse(c, domain.NewAppointmentView(appointment))
}

// @Summary Get appointment
// @Description Returns the appointment with its current total and balance due
// @Tags Appointments
// @Produce json
// @Param id path int true "Appointment ID"
// @Success 200 {object} domain.AppointmentView
// @Failure 400 {object} errorResponseBody "Invalid ID"
// @Failure 401 {object} errorResponseBody "Not authorized"
// @Failure 403 {object} errorResponseBody "Access denied"
// @Failure 404 {object} errorResponseBody "Appointment not found"
// @Security ApiKeyAuth
// @Router /appointments/{id} [get]
func (h *Handler) getAppointmentByID(c *gin.Context) {
	appointment, ok := h.participantAppointment(c)
	if !ok {
		return
	}

	successResponse(c, http.StatusOK, domain.NewAppointmentView(appointment))
}

// @Summary Change appointment status
// @Description Confirms or cancels an appointment. Cancelled appointments are terminal.
// @Tags Appointments
// @Accept json
// @Produce json
// @Param id path int true "Appointment ID"
// @Param input body domain.UpdateStatusDTO true "Target status"
// @Success 200 {object} domain.AppointmentView
// @Failure 400 {object} errorResponseBody "Invalid request"
// @Failure 403 {object} errorResponseBody "Access denied"
// @Failure 404 {object} errorResponseBody "Appointment not found"
// @Failure 409 {object} errorResponseBody "Illegal status transition"
// @Security ApiKeyAuth
// @Router /appointments/{id}/status [patch]
func (h *Handler) updateAppointmentStatus(c *gin.Context) {
	appointment, ok := h.participantAppointment(c)
	if !ok {
		return
	}

	var req domain.UpdateStatusDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, "status must be confirmed or cancelled")
		return
	}

	updated, err := h.services.Appointment.SetStatus(c.Request.Context(), appointment.ID, req.Status)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	successResponse(c, http.StatusOK, domain.NewAppointmentView(updated))
}

// @Summary Attach a charge
// @Description Adds a prescription charge to a confirmed appointment. Re-sending a charge id is a no-op.
// @Tags Appointments
// @Accept json
// @Produce json
// @Param id path int true "Appointment ID"
// @Param input body domain.AttachChargeDTO true "Charge"
// @Success 200 {object} chargeResponse "Charge already attached"
// @Success 201 {object} chargeResponse "Charge attached"
// @Failure 400 {object} errorResponseBody "Invalid charge"
// @Failure 404 {object} errorResponseBody "Appointment not found"
// @Failure 409 {object} errorResponseBody "Appointment is not confirmed"
// @Security ApiKeyAuth
// @Router /appointments/{id}/charges [post]
func (h *Handler) attachCharge(c *gin.Context) {
	appointment, ok := h.participantAppointment(c)
	if !ok {
		return
	}

	var req domain.AttachChargeDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, "charge_id and a positive amount are required")
		return
	}

	updated, created, err := h.services.Appointment.AttachCharge(c.Request.Context(), appointment.ID, req.ChargeID, req.Amount)
	if err != nil {
		serviceErrorResponse(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	successResponse(c, status, chargeResponse{Appointment: domain.NewAppointmentView(updated), Created: created})
}

// @Summary Consultation access
// @Description Reports whether the video consultation can be joined now, and when it opens and closes
// @Tags Consultations
// @Produce json
// @Param id path int true "Appointment ID"
// @Success 200 {object} domain.ConsultationAccess
// @Failure 403 {object} errorResponseBody "Access denied"
// @Failure 404 {object} errorResponseBody "Appointment not found"
// @Security ApiKeyAuth
// @Router /appointments/{id}/consultation [get]
func (h *Handler) getConsultationAccess(c *gin.Context) {
	appointment, ok := h.participantAppointment(c)
	if !ok {
		return
	}

	access := h.services.Consultation.Evaluate(appointment, h.now())
	successResponse(c, http.StatusOK, access)
}

// participantAppointment loads the :id appointment and writes the error response
// unless the caller is one of its participants.
func (h *Handler) participantAppointment(c *gin.Context) (*domain.Appointment, bool) {
	identity, err := getIdentity(c)
	if err != nil {
		unauthorizedResponse(c)
		return nil, false
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequestResponse(c, "invalid appointment id")
		return nil, false
	}

	appointment, err := h.services.Appointment.Get(c.Request.Context(), id)
	if err != nil {
		serviceErrorResponse(c, err)
		return nil, false
	}

	if !service.Participant(identity, appointment) {
		h.logger.Warn("unauthorized appointment access",
			zap.Int64("appointment_id", id),
			zap.Int64("user_id", identity.UserID),
			zap.String("role", string(identity.Role)))
		forbiddenResponse(c)
		return nil, false
	}

	return appointment, true
}
