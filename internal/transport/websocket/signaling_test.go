package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medbook/config"
	"medbook/internal/domain"
	"medbook/internal/events"
	"medbook/internal/service"
	"medbook/pkg/auth"
)

var nairobi, _ = time.LoadLocation("Africa/Nairobi")

type stubAppointments struct {
	service.AppointmentService

	mu           sync.Mutex
	appointments map[int64]*domain.Appointment
}

func (s *stubAppointments) Get(_ context.Context, id int64) (*domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %d: %w", id, domain.ErrAppointmentNotFound)
	}
	copied := *a
	return &copied, nil
}

func (s *stubAppointments) cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[id].Status = domain.AppointmentStatusCancelled
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type hubFixture struct {
	server       *httptest.Server
	tokens       *auth.TokenParser
	bus          *events.MemoryBus
	clock        *clock
	appointments *stubAppointments
}

func newHubFixture(t *testing.T, recheck time.Duration) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	link := "https://medbook.test/consultations/" + uuid.NewString()
	f := &hubFixture{
		tokens: auth.NewTokenParser("test-key"),
		bus:    events.NewMemoryBus(zap.NewNop()),
		clock:  &clock{now: time.Date(2026, 10, 19, 9, 55, 0, 0, nairobi)},
		appointments: &stubAppointments{appointments: map[int64]*domain.Appointment{
			1: {ID: 1, DoctorID: 7, PatientID: 100, AppointmentDate: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), TimeSlot: "10:00",
				Status: domain.AppointmentStatusConfirmed, BaseFee: 650000, AmountPaid: 650000, VideoURL: &link},
			2: {ID: 2, DoctorID: 7, PatientID: 100, AppointmentDate: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), TimeSlot: "16:00",
				Status: domain.AppointmentStatusConfirmed, BaseFee: 650000, AmountPaid: 650000, VideoURL: &link},
		}},
	}

	cfg := config.ConsultationConfig{OpensBefore: 10 * time.Minute, ClosesAfter: 45 * time.Minute, RecheckInterval: recheck}
	gate := service.NewGate(cfg, 30*time.Minute, nairobi)
	services := &service.Services{
		Appointment:  f.appointments,
		Consultation: service.NewConsultationService(nil, gate, zap.NewNop(), f.clock.Now),
	}

	hub := NewSignalingHub(services, f.tokens, f.bus, cfg, zap.NewNop())
	hub.now = f.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws/signaling", hub.HandleWebSocket)
	f.server = httptest.NewServer(router)

	t.Cleanup(func() {
		f.server.Close()
		cancel()
	})
	return f
}

func (f *hubFixture) connect(t *testing.T, id auth.Identity) *websocket.Conn {
	t.Helper()

	token, err := f.tokens.Issue(id, time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/signaling?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// A pong proves the hub registered the connection.
	send(t, conn, SignalingMessage{Type: TypePing})
	assert.Equal(t, TypePong, receive(t, conn).Type)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg SignalingMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func receive(t *testing.T, conn *websocket.Conn) SignalingMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg SignalingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func reason(t *testing.T, msg SignalingMessage) string {
	t.Helper()
	var data map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	return data["reason"]
}

var (
	patient      = auth.Identity{UserID: 100, Role: auth.RolePatient}
	otherPatient = auth.Identity{UserID: 101, Role: auth.RolePatient}
	doctor       = auth.Identity{UserID: 7, Role: auth.RoleDoctor}
)

func TestHandleWebSocketRequiresToken(t *testing.T) {
	f := newHubFixture(t, 0)

	resp, err := http.Get(f.server.URL + "/ws/signaling")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/ws/signaling?token=garbage")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestParticipantsSignalInsideRoom(t *testing.T) {
	f := newHubFixture(t, 0)
	p := f.connect(t, patient)
	d := f.connect(t, doctor)

	send(t, p, SignalingMessage{Type: TypeJoinRoom, AppointmentID: 1})
	joined := receive(t, p)
	require.Equal(t, TypeJoined, joined.Type)
	assert.Equal(t, int64(1), joined.AppointmentID)

	send(t, d, SignalingMessage{Type: TypeJoinRoom, AppointmentID: 1})
	require.Equal(t, TypeJoined, receive(t, d).Type)

	peer := receive(t, p)
	assert.Equal(t, TypePeerJoined, peer.Type)
	assert.Equal(t, int64(7), peer.From)
	assert.Equal(t, auth.RoleDoctor, peer.Role)

	send(t, d, SignalingMessage{Type: TypeOffer, Data: json.RawMessage(`{"sdp":"v=0"}`)})
	offer := receive(t, p)
	assert.Equal(t, TypeOffer, offer.Type)
	assert.Equal(t, int64(7), offer.From)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(offer.Data))

	send(t, p, SignalingMessage{Type: TypeCallEnd})
	assert.Equal(t, TypeCallEnd, receive(t, d).Type)
	assert.Equal(t, TypePeerLeft, receive(t, d).Type)
}

func TestJoinRefusals(t *testing.T) {
	f := newHubFixture(t, 0)

	outsider := f.connect(t, otherPatient)
	send(t, outsider, SignalingMessage{Type: TypeJoinRoom, AppointmentID: 1})
	msg := receive(t, outsider)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "access denied", reason(t, msg))

	p := f.connect(t, patient)
	send(t, p, SignalingMessage{Type: TypeJoinRoom, AppointmentID: 2})
	msg = receive(t, p)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "consultation has not opened yet", reason(t, msg))

	send(t, p, SignalingMessage{Type: TypeJoinRoom, AppointmentID: 404})
	assert.Equal(t, "appointment not found", reason(t, receive(t, p)))

	send(t, p, SignalingMessage{Type: TypeOffer})
	assert.Equal(t, "join a consultation before signaling", reason(t, receive(t, p)))
}

func TestRecheckClosesExpiredRoom(t *testing.T) {
	f := newHubFixture(t, 20*time.Millisecond)
	p := f.connect(t, patient)

	send(t, p, SignalingMessage{Type: TypeJoinRoom, AppointmentID: 1})
	require.Equal(t, TypeJoined, receive(t, p).Type)

	f.clock.Set(time.Date(2026, 10, 19, 10, 46, 0, 0, nairobi))

	msg := receive(t, p)
	assert.Equal(t, TypeRoomClosed, msg.Type)
	assert.Equal(t, int64(1), msg.AppointmentID)

	send(t, p, SignalingMessage{Type: TypeOffer})
	assert.Equal(t, TypeError, receive(t, p).Type)
}

func TestRecheckClosesCancelledAppointment(t *testing.T) {
	f := newHubFixture(t, 20*time.Millisecond)
	d := f.connect(t, doctor)

	send(t, d, SignalingMessage{Type: TypeJoinRoom, AppointmentID: 1})
	require.Equal(t, TypeJoined, receive(t, d).Type)

	f.appointments.cancel(1)
	assert.Equal(t, TypeRoomClosed, receive(t, d).Type)
}

func TestPaymentEventsReachPatient(t *testing.T) {
	f := newHubFixture(t, 0)
	p := f.connect(t, patient)
	d := f.connect(t, doctor)

	event := domain.PaymentEvent{
		Type:          domain.PaymentEventSettled,
		AttemptID:     uuid.New(),
		AppointmentID: 1,
		PatientID:     patient.UserID,
		Gateway:       domain.GatewayPushSTK,
		Amount:        650000,
	}
	require.NoError(t, f.bus.Publish(context.Background(), event))

	msg := receive(t, p)
	require.Equal(t, TypePayment, msg.Type)
	var got domain.PaymentEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, event.AttemptID, got.AttemptID)
	assert.Equal(t, domain.PaymentEventSettled, got.Type)

	// The doctor's next frame is its own pong, not the payment.
	send(t, d, SignalingMessage{Type: TypePing})
	assert.Equal(t, TypePong, receive(t, d).Type)
}
