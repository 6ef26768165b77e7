package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"medbook/config"
	"medbook/internal/domain"
	"medbook/internal/events"
	"medbook/internal/service"
	"medbook/pkg/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

// Message types exchanged on /ws/signaling.
const (
	TypeJoinRoom     = "join-room"
	TypeLeaveRoom    = "leave-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeCallEnd      = "call-end"
	TypePing         = "ping"

	TypeJoined     = "joined"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeRoomClosed = "room-closed"
	TypePayment    = "payment"
	TypePong       = "pong"
	TypeError      = "error"
)

// SignalingMessage is one frame on the signaling socket.
type SignalingMessage struct {
	Type          string          `json:"type"`
	AppointmentID int64           `json:"appointment_id,omitempty"`
	From          int64           `json:"from,omitempty"`
	Role          auth.Role       `json:"role,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// Client is one authenticated socket. A user may hold several.
type Client struct {
	Identity auth.Identity
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *SignalingHub

	// room is the appointment the client joined, 0 when none. Owned by the hub loop.
	room int64
}

type inbound struct {
	client *Client
	msg    SignalingMessage
}

// admission is a join request that already passed the consultation gate.
type admission struct {
	client      *Client
	appointment *domain.Appointment
}

// CallRoom is the set of participants of one appointment's consultation.
type CallRoom struct {
	AppointmentID int64
	VideoURL      string
	OpenedAt      time.Time
	members       map[*Client]struct{}
}

// SignalingHub admits participants into consultation rooms while the gate is open,
// relays WebRTC signaling inside each room and pushes payment events to patients.
type SignalingHub struct {
	clients    map[*Client]struct{}
	rooms      map[int64]*CallRoom
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	replies    chan inbound
	admit      chan admission
	closeRooms chan []int64
	done       chan struct{}

	services *service.Services
	tokens   *auth.TokenParser
	payments events.Subscriber
	recheck  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	upgrader websocket.Upgrader
}

func NewSignalingHub(
	services *service.Services,
	tokens *auth.TokenParser,
	payments events.Subscriber,
	cfg config.ConsultationConfig,
	logger *zap.Logger,
) *SignalingHub {
	return &SignalingHub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[int64]*CallRoom),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		replies:    make(chan inbound),
		admit:      make(chan admission),
		closeRooms: make(chan []int64),
		done:       make(chan struct{}),
		services:   services,
		tokens:     tokens,
		payments:   payments,
		recheck:    cfg.RecheckInterval,
		logger:     logger,
		now:        time.Now,
		upgrader: websocket.Upgrader{
			// Browsers connect from the web app origin; the token check gates access.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
		},
	}
}

// Run owns all hub state until ctx is cancelled.
func (h *SignalingHub) Run(ctx context.Context) {
	defer close(h.done)

	var payments <-chan domain.PaymentEvent
	if h.payments != nil {
		ch, err := h.payments.Subscribe(ctx)
		if err != nil {
			h.logger.Error("failed to subscribe to payment events", zap.Error(err))
		} else {
			payments = ch
		}
	}

	var recheck <-chan time.Time
	if h.recheck > 0 {
		ticker := time.NewTicker(h.recheck)
		defer ticker.Stop()
		recheck = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.logger.Info("client connected",
				zap.Int64("user_id", client.Identity.UserID),
				zap.String("role", string(client.Identity.Role)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Info("client disconnected", zap.Int64("user_id", client.Identity.UserID))
			}

		case in := <-h.inbound:
			if _, ok := h.clients[in.client]; ok {
				h.handle(ctx, in.client, in.msg)
			}

		case r := <-h.replies:
			if _, ok := h.clients[r.client]; ok {
				h.sendTo(r.client, r.msg)
			}

		case a := <-h.admit:
			h.join(a.client, a.appointment)

		case ids := <-h.closeRooms:
			for _, id := range ids {
				h.closeRoom(id, "consultation window has closed")
			}

		case event, ok := <-payments:
			if !ok {
				payments = nil
				continue
			}
			h.pushPayment(event)

		case <-recheck:
			if len(h.rooms) == 0 {
				continue
			}
			ids := make([]int64, 0, len(h.rooms))
			for id := range h.rooms {
				ids = append(ids, id)
			}
			go h.recheckRooms(ctx, ids)
		}
	}
}

func (h *SignalingHub) handle(ctx context.Context, client *Client, msg SignalingMessage) {
	switch msg.Type {
	case TypeJoinRoom:
		// Authorization reads the store, so it runs off the hub loop.
		go h.authorizeJoin(ctx, client, msg.AppointmentID)
	case TypeLeaveRoom:
		h.leave(client)
	case TypeOffer, TypeAnswer, TypeICECandidate:
		h.relay(client, msg)
	case TypeCallEnd:
		h.relay(client, msg)
		h.leave(client)
	case TypePing:
		h.sendTo(client, SignalingMessage{Type: TypePong})
	default:
		h.sendError(client, "unknown message type "+msg.Type)
	}
}

func (h *SignalingHub) authorizeJoin(ctx context.Context, client *Client, appointmentID int64) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	appointment, err := h.services.Appointment.Get(ctx, appointmentID)
	if err != nil {
		reason := "could not load appointment"
		if errors.Is(err, domain.ErrAppointmentNotFound) {
			reason = "appointment not found"
		}
		h.enqueue(ctx, client, SignalingMessage{Type: TypeError, AppointmentID: appointmentID, Data: reasonData(reason)})
		return
	}

	if !service.Participant(client.Identity, appointment) {
		h.logger.Warn("join refused for non participant",
			zap.Int64("appointment_id", appointmentID),
			zap.Int64("user_id", client.Identity.UserID))
		h.enqueue(ctx, client, SignalingMessage{Type: TypeError, AppointmentID: appointmentID, Data: reasonData("access denied")})
		return
	}

	access := h.services.Consultation.Evaluate(appointment, h.now())
	if !access.CanJoin {
		h.enqueue(ctx, client, SignalingMessage{Type: TypeError, AppointmentID: appointmentID, Data: reasonData(access.Reason)})
		return
	}

	select {
	case h.admit <- admission{client: client, appointment: appointment}:
	case <-ctx.Done():
	}
}

// enqueue routes a reply through the hub loop so only the loop writes to Send.
func (h *SignalingHub) enqueue(ctx context.Context, client *Client, msg SignalingMessage) {
	select {
	case h.replies <- inbound{client: client, msg: msg}:
	case <-ctx.Done():
	}
}

func (h *SignalingHub) join(client *Client, appointment *domain.Appointment) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	if client.room == appointment.ID {
		return
	}
	h.leave(client)

	room, ok := h.rooms[appointment.ID]
	if !ok {
		room = &CallRoom{
			AppointmentID: appointment.ID,
			VideoURL:      *appointment.VideoURL,
			OpenedAt:      h.now(),
			members:       make(map[*Client]struct{}),
		}
		h.rooms[appointment.ID] = room
	}

	room.members[client] = struct{}{}
	client.room = appointment.ID

	h.sendTo(client, SignalingMessage{Type: TypeJoined, AppointmentID: appointment.ID, Data: mustMarshal(map[string]any{
		"video_url": room.VideoURL,
		"peers":     len(room.members) - 1,
	})})
	h.broadcast(room, client, SignalingMessage{Type: TypePeerJoined, AppointmentID: appointment.ID, From: client.Identity.UserID, Role: client.Identity.Role})

	h.logger.Info("participant joined consultation",
		zap.Int64("appointment_id", appointment.ID),
		zap.Int64("user_id", client.Identity.UserID),
		zap.String("role", string(client.Identity.Role)))
}

func (h *SignalingHub) leave(client *Client) {
	room, ok := h.rooms[client.room]
	client.room = 0
	if !ok {
		return
	}

	delete(room.members, client)
	h.broadcast(room, client, SignalingMessage{Type: TypePeerLeft, AppointmentID: room.AppointmentID, From: client.Identity.UserID, Role: client.Identity.Role})
	if len(room.members) == 0 {
		delete(h.rooms, room.AppointmentID)
	}
}

func (h *SignalingHub) relay(client *Client, msg SignalingMessage) {
	room, ok := h.rooms[client.room]
	if !ok {
		h.sendError(client, "join a consultation before signaling")
		return
	}

	msg.AppointmentID = room.AppointmentID
	msg.From = client.Identity.UserID
	msg.Role = client.Identity.Role
	h.broadcast(room, client, msg)
}

func (h *SignalingHub) closeRoom(id int64, reason string) {
	room, ok := h.rooms[id]
	if !ok {
		return
	}

	for member := range room.members {
		member.room = 0
		h.sendTo(member, SignalingMessage{Type: TypeRoomClosed, AppointmentID: id, Data: reasonData(reason)})
	}
	delete(h.rooms, id)
	h.logger.Info("consultation room closed", zap.Int64("appointment_id", id), zap.String("reason", reason))
}

// recheckRooms re-evaluates the gate for open rooms and asks the loop to close the expired ones.
func (h *SignalingHub) recheckRooms(ctx context.Context, ids []int64) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	now := h.now()
	var expired []int64
	for _, id := range ids {
		appointment, err := h.services.Appointment.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrAppointmentNotFound) {
				expired = append(expired, id)
				continue
			}
			h.logger.Warn("consultation recheck failed", zap.Int64("appointment_id", id), zap.Error(err))
			continue
		}
		if !h.services.Consultation.CanJoin(appointment, now) {
			expired = append(expired, id)
		}
	}

	if len(expired) == 0 {
		return
	}
	select {
	case h.closeRooms <- expired:
	case <-ctx.Done():
	}
}

func (h *SignalingHub) pushPayment(event domain.PaymentEvent) {
	msg := SignalingMessage{Type: TypePayment, AppointmentID: event.AppointmentID, Data: mustMarshal(event)}
	for client := range h.clients {
		if client.Identity.Role == auth.RolePatient && client.Identity.UserID == event.PatientID {
			h.sendTo(client, msg)
		}
	}
}

func (h *SignalingHub) broadcast(room *CallRoom, from *Client, msg SignalingMessage) {
	for member := range room.members {
		if member != from {
			h.sendTo(member, msg)
		}
	}
}

func (h *SignalingHub) sendError(client *Client, reason string) {
	h.sendTo(client, SignalingMessage{Type: TypeError, Data: reasonData(reason)})
}

func (h *SignalingHub) sendTo(client *Client, msg SignalingMessage) {
	msg.Timestamp = h.now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal signaling message", zap.Error(err))
		return
	}

	select {
	case client.Send <- data:
	default:
		h.logger.Warn("dropping message for slow client",
			zap.Int64("user_id", client.Identity.UserID),
			zap.String("message_type", msg.Type))
	}
}

func (h *SignalingHub) drop(client *Client) {
	h.leave(client)
	delete(h.clients, client)
	close(client.Send)
}

func reasonData(reason string) json.RawMessage {
	return mustMarshal(map[string]string{"reason": reason})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// HandleWebSocket authenticates the token query parameter and upgrades the connection.
func (h *SignalingHub) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "token query parameter is required"})
		return
	}

	identity, err := h.tokens.Parse(token)
	if err != nil {
		h.logger.Warn("websocket token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		Identity: identity,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Hub:      h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg SignalingMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.Hub.logger.Warn("malformed signaling message", zap.Int64("user_id", c.Identity.UserID), zap.Error(err))
			continue
		}
		select {
		case c.Hub.inbound <- inbound{client: c, msg: msg}:
		case <-c.Hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.logger.Warn("websocket write failed", zap.Int64("user_id", c.Identity.UserID), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
