package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medbook/config"
	"medbook/internal/domain"
	"medbook/internal/gateway"
	"medbook/internal/metrics"
	"medbook/internal/repository"
)

var nairobi = mustLocation("Africa/Nairobi")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

type fakeDoctors struct {
	doctors map[int64]domain.Doctor
}

func (f *fakeDoctors) GetByID(_ context.Context, id int64) (*domain.Doctor, error) {
	d, ok := f.doctors[id]
	if !ok {
		return nil, domain.ErrDoctorNotFound
	}
	return &d, nil
}

// store backs both fake repositories so settlement can touch appointments and attempts together.
type store struct {
	mu           sync.Mutex
	now          func() time.Time
	nextID       int64
	appointments map[int64]*domain.Appointment
	attempts     map[uuid.UUID]*domain.PaymentAttempt
}

func newStore(now func() time.Time) *store {
	return &store{
		now:          now,
		appointments: make(map[int64]*domain.Appointment),
		attempts:     make(map[uuid.UUID]*domain.PaymentAttempt),
	}
}

func copyAppointment(a *domain.Appointment) *domain.Appointment {
	c := *a
	c.Charges = append([]domain.Charge(nil), a.Charges...)
	return &c
}

func copyAttempt(p *domain.PaymentAttempt) *domain.PaymentAttempt {
	c := *p
	return &c
}

type fakeAppointments struct{ s *store }

func (f *fakeAppointments) Create(_ context.Context, a *domain.Appointment) (*domain.Appointment, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	for _, existing := range f.s.appointments {
		if existing.DoctorID == a.DoctorID && existing.TimeSlot == a.TimeSlot &&
			domain.SameDate(existing.AppointmentDate, a.AppointmentDate) &&
			existing.Status != domain.AppointmentStatusCancelled {
			return nil, domain.ErrSlotUnavailable
		}
	}

	f.s.nextID++
	created := copyAppointment(a)
	created.ID = f.s.nextID
	created.Status = domain.AppointmentStatusPending
	created.TotalAmount = a.BaseFee
	created.CreatedAt = f.s.now()
	created.UpdatedAt = created.CreatedAt
	f.s.appointments[created.ID] = created
	return copyAppointment(created), nil
}

func (f *fakeAppointments) GetByID(_ context.Context, id int64) (*domain.Appointment, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	a, ok := f.s.appointments[id]
	if !ok {
		return nil, domain.ErrAppointmentNotFound
	}
	return copyAppointment(a), nil
}

func (f *fakeAppointments) ListByDoctorDate(_ context.Context, doctorID int64, date time.Time) ([]domain.Appointment, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	var out []domain.Appointment
	for _, a := range f.s.appointments {
		if a.DoctorID == doctorID && domain.SameDate(a.AppointmentDate, date) {
			out = append(out, *copyAppointment(a))
		}
	}
	return out, nil
}

func (f *fakeAppointments) Apply(_ context.Context, id int64, event domain.LifecycleEvent) (*domain.Appointment, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	a, ok := f.s.appointments[id]
	if !ok {
		return nil, domain.ErrAppointmentNotFound
	}
	next, err := domain.Transition(a.Status, event)
	if err != nil {
		return nil, err
	}
	a.Status = next
	return copyAppointment(a), nil
}

func (f *fakeAppointments) AttachCharge(_ context.Context, id int64, chargeID string, amount int64) (*domain.Appointment, bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	a, ok := f.s.appointments[id]
	if !ok {
		return nil, false, domain.ErrAppointmentNotFound
	}
	if amount <= 0 {
		return nil, false, domain.ErrInvalidCharge
	}
	if a.Status != domain.AppointmentStatusConfirmed {
		return nil, false, domain.ErrIllegalTransition
	}
	for _, c := range a.Charges {
		if c.ID == chargeID {
			return copyAppointment(a), false, nil
		}
	}
	a.Charges = append(a.Charges, domain.Charge{ID: chargeID, AppointmentID: id, Amount: amount, CreatedAt: f.s.now()})
	a.TotalAmount = domain.TotalDue(a.BaseFee, a.Charges)
	return copyAppointment(a), true, nil
}

func (f *fakeAppointments) SetVideoURL(_ context.Context, id int64, videoURL string) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	a, ok := f.s.appointments[id]
	if !ok {
		return false, domain.ErrAppointmentNotFound
	}
	if a.HasVideoLink() {
		return false, nil
	}
	a.VideoURL = &videoURL
	return true, nil
}

func (f *fakeAppointments) ListAwaitingVideo(_ context.Context, limit int) ([]domain.Appointment, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	var out []domain.Appointment
	for _, a := range f.s.appointments {
		if a.Status == domain.AppointmentStatusConfirmed && a.Paid() && !a.HasVideoLink() && len(out) < limit {
			out = append(out, *copyAppointment(a))
		}
	}
	return out, nil
}

type fakePayments struct{ s *store }

func (f *fakePayments) Create(_ context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, []domain.PaymentAttempt, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	a, ok := f.s.appointments[attempt.AppointmentID]
	if !ok {
		return nil, nil, domain.ErrAppointmentNotFound
	}
	if a.Status == domain.AppointmentStatusCancelled {
		return nil, nil, domain.ErrIllegalTransition
	}
	due := a.BalanceDue()
	if due <= 0 {
		return nil, nil, domain.ErrNothingDue
	}

	now := f.s.now()
	var superseded []domain.PaymentAttempt
	for _, p := range f.s.attempts {
		if p.AppointmentID == a.ID && p.Status.Active() {
			p.Status = domain.PaymentStatusSuperseded
			p.UpdatedAt = now
			superseded = append(superseded, *copyAttempt(p))
		}
	}

	created := copyAttempt(attempt)
	created.Status = domain.PaymentStatusInitiated
	created.Amount = due
	created.StartedAt = now
	created.UpdatedAt = now
	f.s.attempts[created.ID] = created
	return copyAttempt(created), superseded, nil
}

func (f *fakePayments) GetByID(_ context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	p, ok := f.s.attempts[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return copyAttempt(p), nil
}

func (f *fakePayments) GetByReference(_ context.Context, gw domain.Gateway, reference string) (*domain.PaymentAttempt, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	for _, p := range f.s.attempts {
		if p.Gateway == gw && p.ExternalReference == reference {
			return copyAttempt(p), nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func (f *fakePayments) MarkAwaiting(_ context.Context, id uuid.UUID, session domain.Session) (*domain.PaymentAttempt, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	p, ok := f.s.attempts[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	if p.Status == domain.PaymentStatusInitiated {
		p.Status = domain.PaymentStatusAwaitingConfirmation
		p.ExternalReference = session.Reference
		if session.CheckoutURL != "" {
			p.CheckoutURL = &session.CheckoutURL
		}
		p.UpdatedAt = f.s.now()
	}
	return copyAttempt(p), nil
}

func (f *fakePayments) Finish(_ context.Context, id uuid.UUID, status domain.PaymentStatus, message string) (bool, error) {
	if status == domain.PaymentStatusSettled || status.Active() {
		return false, fmt.Errorf("finish cannot move to %s", status)
	}

	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	p, ok := f.s.attempts[id]
	if !ok {
		return false, domain.ErrPaymentNotFound
	}
	if !p.Status.Active() {
		return false, nil
	}
	p.Status = status
	p.ProviderMessage = &message
	p.UpdatedAt = f.s.now()
	return true, nil
}

func (f *fakePayments) Settle(_ context.Context, id uuid.UUID, message string, at time.Time) (*domain.Settlement, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	p, ok := f.s.attempts[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	a := f.s.appointments[p.AppointmentID]
	if p.Status == domain.PaymentStatusSettled {
		return &domain.Settlement{Attempt: copyAttempt(p), Appointment: copyAppointment(a)}, nil
	}

	duplicate := a.Status == domain.AppointmentStatusCancelled || a.BalanceDue() <= 0
	if !duplicate {
		a.AmountPaid += p.Amount
		a.PaidAt = &at
		next, err := domain.Transition(a.Status, domain.EventPaymentSettled)
		if err != nil {
			return nil, err
		}
		a.Status = next
	}

	p.Status = domain.PaymentStatusSettled
	p.ProviderMessage = &message
	p.SettledAt = &at
	p.UpdatedAt = at

	return &domain.Settlement{Attempt: copyAttempt(p), Appointment: copyAppointment(a), Duplicate: duplicate, Applied: true}, nil
}

func (f *fakePayments) ListActive(_ context.Context) ([]domain.PaymentAttempt, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	var out []domain.PaymentAttempt
	for _, p := range f.s.attempts {
		if p.Status.Active() {
			out = append(out, *copyAttempt(p))
		}
	}
	return out, nil
}

func (f *fakePayments) ListTimedOutSince(_ context.Context, since time.Time) ([]domain.PaymentAttempt, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	var out []domain.PaymentAttempt
	for _, p := range f.s.attempts {
		if p.Status == domain.PaymentStatusTimedOut && !p.UpdatedAt.Before(since) {
			out = append(out, *copyAttempt(p))
		}
	}
	return out, nil
}

// insertAttempt stores an attempt as-is, for tests that need one left behind by an earlier process.
func (s *store) insertAttempt(p domain.PaymentAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[p.ID] = &p
}

func (s *store) insertAppointment(a domain.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID > s.nextID {
		s.nextID = a.ID
	}
	s.appointments[a.ID] = &a
}

// fakeGateway answers status checks from a script. Calls past the end of the script repeat its last entry.
type fakeGateway struct {
	name domain.Gateway

	mu       sync.Mutex
	script   []fakeStatus
	calls    []time.Time
	rejectOn error
	held     *heldCheck
}

// heldCheck parks the next status check after it has read its script entry.
type heldCheck struct {
	entered chan struct{}
	release chan struct{}
}

type fakeStatus struct {
	verdict domain.StatusVerdict
	code    string
	message string
	err     error
}

func newFakeGateway(name domain.Gateway, script ...fakeStatus) *fakeGateway {
	if len(script) == 0 {
		script = []fakeStatus{{verdict: domain.VerdictPending}}
	}
	return &fakeGateway{name: name, script: script}
}

func (g *fakeGateway) Name() domain.Gateway {
	return g.name
}

func (g *fakeGateway) CreateSession(_ context.Context, req gateway.SessionRequest) (*domain.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rejectOn != nil {
		return nil, g.rejectOn
	}
	session := &domain.Session{Reference: "ref-" + req.AttemptID.String()}
	if g.name == domain.GatewayRedirect {
		session.CheckoutURL = "https://checkout.test/" + req.AttemptID.String()
	}
	return session, nil
}

func (g *fakeGateway) CheckStatus(_ context.Context, _ string) (*domain.GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := len(g.calls)
	g.calls = append(g.calls, time.Now())
	if i >= len(g.script) {
		i = len(g.script) - 1
	}
	step := g.script[i]
	if held := g.held; held != nil {
		g.held = nil
		g.mu.Unlock()
		close(held.entered)
		<-held.release
		g.mu.Lock()
	}
	if step.err != nil {
		return nil, step.err
	}
	return &domain.GatewayStatus{Verdict: step.verdict, Code: step.code, Message: step.message}, nil
}

func (g *fakeGateway) setScript(script ...fakeStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = script
	g.calls = nil
}

func (g *fakeGateway) holdNextCheck() *heldCheck {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = &heldCheck{entered: make(chan struct{}), release: make(chan struct{})}
	return g.held
}

func (g *fakeGateway) callTimes() []time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]time.Time(nil), g.calls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.PaymentEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []domain.PaymentEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.PaymentEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var errNetwork = errors.New("connection reset by peer")

type harness struct {
	t        *testing.T
	store    *store
	repos    *repository.Repositories
	stripe   *fakeGateway
	mpesa    *fakeGateway
	events   *recordingPublisher
	metrics  *metrics.BookingMetrics
	registry *prometheus.Registry
	cfg      *config.Config
	services *Services
}

type harnessOption func(*config.Config)

func withTiming(interval, timeout time.Duration) harnessOption {
	return func(cfg *config.Config) {
		cfg.Payment.PollInterval = interval
		cfg.Payment.Timeout = timeout
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Booking: config.BookingConfig{
			BaseFee:      650000,
			Catalog:      "standard",
			SlotDuration: 30 * time.Minute,
			Location:     nairobi,
		},
		Payment: config.PaymentConfig{
			PollInterval:  10 * time.Millisecond,
			Timeout:       2 * time.Second,
			SweepInterval: time.Minute,
			SweepWindow:   24 * time.Hour,
			Currency:      "kes",
		},
		Consultation: config.ConsultationConfig{
			OpensBefore:   10 * time.Minute,
			ClosesAfter:   45 * time.Minute,
			PublicBaseURL: "https://medbook.test",
		},
	}
}

func newHarness(t *testing.T, now func() time.Time, opts ...harnessOption) *harness {
	t.Helper()

	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	s := newStore(now)
	registry := prometheus.NewRegistry()
	h := &harness{
		t:     t,
		store: s,
		repos: &repository.Repositories{
			Doctor: &fakeDoctors{doctors: map[int64]domain.Doctor{
				7: {ID: 7, Specialization: "general", AvailableDays: []time.Weekday{time.Monday, time.Wednesday}},
			}},
			Appointment: &fakeAppointments{s: s},
			Payment:     &fakePayments{s: s},
		},
		stripe:   newFakeGateway(domain.GatewayRedirect),
		mpesa:    newFakeGateway(domain.GatewayPushSTK),
		events:   &recordingPublisher{},
		metrics:  metrics.NewBookingMetrics(registry),
		registry: registry,
		cfg:      cfg,
	}

	services, err := NewServices(Deps{
		Repos:    h.repos,
		Gateways: gateway.NewRegistry(h.stripe, h.mpesa),
		Events:   h.events,
		Metrics:  h.metrics,
		Logger:   zap.NewNop(),
		Config:   cfg,
		Now:      now,
	})
	require.NoError(t, err)
	h.services = services

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = services.Reconciler.Shutdown(ctx)
	})

	return h
}

// counter reads a counter from the harness registry; labels are name/value pairs.
func (h *harness) counter(name string, labels ...string) float64 {
	h.t.Helper()
	families, err := h.registry.Gather()
	require.NoError(h.t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			values := make(map[string]string, len(m.GetLabel()))
			for _, pair := range m.GetLabel() {
				values[pair.GetName()] = pair.GetValue()
			}
			for i := 0; i+1 < len(labels); i += 2 {
				if values[labels[i]] != labels[i+1] {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// pendingAppointment books doctor 7 on Monday 19 Oct 2026 at start.
func (h *harness) pendingAppointment(start string) *domain.Appointment {
	h.t.Helper()
	a, err := h.services.Appointment.Book(context.Background(), 100, domain.CreateAppointmentDTO{
		DoctorID:        7,
		AppointmentDate: "2026-10-19",
		TimeSlot:        start,
	})
	require.NoError(h.t, err)
	return a
}

func (h *harness) appointment(id int64) *domain.Appointment {
	h.t.Helper()
	a, err := h.repos.Appointment.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return a
}

func (h *harness) attempt(id uuid.UUID) *domain.PaymentAttempt {
	h.t.Helper()
	p, err := h.repos.Payment.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return p
}

func stkCallback(t *testing.T, reference string, resultCode int, desc string) (gateway.STKCallback, []byte) {
	t.Helper()
	raw := []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":%q,"CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"}]}}}}`, reference, resultCode, desc))
	var cb gateway.STKCallback
	require.NoError(t, json.Unmarshal(raw, &cb))
	return cb, raw
}

// fixedClock is Wednesday 14 Oct 2026, 09:00 in Nairobi.
func fixedClock() time.Time {
	return time.Date(2026, 10, 14, 9, 0, 0, 0, nairobi)
}

func uuidFor(n byte) uuid.UUID {
	var id uuid.UUID
	id[15] = n
	return id
}
