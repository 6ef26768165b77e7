package gateway

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"

	"medbook/internal/domain"
)

// PaymentGateway is one external payment provider.
// Provider refusals are returned as *domain.GatewayRejectedError; any other error is a transport failure.
type PaymentGateway interface {
	Name() domain.Gateway
	CreateSession(ctx context.Context, req SessionRequest) (*domain.Session, error)
	CheckStatus(ctx context.Context, reference string) (*domain.GatewayStatus, error)
}

type SessionRequest struct {
	AttemptID     uuid.UUID
	AppointmentID int64
	// Amount is in minor units.
	Amount      int64
	Phone       string
	Description string
}

// Registry resolves a gateway by name.
type Registry map[domain.Gateway]PaymentGateway

func NewRegistry(gateways ...PaymentGateway) Registry {
	r := make(Registry, len(gateways))
	for _, g := range gateways {
		r[g.Name()] = g
	}
	return r
}

func (r Registry) Get(name domain.Gateway) (PaymentGateway, bool) {
	g, ok := r[name]
	return g, ok
}

const maxErrorBody = 4096

func readBody(body io.Reader) []byte {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return data
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
