package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrReceiptNotFound = errors.New("receipt not found")

// ReceiptStore archives the provider payload of each settled payment attempt.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, appointmentID int64, attemptID uuid.UUID, body []byte) (string, error)

	GetPresignedURL(ctx context.Context, appointmentID int64, attemptID uuid.UUID, expiry time.Duration) (string, error)
}

func receiptKey(appointmentID int64, attemptID uuid.UUID) string {
	return fmt.Sprintf("receipts/%d/%s.json", appointmentID, attemptID)
}
