package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/gacha-x402/backend/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed is returned when a transaction hash is already paying
	// for a command that is in flight or done.
	ErrAlreadyClaimed = errors.New("payment already claimed")

	// ErrInvalidTransition rejects a ledger update from the wrong status.
	ErrInvalidTransition = errors.New("invalid payment status transition")
)

type FeeStore interface {
	Get(ctx context.Context, deviceID string) (*models.DeviceFee, error)
	List(ctx context.Context) ([]models.DeviceFee, error)
	// SetFee stores a new fee, keeping lock and owner.
	SetFee(ctx context.Context, fee *models.DeviceFee) error
	// Seed creates missing devices and refreshes lock and owner from config.
	// Fees already stored are left alone.
	Seed(ctx context.Context, fees []models.DeviceFee) error
}

type PaymentLedger interface {
	// Claim records p as dispatching. A hash already known is only claimed
	// again when it is unactuated and for the same device and command.
	Claim(ctx context.Context, p *models.Payment) error
	MarkActuated(ctx context.Context, txHash string) error
	MarkUnactuated(ctx context.Context, txHash, reason string) error
	Get(ctx context.Context, txHash string) (*models.Payment, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]models.Payment, error)
}

// QuoteStore keeps issued requirements until their TTL runs out. A quote may be
// paid once; the payment ledger enforces that, not the store.
type QuoteStore interface {
	Put(ctx context.Context, q models.Quote, ttl time.Duration) error
	Get(ctx context.Context, orderID string) (*models.Quote, error)
}

// AuditLogger keeps a trail of operator-visible changes.
type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
	// ListByEntity returns the newest entries first.
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditLog, error)
}
