package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions
const (
	AuditActionFeeUpdated  = "fee_updated"
	AuditActionFeeRejected = "fee_update_rejected"
)

const AuditEntityDevice = "device"

type AuditLog struct {
	ID         uuid.UUID      `json:"id"`
	Actor      string         `json:"actor"`      // wallet address, empty for system
	ActorType  string         `json:"actor_type"` // owner/operator/system
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
