package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gacha-x402/backend/internal/events"
	"github.com/gacha-x402/backend/internal/models"
	"github.com/gacha-x402/backend/internal/repositories"
	"go.uber.org/zap"
)

const reconcileBatch = 100

// ReasonDispatchInterrupted marks payments left in dispatching by a gateway
// that stopped before the device answered.
const ReasonDispatchInterrupted = "dispatch interrupted"

type ReconcileReport struct {
	Recovered  int
	Unactuated []models.Payment
}

// ReconcileService surfaces paid commands that never ran. Nothing is refunded
// or re-dispatched automatically; the payer may retry with the same proof.
type ReconcileService struct {
	ledger     repositories.PaymentLedger
	publisher  events.Publisher
	staleAfter time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// NewReconcileService treats a payment as interrupted once it has been
// dispatching for longer than staleAfter.
func NewReconcileService(ledger repositories.PaymentLedger, publisher events.Publisher, staleAfter time.Duration, log *zap.Logger) *ReconcileService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &ReconcileService{ledger: ledger, publisher: publisher, staleAfter: staleAfter, log: log, now: time.Now}
}

func (s *ReconcileService) Run(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	dispatching, err := s.ledger.ListByStatus(ctx, models.PaymentStatusDispatching, reconcileBatch)
	if err != nil {
		return nil, fmt.Errorf("list dispatching payments: %w", err)
	}
	cutoff := s.now().Add(-s.staleAfter)
	for i := range dispatching {
		p := &dispatching[i]
		if p.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.ledger.MarkUnactuated(ctx, p.TxHash, ReasonDispatchInterrupted); err != nil {
			// A late device answer may have won the race.
			s.log.Warn("failed to recover stale payment", zap.String("tx_hash", p.TxHash), zap.Error(err))
			continue
		}
		report.Recovered++
		s.log.Warn("recovered interrupted dispatch",
			zap.String("tx_hash", p.TxHash),
			zap.String("device_id", p.DeviceID),
			zap.Time("since", p.UpdatedAt),
		)
		if err := s.publisher.Publish(ctx, events.ChannelPayments, paymentEvent(events.EventPaymentUnactuated, p, ReasonDispatchInterrupted)); err != nil {
			s.log.Warn("failed to publish payment event", zap.Error(err))
		}
	}

	report.Unactuated, err = s.ledger.ListByStatus(ctx, models.PaymentStatusUnactuated, reconcileBatch)
	if err != nil {
		return nil, fmt.Errorf("list unactuated payments: %w", err)
	}
	for _, p := range report.Unactuated {
		s.log.Warn("payment awaiting reconciliation",
			zap.String("tx_hash", p.TxHash),
			zap.String("device_id", p.DeviceID),
			zap.String("command", p.Command),
			zap.String("payer", p.Payer),
			zap.String("amount", p.Amount),
			zap.String("reason", p.Reason),
			zap.Int("attempts", p.Attempts),
		)
	}

	return report, nil
}

// Presence follows device_online and device_offline events.
type Presence struct {
	mu      sync.RWMutex
	devices map[string]time.Time // device id -> online since
	now     func() time.Time
}

func NewPresence() *Presence {
	return &Presence{devices: make(map[string]time.Time), now: time.Now}
}

func (p *Presence) Handle(e events.Event) {
	deviceID, _ := e.Payload["deviceId"].(string)
	if deviceID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Type {
	case events.EventDeviceOnline:
		p.devices[deviceID] = p.now()
	case events.EventDeviceOffline:
		delete(p.devices, deviceID)
	}
}

// Online lists devices currently online, sorted by id.
func (p *Presence) Online() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.devices))
	for id := range p.devices {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

func paymentEvent(eventType string, p *models.Payment, reason string) events.Event {
	payload := map[string]any{
		"txHash":   p.TxHash,
		"deviceId": p.DeviceID,
		"command":  p.Command,
		"payer":    p.Payer,
		"amount":   p.Amount,
		"network":  p.Network,
		"attempts": p.Attempts,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return events.Event{Type: eventType, Payload: payload}
}
