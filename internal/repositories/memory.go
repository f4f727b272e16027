package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gacha-x402/backend/internal/models"
	"github.com/google/uuid"
)

// In-memory stores, used when Postgres or Redis is not configured and in tests.

type MemoryFeeStore struct {
	mu   sync.RWMutex
	fees map[string]models.DeviceFee
}

func NewMemoryFeeStore() *MemoryFeeStore {
	return &MemoryFeeStore{fees: make(map[string]models.DeviceFee)}
}

func (s *MemoryFeeStore) Get(ctx context.Context, deviceID string) (*models.DeviceFee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fees[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (s *MemoryFeeStore) List(ctx context.Context) ([]models.DeviceFee, error) {
	s.mu.RLock()
	out := make([]models.DeviceFee, 0, len(s.fees))
	for _, f := range s.fees {
		out = append(out, f)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryFeeStore) SetFee(ctx context.Context, f *models.DeviceFee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.fees[f.DeviceID]; ok {
		f.Locked = cur.Locked
		f.Owner = cur.Owner
	}
	f.UpdatedAt = time.Now()
	s.fees[f.DeviceID] = *f
	return nil
}

func (s *MemoryFeeStore) Seed(ctx context.Context, fees []models.DeviceFee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, f := range fees {
		if cur, ok := s.fees[f.DeviceID]; ok {
			cur.Locked = f.Locked
			cur.Owner = f.Owner
			s.fees[f.DeviceID] = cur
			continue
		}
		f.UpdatedAt = now
		s.fees[f.DeviceID] = f
	}
	return nil
}

type MemoryPaymentLedger struct {
	mu       sync.Mutex
	payments map[string]*models.Payment
}

func NewMemoryPaymentLedger() *MemoryPaymentLedger {
	return &MemoryPaymentLedger{payments: make(map[string]*models.Payment)}
}

func (l *MemoryPaymentLedger) Claim(ctx context.Context, p *models.Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cur, ok := l.payments[p.TxHash]
	if !ok {
		stored := *p
		stored.Status = models.PaymentStatusDispatching
		stored.Reason = ""
		stored.Attempts = 1
		stored.CreatedAt = now
		stored.UpdatedAt = now
		l.payments[p.TxHash] = &stored
		*p = stored
		return nil
	}
	if cur.Status != models.PaymentStatusUnactuated || cur.DeviceID != p.DeviceID || cur.Command != p.Command {
		return ErrAlreadyClaimed
	}
	cur.Status = models.PaymentStatusDispatching
	cur.Reason = ""
	cur.Attempts++
	cur.UpdatedAt = now
	*p = *cur
	return nil
}

func (l *MemoryPaymentLedger) MarkActuated(ctx context.Context, txHash string) error {
	return l.transition(txHash, models.PaymentStatusActuated, "")
}

func (l *MemoryPaymentLedger) MarkUnactuated(ctx context.Context, txHash, reason string) error {
	return l.transition(txHash, models.PaymentStatusUnactuated, reason)
}

func (l *MemoryPaymentLedger) transition(txHash, status, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[txHash]
	if !ok {
		return ErrNotFound
	}
	if p.Status != models.PaymentStatusDispatching || !models.IsValidPaymentTransition(p.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
	}
	p.Status = status
	p.Reason = reason
	p.UpdatedAt = time.Now()
	return nil
}

func (l *MemoryPaymentLedger) Get(ctx context.Context, txHash string) (*models.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (l *MemoryPaymentLedger) ListByStatus(ctx context.Context, status string, limit int) ([]models.Payment, error) {
	l.mu.Lock()
	var out []models.Payment
	for _, p := range l.payments {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryQuote struct {
	quote     models.Quote
	expiresAt time.Time
}

type MemoryQuoteStore struct {
	mu     sync.Mutex
	quotes map[string]memoryQuote
	now    func() time.Time
}

func NewMemoryQuoteStore() *MemoryQuoteStore {
	return &MemoryQuoteStore{quotes: make(map[string]memoryQuote), now: time.Now}
}

func (s *MemoryQuoteStore) Put(ctx context.Context, q models.Quote, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.quotes[q.OrderID]; ok && now.Before(cur.expiresAt) {
		return fmt.Errorf("quote %s already exists", q.OrderID)
	}
	s.quotes[q.OrderID] = memoryQuote{quote: q, expiresAt: now.Add(ttl)}

	// Drop expired quotes while holding the lock anyway.
	for id, mq := range s.quotes {
		if !now.Before(mq.expiresAt) {
			delete(s.quotes, id)
		}
	}
	return nil
}

func (s *MemoryQuoteStore) Get(ctx context.Context, orderID string) (*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq, ok := s.quotes[orderID]
	if !ok || !s.now().Before(mq.expiresAt) {
		delete(s.quotes, orderID)
		return nil, ErrNotFound
	}
	q := mq.quote
	return &q, nil
}

type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Log(ctx context.Context, entry models.AuditLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *MemoryAuditLog) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []models.AuditLog{}
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := l.entries[i]; e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}
