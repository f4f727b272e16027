package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gacha-x402/backend/internal/x402"
)

// Journal statuses
const (
	JournalPaid      = "paid"
	JournalCompleted = "completed"
	JournalFailed    = "failed"
)

// JournalEntry records what happened to one payment. Entries are appended,
// the last one for a TxHash wins.
type JournalEntry struct {
	TxHash   string    `json:"txHash"`
	DeviceID string    `json:"deviceId"`
	Command  string    `json:"command"`
	Amount   string    `json:"amount"`
	Currency string    `json:"currency,omitempty"`
	Network  string    `json:"network"`
	Payer    string    `json:"payer,omitempty"`
	OrderID  string    `json:"orderId,omitempty"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Proof rebuilds the payment proof the entry was paid for.
func (e JournalEntry) Proof() x402.PaymentProof {
	currency := e.Currency
	if currency == "" {
		currency = x402.CurrencyUSDC
	}
	return x402.PaymentProof{
		TxHash:   e.TxHash,
		Amount:   e.Amount,
		Currency: currency,
		Network:  e.Network,
		Payer:    e.Payer,
		OrderID:  e.OrderID,
		Metadata: x402.ProofMetadata{DeviceID: e.DeviceID, Command: e.Command},
	}
}

// Journal keeps submitted payments so a paid but abandoned command can be
// found again.
type Journal interface {
	Append(ctx context.Context, e JournalEntry) error
}

// FileJournal appends JSON lines to a local file, synced on every write.
type FileJournal struct {
	path string
	mu   sync.Mutex
}

func NewFileJournal(path string) *FileJournal {
	return &FileJournal{path: path}
}

func (j *FileJournal) Append(ctx context.Context, e JournalEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return f.Sync()
}

// Unfinished returns payments whose latest entry is still "paid", in the
// order they were first recorded.
func (j *FileJournal) Unfinished() ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // torn last line after a crash
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return unfinished(entries), nil
}

func unfinished(entries []JournalEntry) []JournalEntry {
	latest := make(map[string]JournalEntry)
	var order []string
	for _, e := range entries {
		if _, seen := latest[e.TxHash]; !seen {
			order = append(order, e.TxHash)
		}
		latest[e.TxHash] = e
	}
	var out []JournalEntry
	for _, h := range order {
		if e := latest[h]; e.Status == JournalPaid {
			out = append(out, e)
		}
	}
	return out
}

type MemoryJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(ctx context.Context, e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *MemoryJournal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.entries...)
}

func (j *MemoryJournal) Unfinished() []JournalEntry {
	return unfinished(j.Entries())
}
