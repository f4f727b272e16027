package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrOutOfCapsules  = errors.New("out of capsules")
	ErrMachineJammed  = errors.New("machine jammed")
)

// Prize is one entry of the capsule table; Weight is relative.
type Prize struct {
	Name   string
	Weight int
}

var DefaultPrizes = []Prize{
	{Name: "Common Card", Weight: 70},
	{Name: "Rare Card", Weight: 25},
	{Name: "Super Rare Card", Weight: 5},
}

// Machine is a simulated gacha machine. Capsules < 0 means unlimited.
type Machine struct {
	Prizes   []Prize
	Latency  time.Duration
	Capsules int

	mu     sync.Mutex
	plays  int
	jammed bool
	intn   func(n int) int
}

func NewMachine(prizes []Prize, latency time.Duration, capsules int) *Machine {
	if len(prizes) == 0 {
		prizes = DefaultPrizes
	}
	return &Machine{Prizes: prizes, Latency: latency, Capsules: capsules, intn: rand.IntN}
}

// Jam makes every following play fail until Unjam.
func (m *Machine) Jam() { m.setJammed(true) }
func (m *Machine) Unjam() { m.setJammed(false) }

func (m *Machine) setJammed(v bool) {
	m.mu.Lock()
	m.jammed = v
	m.mu.Unlock()
}

// Handle executes one command and returns the response data.
func (m *Machine) Handle(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	switch command {
	case "play":
		if err := m.wait(ctx); err != nil {
			return nil, err
		}
		prize, err := m.play()
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"prize": prize})
	case "status":
		m.mu.Lock()
		defer m.mu.Unlock()
		return json.Marshal(map[string]any{"plays": m.plays, "capsules": m.Capsules, "jammed": m.jammed})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func (m *Machine) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(m.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) play() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.jammed {
		return "", ErrMachineJammed
	}
	if m.Capsules == 0 {
		return "", ErrOutOfCapsules
	}
	if m.Capsules > 0 {
		m.Capsules--
	}
	m.plays++
	return m.draw(), nil
}

func (m *Machine) draw() string {
	total := 0
	for _, p := range m.Prizes {
		total += p.Weight
	}
	if total <= 0 {
		return m.Prizes[0].Name
	}
	n := m.intn(total)
	for _, p := range m.Prizes {
		if n < p.Weight {
			return p.Name
		}
		n -= p.Weight
	}
	return m.Prizes[len(m.Prizes)-1].Name
}
