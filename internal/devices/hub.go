package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gacha-x402/backend/internal/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type session struct {
	deviceID     string
	conn         Conn
	capabilities []string
	registeredAt time.Time

	writeMu sync.Mutex

	seenMu   sync.Mutex
	lastSeen time.Time
}

func (s *session) write(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *session) touch(t time.Time) {
	s.seenMu.Lock()
	s.lastSeen = t
	s.seenMu.Unlock()
}

func (s *session) seen() time.Time {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	return s.lastSeen
}

type pendingCommand struct {
	deviceID string
	reply    chan Message
}

// Hub tracks live device sessions and routes commands to them. Commands to one
// device run one at a time; responses are matched to commands by command id.
type Hub struct {
	publisher events.Publisher
	log       *zap.Logger

	heartbeat      time.Duration
	commandTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	slots    map[string]chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand

	now func() time.Time
}

func NewHub(heartbeat, commandTimeout time.Duration, publisher events.Publisher, log *zap.Logger) *Hub {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if commandTimeout <= 0 {
		commandTimeout = 30 * time.Second
	}
	return &Hub{
		publisher:      publisher,
		log:            log,
		heartbeat:      heartbeat,
		commandTimeout: commandTimeout,
		sessions:       make(map[string]*session),
		slots:          make(map[string]chan struct{}),
		pending:        make(map[string]*pendingCommand),
		now:            time.Now,
	}
}

// Serve runs the read loop of one device connection until it fails. When
// allowedDevice is not empty the connection may only register that device id.
func (h *Hub) Serve(conn Conn, allowedDevice string) {
	var current *session

	defer func() {
		if current != nil {
			h.unregister(current, "connection closed")
		}
		_ = conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				h.log.Warn("invalid device message", zap.Error(err))
				continue
			}
			return
		}

		switch msg.Type {
		case MsgRegister:
			if msg.DeviceID == "" {
				h.reply(conn, current, Message{Type: MsgError, Error: "deviceId is required"})
				continue
			}
			if allowedDevice != "" && msg.DeviceID != allowedDevice {
				h.log.Warn("device token does not match registration",
					zap.String("device_id", msg.DeviceID),
					zap.String("token_device_id", allowedDevice),
				)
				h.reply(conn, current, Message{Type: MsgError, Error: "device token does not match deviceId"})
				return
			}
			if current != nil && current.deviceID != msg.DeviceID {
				h.reply(conn, current, Message{Type: MsgError, Error: "connection already registered as " + current.deviceID})
				continue
			}
			if current == nil {
				current = h.register(conn, msg.DeviceID, msg.Capabilities)
			} else {
				current.touch(h.now())
			}
			_ = current.write(Message{Type: MsgRegistered, DeviceID: current.deviceID, Timestamp: nowMillis()})

		case MsgHeartbeat:
			if current == nil {
				h.reply(conn, nil, Message{Type: MsgError, Error: "device not registered"})
				continue
			}
			current.touch(h.now())

		case MsgPing:
			if current != nil {
				current.touch(h.now())
			}
			h.reply(conn, current, Message{Type: MsgPong, Timestamp: nowMillis()})

		case MsgCommandResponse:
			if current == nil {
				h.log.Warn("command response from unregistered connection", zap.String("command_id", msg.CommandID))
				continue
			}
			current.touch(h.now())
			h.resolve(current.deviceID, msg)

		default:
			h.log.Info("unknown device message type", zap.String("type", msg.Type), zap.String("device_id", msg.DeviceID))
		}
	}
}

// reply writes through the session lock when the connection is registered.
func (h *Hub) reply(conn Conn, s *session, msg Message) {
	var err error
	if s != nil {
		err = s.write(msg)
	} else {
		err = conn.WriteJSON(msg)
	}
	if err != nil {
		h.log.Debug("write to device failed", zap.Error(err))
	}
}

func (h *Hub) register(conn Conn, deviceID string, capabilities []string) *session {
	now := h.now()
	s := &session{
		deviceID:     deviceID,
		conn:         conn,
		capabilities: capabilities,
		registeredAt: now,
		lastSeen:     now,
	}

	h.mu.Lock()
	old := h.sessions[deviceID]
	h.sessions[deviceID] = s
	if _, ok := h.slots[deviceID]; !ok {
		h.slots[deviceID] = make(chan struct{}, 1)
	}
	h.mu.Unlock()

	if old != nil {
		h.log.Info("device re-registered, closing previous connection", zap.String("device_id", deviceID))
		_ = old.conn.Close()
	}

	h.log.Info("device registered", zap.String("device_id", deviceID), zap.Strings("capabilities", capabilities))
	h.publish(events.EventDeviceOnline, map[string]any{"deviceId": deviceID, "capabilities": capabilities})
	return s
}

// unregister drops s unless a newer session already replaced it.
func (h *Hub) unregister(s *session, reason string) {
	h.mu.Lock()
	removed := h.sessions[s.deviceID] == s
	if removed {
		delete(h.sessions, s.deviceID)
	}
	h.mu.Unlock()

	if !removed {
		return
	}
	h.log.Info("device disconnected", zap.String("device_id", s.deviceID), zap.String("reason", reason))
	h.publish(events.EventDeviceOffline, map[string]any{"deviceId": s.deviceID, "reason": reason})
}

func (h *Hub) resolve(deviceID string, msg Message) {
	h.pendingMu.Lock()
	p, ok := h.pending[msg.CommandID]
	if ok && p.deviceID == deviceID {
		delete(h.pending, msg.CommandID)
	}
	h.pendingMu.Unlock()

	if !ok {
		h.log.Warn("response for unknown command", zap.String("device_id", deviceID), zap.String("command_id", msg.CommandID))
		return
	}
	if p.deviceID != deviceID {
		h.log.Warn("response for another device's command",
			zap.String("device_id", deviceID),
			zap.String("owner", p.deviceID),
			zap.String("command_id", msg.CommandID),
		)
		return
	}
	p.reply <- msg
}

// Dispatch sends command to deviceID and waits for the correlated response,
// bounded by the hub's command timeout. A queued caller's wait for the device
// counts against the same timeout.
func (h *Hub) Dispatch(ctx context.Context, deviceID, command string, params json.RawMessage) (*Result, error) {
	h.mu.RLock()
	_, online := h.sessions[deviceID]
	slot := h.slots[deviceID]
	h.mu.RUnlock()
	if !online {
		return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
	}

	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()

	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		return nil, h.waitError(ctx, deviceID, "waiting for device")
	}

	// The session may have changed while queued.
	h.mu.RLock()
	s := h.sessions[deviceID]
	h.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
	}

	commandID := uuid.NewString()
	p := &pendingCommand{deviceID: deviceID, reply: make(chan Message, 1)}
	h.pendingMu.Lock()
	h.pending[commandID] = p
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, commandID)
		h.pendingMu.Unlock()
	}()

	err := s.write(Message{
		Type:      MsgCommand,
		DeviceID:  deviceID,
		CommandID: commandID,
		Command:   command,
		Params:    params,
		Timestamp: nowMillis(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: send command: %v", ErrDeviceOffline, err)
	}

	h.log.Info("command dispatched",
		zap.String("device_id", deviceID),
		zap.String("command", command),
		zap.String("command_id", commandID),
	)

	select {
	case resp := <-p.reply:
		if resp.Success == nil || !*resp.Success {
			reason := resp.Error
			if reason == "" {
				reason = "no reason given"
			}
			return nil, fmt.Errorf("%w: %s", ErrDeviceFailed, reason)
		}
		return &Result{CommandID: commandID, Data: resp.Data}, nil
	case <-ctx.Done():
		return nil, h.waitError(ctx, deviceID, "command "+commandID)
	}
}

func (h *Hub) waitError(ctx context.Context, deviceID, what string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s on %s", ErrDeviceTimeout, what, deviceID)
	}
	return ctx.Err()
}

// Online reports whether deviceID has a live session.
func (h *Hub) Online(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[deviceID]
	return ok
}

func (h *Hub) Get(deviceID string) (Info, bool) {
	h.mu.RLock()
	s, ok := h.sessions[deviceID]
	slot := h.slots[deviceID]
	h.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return h.info(s, slot), true
}

// List returns the online devices ordered by id.
func (h *Hub) List() []Info {
	h.mu.RLock()
	out := make([]Info, 0, len(h.sessions))
	for id, s := range h.sessions {
		out = append(out, h.info(s, h.slots[id]))
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (h *Hub) info(s *session, slot chan struct{}) Info {
	caps := s.capabilities
	if caps == nil {
		caps = []string{}
	}
	return Info{
		DeviceID:     s.deviceID,
		Capabilities: caps,
		RegisteredAt: s.registeredAt,
		LastSeen:     s.seen(),
		Busy:         len(slot) > 0,
	}
}

// Run sweeps stale sessions until ctx is done. A session is stale after three
// missed heartbeats.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep closes sessions whose last heartbeat is older than 3x the interval.
func (h *Hub) Sweep() int {
	cutoff := h.now().Add(-3 * h.heartbeat)

	h.mu.RLock()
	var stale []*session
	for _, s := range h.sessions {
		if s.seen().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.unregister(s, "heartbeat timeout")
		_ = s.conn.Close()
	}
	return len(stale)
}

func (h *Hub) publish(eventType string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.publisher.Publish(ctx, events.ChannelDevices, events.Event{Type: eventType, Payload: payload}); err != nil {
		h.log.Warn("failed to publish device event", zap.String("type", eventType), zap.Error(err))
	}
}
