// Package simulator is a stand-in ESP32 gacha machine that speaks the device
// WebSocket protocol against a running gateway.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gacha-x402/backend/internal/devices"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	DeviceID          string
	URL               string // ws://host/ws/devices
	Token             string
	Capabilities      []string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

// Handler executes a command on the device.
type Handler interface {
	Handle(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error)
}

type Device struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer
	log     *zap.Logger

	registered chan struct{}
	regOnce    sync.Once
}

func NewDevice(cfg Config, handler Handler, log *zap.Logger) *Device {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{"play", "status"}
	}
	return &Device{
		cfg:        cfg,
		handler:    handler,
		dialer:     websocket.DefaultDialer,
		log:        log.With(zap.String("device_id", cfg.DeviceID)),
		registered: make(chan struct{}),
	}
}

// Registered is closed after the first registration ack.
func (d *Device) Registered() <-chan struct{} { return d.registered }

// Run keeps the device connected until ctx is done, reconnecting after every
// dropped session.
func (d *Device) Run(ctx context.Context) error {
	endpoint, err := d.endpoint()
	if err != nil {
		return err
	}

	for {
		conn, _, err := d.dialer.DialContext(ctx, endpoint, http.Header{})
		if err != nil {
			d.log.Warn("connection failed, retrying", zap.Duration("delay", d.cfg.ReconnectDelay), zap.Error(err))
		} else {
			d.log.Info("connected", zap.String("url", d.cfg.URL))
			err = d.session(ctx, conn)
			_ = conn.Close()
			d.log.Info("disconnected", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.ReconnectDelay):
		}
	}
}

func (d *Device) endpoint() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	if d.cfg.Token != "" {
		q := u.Query()
		q.Set("token", d.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// link serializes writes; gorilla allows one concurrent writer.
type link struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *link) send(msg devices.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg.Timestamp = time.Now().UnixMilli()
	return l.conn.WriteJSON(msg)
}

func (d *Device) session(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := &link{conn: conn}
	if err := l.send(devices.Message{Type: devices.MsgRegister, DeviceID: d.cfg.DeviceID, Capabilities: d.cfg.Capabilities}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	// Unblock ReadJSON when the caller stops the device.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go d.heartbeat(ctx, l)

	// Commands still running when the link drops are abandoned, not finished.
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		var msg devices.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case devices.MsgRegistered:
			d.log.Info("registered with gateway")
			d.regOnce.Do(func() { close(d.registered) })
		case devices.MsgPing:
			_ = l.send(devices.Message{Type: devices.MsgPong, DeviceID: d.cfg.DeviceID})
		case devices.MsgPong:
		case devices.MsgCommand:
			wg.Add(1)
			go func(cmd devices.Message) {
				defer wg.Done()
				d.execute(ctx, l, cmd)
			}(msg)
		case devices.MsgError:
			d.log.Warn("gateway error", zap.String("error", msg.Error))
		default:
			d.log.Debug("unknown message type", zap.String("type", msg.Type))
		}
	}
}

func (d *Device) heartbeat(ctx context.Context, l *link) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.send(devices.Message{Type: devices.MsgHeartbeat, DeviceID: d.cfg.DeviceID}); err != nil {
				d.log.Warn("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (d *Device) execute(ctx context.Context, l *link, cmd devices.Message) {
	d.log.Info("command received", zap.String("command", cmd.Command), zap.String("command_id", cmd.CommandID))

	resp := devices.Message{Type: devices.MsgCommandResponse, DeviceID: d.cfg.DeviceID, CommandID: cmd.CommandID}
	data, err := d.handler.Handle(ctx, cmd.Command, cmd.Params)
	ok := err == nil
	resp.Success = &ok
	if err != nil {
		resp.Error = err.Error()
		d.log.Warn("command failed", zap.String("command", cmd.Command), zap.Error(err))
	} else {
		resp.Data = data
	}

	if err := l.send(resp); err != nil {
		d.log.Warn("failed to send command response", zap.String("command_id", cmd.CommandID), zap.Error(err))
	}
}
