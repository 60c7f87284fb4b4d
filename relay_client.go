package plansync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// RelayClientState tracks the connection lifecycle:
// Disconnected → Connecting → Connected → Registered.
type RelayClientState int32

const (
	RelayDisconnected RelayClientState = iota
	RelayConnecting
	RelayConnected
	RelayRegistered
	// RelayUnavailable means the reconnect attempt ceiling was exceeded;
	// the engine continues on the provider channel only.
	RelayUnavailable
)

// String returns the state name.
func (s RelayClientState) String() string {
	switch s {
	case RelayDisconnected:
		return "disconnected"
	case RelayConnecting:
		return "connecting"
	case RelayConnected:
		return "connected"
	case RelayRegistered:
		return "registered"
	case RelayUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ErrRelayUnavailable is returned when a send is attempted without a
// registered connection.
var ErrRelayUnavailable = errors.New("relay connection unavailable")

// RelayClientConfig configures the relay client.
type RelayClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/sync.
	URL string `json:"url" yaml:"url"`

	// UserID is the opaque identity grouping this device with its peers.
	UserID string `json:"user_id" yaml:"user_id"`

	// DeviceID identifies this device inside the room.
	DeviceID string `json:"device_id" yaml:"device_id"`

	// DeviceInfo is forwarded to peers in device listings.
	DeviceInfo DeviceInfo `json:"device_info" yaml:"device_info"`

	// DialTimeout bounds each connection attempt. Default: 10s
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	// RegisterTimeout bounds the wait for the registered ack. Exceeding it
	// counts as a failed attempt. Default: 10s
	RegisterTimeout time.Duration `json:"register_timeout" yaml:"register_timeout"`

	// MaxReconnectAttempts is the consecutive-failure ceiling before the
	// client surfaces RelayUnavailable and stops retrying until
	// NotifyOnline. Default: 8
	MaxReconnectAttempts int `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`

	// InitialBackoff, MaxBackoff and BackoffMultiplier shape the reconnect
	// delay curve. Defaults: 500ms, 30s, 2.0
	InitialBackoff    time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// PingInterval is how often a liveness ping is sent. Default: 30s
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`

	// WriteTimeout bounds each websocket write. Default: 10s
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultRelayClientConfig returns default relay client configuration.
func DefaultRelayClientConfig() RelayClientConfig {
	return RelayClientConfig{
		DialTimeout:          10 * time.Second,
		RegisterTimeout:      10 * time.Second,
		MaxReconnectAttempts: 8,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		BackoffMultiplier:    2.0,
		PingInterval:         30 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

// RelayClient maintains one live connection to the relay server: it
// registers the device, forwards outgoing batches, and delivers inbound
// sync traffic to the engine's merge entry point. Reconnection uses bounded
// exponential backoff; after a successful re-registration the client
// requests exactly one full sync to recover changes missed while offline.
type RelayClient struct {
	config RelayClientConfig

	// OnRecords receives individual and batched peer changes.
	OnRecords func([]ChangeRecord)
	// OnFullSync receives full room snapshots.
	OnFullSync func(Snapshot)
	// OnState is invoked on every state transition.
	OnState func(RelayClientState)

	state atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool

	wake chan struct{}
	done chan struct{}
	stop sync.Once
}

// NewRelayClient creates a relay client. Callbacks must be assigned before
// Start.
func NewRelayClient(config RelayClientConfig) *RelayClient {
	def := DefaultRelayClientConfig()
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if config.RegisterTimeout <= 0 {
		config.RegisterTimeout = def.RegisterTimeout
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	return &RelayClient{
		config: config,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *RelayClient) State() RelayClientState {
	return RelayClientState(c.state.Load())
}

// Start launches the connection loop. It returns immediately; the first
// connection attempt happens in the background.
func (c *RelayClient) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop closes the connection and halts reconnection.
func (c *RelayClient) Stop() {
	c.stop.Do(func() { close(c.done) })
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.setState(RelayDisconnected)
}

// NotifyOnline resets the reconnect attempt counter and wakes the
// connection loop. Called by the engine on network-online transitions.
func (c *RelayClient) NotifyOnline() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SendBatch forwards a debounced batch to the server. Best effort: when not
// registered the batch is dropped with ErrRelayUnavailable and the durable
// provider channel covers the gap.
func (c *RelayClient) SendBatch(records []ChangeRecord) error {
	if c.State() != RelayRegistered {
		return ErrRelayUnavailable
	}
	return c.write(MsgSubmitBatch, SubmitBatchPayload{
		Items:     records,
		Timestamp: time.Now().UnixMilli(),
	})
}

// RequestFullSync asks the server for the room's full cache snapshot.
func (c *RelayClient) RequestFullSync() error {
	if c.State() != RelayRegistered {
		return ErrRelayUnavailable
	}
	return c.write(MsgRequestFullSync, nil)
}

func (c *RelayClient) write(t MessageType, payload any) error {
	msg, err := encodeMessage(t, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrRelayUnavailable
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *RelayClient) setState(s RelayClientState) {
	old := RelayClientState(c.state.Swap(int32(s)))
	if old != s && c.OnState != nil {
		c.OnState(s)
	}
}

// run is the connection loop: dial, register, read until failure, back off,
// repeat. everRegistered drives the reconnect full-sync: the first session's
// catch-up is the engine's own startup sync, every later session recovers
// missed changes with one explicit request.
func (c *RelayClient) run(ctx context.Context) {
	attempt := 0
	everRegistered := false

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if attempt >= c.config.MaxReconnectAttempts {
			c.setState(RelayUnavailable)
			slog.Warn("relay unavailable, waiting for online signal",
				"attempts", attempt)
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case <-c.wake:
				attempt = 0
			}
			continue
		}

		if attempt > 0 {
			backoff := computeBackoff(attempt, c.config.InitialBackoff,
				c.config.MaxBackoff, c.config.BackoffMultiplier)
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case <-c.wake:
				attempt = 0
				continue
			case <-time.After(backoff):
			}
		}

		c.setState(RelayConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			slog.Warn("relay dial failed", "attempt", attempt, "err", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(RelayConnected)

		registered, sessionErr := c.session(conn, everRegistered)
		if registered {
			everRegistered = true
			attempt = 1
		} else {
			attempt++
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(RelayDisconnected)

		if sessionErr != nil {
			slog.Warn("relay session ended", "err", sessionErr)
		}
	}
}

func (c *RelayClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.config.URL, nil)
	return conn, err
}

// session registers and then pumps inbound messages until the connection
// fails. Returns whether registration succeeded this session.
func (c *RelayClient) session(conn *websocket.Conn, reconnect bool) (bool, error) {
	if err := c.write(MsgRegister, RegisterPayload{
		UserID:     c.config.UserID,
		DeviceID:   c.config.DeviceID,
		DeviceInfo: c.config.DeviceInfo,
	}); err != nil {
		return false, err
	}

	registerDeadline := time.NewTimer(c.config.RegisterTimeout)
	defer registerDeadline.Stop()

	registered := false
	fullSyncRequested := false

	pingTicker := time.NewTicker(c.config.PingInterval)
	defer pingTicker.Stop()
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		for {
			select {
			case <-pingDone:
				return
			case <-pingTicker.C:
				_ = c.write(MsgPing, nil)
			}
		}
	}()

	for {
		if !registered {
			select {
			case <-registerDeadline.C:
				return false, errors.New("registration timed out")
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(c.config.RegisterTimeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return registered, err
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			slog.Warn("relay client: malformed message", "err", err)
			continue
		}

		switch env.Type {
		case MsgRegistered:
			var p RegisteredPayload
			if err := decodePayload(env, &p); err != nil {
				continue
			}
			registered = true
			c.setState(RelayRegistered)
			slog.Info("relay registered", "connectionId", p.ConnectionID,
				"devices", p.ConnectedDevices)
			// Recover anything missed while disconnected; the server keeps
			// only the room cache, not per-connection outboxes.
			if reconnect && !fullSyncRequested {
				fullSyncRequested = true
				_ = c.RequestFullSync()
			}

		case MsgSyncData:
			var rec ChangeRecord
			if err := decodePayload(env, &rec); err == nil && c.OnRecords != nil {
				c.OnRecords([]ChangeRecord{rec})
			}

		case MsgSyncBatchData:
			var p SyncBatchDataPayload
			if err := decodePayload(env, &p); err == nil && c.OnRecords != nil {
				c.OnRecords(p.Items)
			}

		case MsgFullSyncData:
			var p FullSyncDataPayload
			if err := decodePayload(env, &p); err == nil && c.OnFullSync != nil {
				c.OnFullSync(p.Data)
			}

		case MsgSyncSaved, MsgSyncBatchSaved, MsgPong, MsgDevicesList,
			MsgDeviceConnected, MsgDeviceDisconnected:
			// Informational; nothing to merge.

		case MsgError:
			var p ErrorPayload
			_ = decodePayload(env, &p)
			slog.Warn("relay server error", "code", p.Code, "message", p.Message)

		default:
			slog.Debug("relay client: unhandled message", "type", env.Type)
		}
	}
}
