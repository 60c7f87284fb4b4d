package plansync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// RelayServerConfig configures the real-time fan-out hub.
type RelayServerConfig struct {
	// RoomCacheTTL is how long an empty room's cache is retained to serve
	// the next connecting device before eviction. Default: 10m
	RoomCacheTTL time.Duration `json:"room_cache_ttl" yaml:"room_cache_ttl"`

	// SendBufferSize is the per-connection outbound queue length. A client
	// that cannot drain its queue is disconnected rather than allowed to
	// block the room. Default: 256
	SendBufferSize int `json:"send_buffer_size" yaml:"send_buffer_size"`

	// WriteTimeout bounds each websocket write. Default: 10s
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// JanitorInterval is how often expired room caches are evicted.
	// Default: 1m
	JanitorInterval time.Duration `json:"janitor_interval" yaml:"janitor_interval"`
}

// DefaultRelayServerConfig returns default relay server configuration.
func DefaultRelayServerConfig() RelayServerConfig {
	return RelayServerConfig{
		RoomCacheTTL:    10 * time.Minute,
		SendBufferSize:  256,
		WriteTimeout:    10 * time.Second,
		JanitorInterval: time.Minute,
	}
}

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RelayServer groups websocket connections into per-user rooms and fans out
// every accepted change to the other devices in the same room. It keeps a
// short-term merged cache per room so a reconnecting device can catch up
// with a single full sync.
type RelayServer struct {
	config RelayServerConfig

	mu     sync.RWMutex
	rooms  map[string]*UserRoom
	conns  map[string]*relayConn
	nextID uint64

	done     chan struct{}
	stopOnce sync.Once
}

// NewRelayServer creates a relay server.
func NewRelayServer(config RelayServerConfig) *RelayServer {
	if config.RoomCacheTTL <= 0 {
		config.RoomCacheTTL = 10 * time.Minute
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.JanitorInterval <= 0 {
		config.JanitorInterval = time.Minute
	}
	return &RelayServer{
		config: config,
		rooms:  make(map[string]*UserRoom),
		conns:  make(map[string]*relayConn),
		done:   make(chan struct{}),
	}
}

// Start launches the room janitor. Safe to call once.
func (s *RelayServer) Start() {
	go s.janitorLoop()
}

// Stop closes every connection and stops background work.
func (s *RelayServer) Stop() {
	s.stopOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	conns := make([]*relayConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Handler returns the HTTP surface: the websocket endpoint plus liveness and
// diagnostic queries.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		conns, rooms := s.counts()
		writeJSON(w, map[string]any{
			"status":      "ok",
			"connections": conns,
			"rooms":       rooms,
		})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"rooms": s.roomSummary()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *RelayServer) counts() (conns, rooms int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns), len(s.rooms)
}

func (s *RelayServer) roomSummary() map[string]int {
	s.mu.RLock()
	rooms := make([]*UserRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	out := make(map[string]int, len(rooms))
	for _, r := range rooms {
		out[r.userID] = r.memberCount()
	}
	return out
}

// room returns the room for a user, creating it on first registration.
func (s *RelayServer) room(userID string) *UserRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[userID]
	if !ok {
		r = newUserRoom(userID)
		s.rooms[userID] = r
	}
	return r
}

func (s *RelayServer) janitorLoop() {
	ticker := time.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpiredRooms()
		}
	}
}

func (s *RelayServer) evictExpiredRooms() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, room := range s.rooms {
		if room.expire(s.config.RoomCacheTTL) {
			delete(s.rooms, userID)
			slog.Info("room cache evicted", "userId", userID)
		}
	}
}

// relayConn is one websocket connection. Lifecycle: Connected → Registered →
// Disconnected. Only registered connections may send or receive sync
// traffic. One reader goroutine and one writer goroutine per connection;
// outbound messages go through a buffered queue.
type relayConn struct {
	id     string
	server *RelayServer
	conn   *websocket.Conn
	send   chan []byte

	mu          sync.Mutex
	registered  bool
	userID      string
	deviceID    string
	deviceInfo  DeviceInfo
	connectedAt time.Time
	room        *UserRoom

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *RelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := atomic.AddUint64(&s.nextID, 1)
	c := &relayConn{
		id:          fmt.Sprintf("conn-%d", id),
		server:      s,
		conn:        ws,
		send:        make(chan []byte, s.config.SendBufferSize),
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	go c.writeLoop()
	c.readLoop()
	c.disconnect()
}

func (c *relayConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}

// enqueue queues an outbound message; a full buffer drops the connection so
// one slow client never stalls a room broadcast.
func (c *relayConn) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		slog.Warn("relay send buffer full, dropping connection", "connectionId", c.id)
		c.close()
	}
}

func (c *relayConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *relayConn) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.sendError(ErrCodeBadMessage, "invalid message format")
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound message. A sync message from a connection that
// has not registered yet gets an error reply and the connection stays open,
// tolerating client retry.
func (c *relayConn) dispatch(env Envelope) {
	switch env.Type {
	case MsgRegister:
		c.handleRegister(env)
	case MsgPing:
		c.reply(MsgPong, PongPayload{Timestamp: time.Now().UnixMilli()})
	case MsgSubmitChange:
		if room := c.registeredRoom(); room != nil {
			c.handleSubmitChange(env, room)
		}
	case MsgSubmitBatch:
		if room := c.registeredRoom(); room != nil {
			c.handleSubmitBatch(env, room)
		}
	case MsgRequestFullSync:
		if room := c.registeredRoom(); room != nil {
			c.sendFullSync(room)
		}
	case MsgGetDevices:
		if room := c.registeredRoom(); room != nil {
			c.reply(MsgDevicesList, DevicesListPayload{Devices: room.devices()})
		}
	default:
		c.sendError(ErrCodeUnknownType, "unknown message type: "+string(env.Type))
	}
}

// registeredRoom returns the connection's room, or replies with an
// unregistered error and returns nil.
func (c *relayConn) registeredRoom() *UserRoom {
	c.mu.Lock()
	room := c.room
	registered := c.registered
	c.mu.Unlock()
	if !registered {
		c.sendError(ErrCodeUnregistered, "register before sending sync messages")
		return nil
	}
	return room
}

func (c *relayConn) handleRegister(env Envelope) {
	var p RegisterPayload
	if err := decodePayload(env, &p); err != nil || p.UserID == "" {
		c.sendError(ErrCodeBadMessage, "register requires userId")
		return
	}

	c.mu.Lock()
	c.registered = true
	c.userID = p.UserID
	c.deviceID = p.DeviceID
	if c.deviceID == "" {
		c.deviceID = c.id
	}
	c.deviceInfo = p.DeviceInfo
	deviceID := c.deviceID
	c.mu.Unlock()

	// The fetched room may be evicted by the janitor between the lookup
	// and the join; an evicted room refuses joins, so retry with a fresh
	// lookup until one lands.
	var (
		room  *UserRoom
		total int
	)
	for {
		room = c.server.room(p.UserID)
		var ok bool
		if total, ok = room.join(c); ok {
			break
		}
	}

	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	slog.Info("device registered", "userId", p.UserID, "connectionId", c.id, "devices", total)

	c.reply(MsgRegistered, RegisteredPayload{
		UserID:           p.UserID,
		ConnectionID:     c.id,
		ConnectedDevices: total,
	})

	// Initial catch-up is a single full snapshot, never a replay of
	// individual changes.
	c.sendFullSync(room)

	if msg, err := encodeMessage(MsgDeviceConnected, DeviceEventPayload{
		ConnectionID: c.id,
		DeviceID:     deviceID,
		TotalDevices: total,
	}); err == nil {
		room.broadcast(c, msg)
	}
}

func (c *relayConn) handleSubmitChange(env Envelope, room *UserRoom) {
	var rec ChangeRecord
	if err := decodePayload(env, &rec); err != nil || rec.Key == "" {
		c.sendError(ErrCodeBadMessage, "submit-change requires a keyed record")
		return
	}
	if rec.UpdatedBy == "" {
		rec.UpdatedBy = c.currentDeviceID()
	}

	accepted := room.submit([]ChangeRecord{rec})

	// Ack means "received", not "accepted": a stale record is still acked
	// so the client can clear its outbox.
	c.reply(MsgSyncSaved, SyncSavedPayload{Key: rec.Key, Timestamp: rec.Timestamp})

	if len(accepted) > 0 {
		if msg, err := encodeMessage(MsgSyncData, accepted[0]); err == nil {
			room.broadcast(c, msg)
		}
	}
}

func (c *relayConn) handleSubmitBatch(env Envelope, room *UserRoom) {
	var p SubmitBatchPayload
	if err := decodePayload(env, &p); err != nil {
		c.sendError(ErrCodeBadMessage, "submit-batch requires items")
		return
	}
	deviceID := c.currentDeviceID()
	for i := range p.Items {
		if p.Items[i].UpdatedBy == "" {
			p.Items[i].UpdatedBy = deviceID
		}
	}

	// All records merge before any broadcast; peers see one batch message,
	// preserving the sender's debounced grouping.
	accepted := room.submit(p.Items)

	c.reply(MsgSyncBatchSaved, SyncBatchSavedPayload{
		Count:     len(p.Items),
		Timestamp: time.Now().UnixMilli(),
	})

	if len(accepted) > 0 {
		if msg, err := encodeMessage(MsgSyncBatchData, SyncBatchDataPayload{
			Items:     accepted,
			Timestamp: time.Now().UnixMilli(),
			UpdatedBy: deviceID,
		}); err == nil {
			room.broadcast(c, msg)
		}
	}
}

func (c *relayConn) sendFullSync(room *UserRoom) {
	c.reply(MsgFullSyncData, FullSyncDataPayload{
		Data:      room.snapshot(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *relayConn) currentDeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceID != "" {
		return c.deviceID
	}
	return c.id
}

func (c *relayConn) reply(t MessageType, payload any) {
	msg, err := encodeMessage(t, payload)
	if err != nil {
		slog.Error("relay encode reply", "type", t, "err", err)
		return
	}
	c.enqueue(msg)
}

func (c *relayConn) sendError(code, message string) {
	c.reply(MsgError, ErrorPayload{Code: code, Message: message})
}

// disconnect removes the connection from its room and the server registry,
// notifying remaining room members.
func (c *relayConn) disconnect() {
	c.close()

	c.server.mu.Lock()
	delete(c.server.conns, c.id)
	c.server.mu.Unlock()

	c.mu.Lock()
	room := c.room
	registered := c.registered
	deviceID := c.deviceID
	c.registered = false
	c.mu.Unlock()

	if !registered || room == nil {
		return
	}

	remaining := room.leave(c)
	slog.Info("device disconnected", "userId", room.userID, "connectionId", c.id, "devices", remaining)

	if msg, err := encodeMessage(MsgDeviceDisconnected, DeviceEventPayload{
		ConnectionID: c.id,
		DeviceID:     deviceID,
		TotalDevices: remaining,
	}); err == nil {
		room.broadcast(nil, msg)
	}
}
