// Package wsport carries bridge envelopes to sandboxed surface pages over
// websockets. The host side owns one Port per surface key; the surface page
// connects back to /bridge/{key} with the port's secret.
package wsport

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/framebridge/internal/bridge"
	"github.com/neboloop/framebridge/internal/httputil"
	"github.com/neboloop/framebridge/internal/logging"
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = logging.OrDiscard(l) }
}

// WithPingInterval makes the hub ping connected surfaces. Zero disables it.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) { h.ping = d }
}

// WithRemoteAccess lets non-loopback clients connect.
func WithRemoteAccess() Option {
	return func(h *Hub) { h.remote = true }
}

// Hub owns the websocket ports of every mounted surface.
type Hub struct {
	base     string
	logger   *slog.Logger
	ping     time.Duration
	remote   bool
	upgrader websocket.Upgrader

	mu    sync.Mutex
	ports map[string]*Port
}

// NewHub builds a hub whose endpoints live under base, e.g.
// "ws://127.0.0.1:7331".
func NewHub(base string, opts ...Option) *Hub {
	h := &Hub{
		base:   strings.TrimRight(base, "/"),
		logger: logging.Discard(),
		ports:  make(map[string]*Port),
		upgrader: websocket.Upgrader{
			// Surfaces load from arbitrary origins; the per-port secret is
			// what authorises a connection.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Port creates the port for key, closing any port previously created for
// the same key.
func (h *Hub) Port(key string) (*Port, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("wsport: secret for %s: %w", key, err)
	}
	p := &Port{
		hub:      h,
		key:      key,
		secret:   secret,
		handlers: make(map[int]func(bridge.Envelope)),
	}

	h.mu.Lock()
	old := h.ports[key]
	h.ports[key] = p
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return p, nil
}

// Open is Port with the bridge.Port return type, for hosts that take a
// port opener.
func (h *Hub) Open(key string) (bridge.Port, error) {
	p, err := h.Port(key)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Status describes one port for status output.
type Status struct {
	Key       string `json:"key"`
	Connected bool   `json:"connected"`
	Queued    int    `json:"queued"`
}

// Ports lists the live ports sorted by key.
func (h *Hub) Ports() []Status {
	h.mu.Lock()
	ports := make([]*Port, 0, len(h.ports))
	for _, p := range h.ports {
		ports = append(ports, p)
	}
	h.mu.Unlock()

	out := make([]Status, 0, len(ports))
	for _, p := range ports {
		p.mu.Lock()
		out = append(out, Status{Key: p.key, Connected: p.conn != nil, Queued: len(p.outbox)})
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close closes every port.
func (h *Hub) Close() {
	h.mu.Lock()
	ports := h.ports
	h.ports = make(map[string]*Port)
	h.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
}

func (h *Hub) lookup(key string) *Port {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports[key]
}

func (h *Hub) forget(p *Port) {
	h.mu.Lock()
	if h.ports[p.key] == p {
		delete(h.ports, p.key)
	}
	h.mu.Unlock()
}

// Accept upgrades a surface connection for key and pumps its messages until
// the connection drops.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, key string) {
	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	if !h.remote && !isLoopbackIP(remoteIP) {
		httputil.Forbidden(w, "remote bridge connections are disabled")
		return
	}

	p := h.lookup(key)
	if p == nil {
		httputil.NotFound(w, "unknown surface")
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("secret")), []byte(p.secret)) != 1 {
		httputil.Unauthorized(w, "")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("surface upgrade failed", "key", key, "error", err)
		return
	}
	if err := p.attach(conn); err != nil {
		h.logger.Debug("surface attach failed", "key", key, "error", err)
		conn.Close()
		return
	}
	h.logger.Debug("surface connected", "key", key, "remote", r.RemoteAddr)

	stop := make(chan struct{})
	if h.ping > 0 {
		go p.keepAlive(conn, h.ping, stop)
	}

	for {
		var env bridge.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			h.logger.Debug("surface disconnected", "key", key, "error", err)
			break
		}
		p.deliver(env)
	}
	close(stop)
	p.detach(conn)
}

// Port is the host end of one surface connection. Envelopes posted while no
// surface is connected are queued and flushed in order on connect; inbound
// envelopes are queued until a handler is registered.
type Port struct {
	hub    *Hub
	key    string
	secret string

	mu       sync.Mutex
	conn     *websocket.Conn
	outbox   []bridge.Envelope
	inbox    []bridge.Envelope
	handlers map[int]func(bridge.Envelope)
	nextID   int
	closed   bool

	writeMu   sync.Mutex
	deliverMu sync.Mutex
}

// Key returns the surface key the port serves.
func (p *Port) Key() string { return p.key }

// Endpoint returns the URL the surface page connects to.
func (p *Port) Endpoint() string {
	return p.hub.base + "/bridge/" + url.PathEscape(p.key) + "?secret=" + url.QueryEscape(p.secret)
}

// Post writes env to the connected surface, or queues it.
func (p *Port) Post(env bridge.Envelope) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return bridge.ErrClosed
	}
	conn := p.conn
	if conn == nil {
		p.outbox = append(p.outbox, env)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// OnMessage registers fn for inbound envelopes and hands it anything that
// arrived before the first handler. fn must not register further handlers.
func (p *Port) OnMessage(fn func(bridge.Envelope)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = fn
	p.mu.Unlock()

	p.deliverMu.Lock()
	p.mu.Lock()
	queued := p.inbox
	p.inbox = nil
	handlers := p.snapshotLocked()
	p.mu.Unlock()
	for _, env := range queued {
		for _, h := range handlers {
			h(env)
		}
	}
	p.deliverMu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// Close drops the connection and any queued messages. Idempotent.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.outbox = nil
	p.inbox = nil
	p.handlers = make(map[int]func(bridge.Envelope))
	p.mu.Unlock()

	p.hub.forget(p)
	if conn != nil {
		p.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "surface closed"),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		conn.Close()
	}
	return nil
}

// attach makes conn the live connection and flushes the outbox before any
// later Post can write.
func (p *Port) attach(conn *websocket.Conn) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return bridge.ErrClosed
	}
	old := p.conn
	p.conn = conn
	pending := p.outbox
	p.outbox = nil
	p.writeMu.Lock()
	p.mu.Unlock()

	var err error
	for i, env := range pending {
		if err = conn.WriteJSON(env); err != nil {
			p.mu.Lock()
			p.outbox = append(pending[i:len(pending):len(pending)], p.outbox...)
			p.mu.Unlock()
			break
		}
	}
	p.writeMu.Unlock()

	if old != nil {
		old.Close()
	}
	return err
}

func (p *Port) detach(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.Close()
}

func (p *Port) deliver(env bridge.Envelope) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.handlers) == 0 {
		p.inbox = append(p.inbox, env)
		p.mu.Unlock()
		return
	}
	handlers := p.snapshotLocked()
	p.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (p *Port) keepAlive(conn *websocket.Conn, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(every))
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (p *Port) snapshotLocked() []func(bridge.Envelope) {
	ids := make([]int, 0, len(p.handlers))
	for id := range p.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(bridge.Envelope), len(ids))
	for i, id := range ids {
		out[i] = p.handlers[id]
	}
	return out
}

func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isLoopbackIP(ip string) bool {
	if ip == "127.0.0.1" || strings.HasPrefix(ip, "127.") {
		return true
	}
	if ip == "::1" || strings.HasPrefix(ip, "::ffff:127.") {
		return true
	}
	return false
}
