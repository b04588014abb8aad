package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gsvhq/gsv/internal/protocol"
)

// Peer modes.
const (
	ModeClient  = "client"
	ModeNode    = "node"
	ModeChannel = "channel"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	sendBufferSize = 64
	maxFrameSize   = 64 << 20
)

type outbound struct {
	messageType int // websocket.TextMessage or BinaryMessage
	data        []byte
}

// peer is one connected WebSocket, in any mode. Identity fields are set
// by the connect handshake, which a live socket may re-run to change
// its registration.
type peer struct {
	gen  uint64 // registry generation, for stale-close detection
	conn *websocket.Conn

	id        string
	mode      string
	channel   string
	accountID string
	platform  string
	version   string
	connected bool

	sendMu sync.Mutex
	send   chan outbound
	closed bool

	seqMu sync.Mutex
	seq   int64

	done chan struct{}
}

func newPeer(conn *websocket.Conn, gen uint64) *peer {
	return &peer{
		gen:  gen,
		conn: conn,
		send: make(chan outbound, sendBufferSize),
		done: make(chan struct{}),
	}
}

// enqueue hands a raw message to the write loop. Returns an error when
// the socket is closed or its buffer is full (slow consumer).
func (p *peer) enqueue(messageType int, data []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed {
		return fmt.Errorf("socket closed")
	}
	select {
	case p.send <- outbound{messageType: messageType, data: data}:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// sendFrame marshals and enqueues a text frame.
func (p *peer) sendFrame(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return p.enqueue(websocket.TextMessage, data)
}

// sendEvent enqueues an event frame with this socket's next sequence
// number. Ordering is per socket.
func (p *peer) sendEvent(event string, payload any) error {
	f := protocol.Event(event, payload)
	p.seqMu.Lock()
	p.seq++
	seq := p.seq
	p.seqMu.Unlock()
	f.Seq = &seq
	return p.sendFrame(f)
}

// closeSend stops accepting outbound messages and wakes the write loop.
func (p *peer) closeSend() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// closeWith writes a close control frame and tears the socket down.
func (p *peer) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = p.conn.Close()
}

// writeLoop drains the send channel onto the wire, pinging idle peers.
func (p *peer) writeLoop(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case out, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := p.conn.WriteMessage(out.messageType, out.data); err != nil {
				logger.Debug("socket write failed", "peer_id", p.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// registry tracks connected peers by identity. A new connection with an
// existing identity replaces the old one; the stale socket's later
// disconnect must not evict its replacement.
type registry struct {
	mu       sync.Mutex
	nextGen  uint64
	clients  map[string]*peer
	nodes    map[string]*peer
	channels map[string]*peer // channel|accountId
}

func newConnRegistry() *registry {
	return &registry{
		clients:  make(map[string]*peer),
		nodes:    make(map[string]*peer),
		channels: make(map[string]*peer),
	}
}

func (r *registry) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGen++
	return r.nextGen
}

func channelPeerKey(channel, accountID string) string {
	return channel + "|" + accountID
}

func (r *registry) slot(p *peer) (map[string]*peer, string) {
	switch p.mode {
	case ModeNode:
		return r.nodes, p.id
	case ModeChannel:
		return r.channels, channelPeerKey(p.channel, p.accountID)
	default:
		return r.clients, p.id
	}
}

// register installs a handshaken peer, returning any replaced socket.
func (r *registry) register(p *peer) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, key := r.slot(p)
	old := m[key]
	m[key] = p
	return old
}

// unregister removes a peer only if it is still the registered socket
// for its identity. Returns false for stale closes.
func (r *registry) unregister(p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, key := r.slot(p)
	current, ok := m[key]
	if !ok || current.gen != p.gen {
		return false
	}
	delete(m, key)
	return true
}

func (r *registry) client(id string) (*peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.clients[id]
	return p, ok
}

func (r *registry) node(id string) (*peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.nodes[id]
	return p, ok
}

func (r *registry) channelPeer(channel, accountID string) (*peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.channels[channelPeerKey(channel, accountID)]
	return p, ok
}

func (r *registry) allClients() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.clients))
	for _, p := range r.clients {
		out = append(out, p)
	}
	return out
}

func (r *registry) nodeIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	return out
}

func (r *registry) allPeers() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.clients)+len(r.nodes)+len(r.channels))
	for _, p := range r.clients {
		out = append(out, p)
	}
	for _, p := range r.nodes {
		out = append(out, p)
	}
	for _, p := range r.channels {
		out = append(out, p)
	}
	return out
}
