package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/types"
)

const (
	// sessionBuffer bounds the per-session outbound queue; a session that
	// cannot drain it is dropped
	sessionBuffer = 64
	writeWait     = 10 * time.Second
)

// Hub tracks live websocket sessions and routes payloads to the sessions
// subscribed to an address.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[*Session]bool)}
}

// Attach registers a new session for the given connection. The connection
// may be nil in tests; messages then accumulate on the session channel.
func (h *Hub) Attach(conn *websocket.Conn) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sessionBuffer),
		addresses: make(map[common.Address]bool),
	}
	h.mu.Lock()
	h.sessions[s] = true
	h.mu.Unlock()
	return s
}

// Detach removes a session and closes its outbound queue.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	if h.sessions[s] {
		delete(h.sessions, s)
		close(s.send)
	}
	h.mu.Unlock()
}

// Notify sends a payload to every session subscribed to the address, as a
// JSON-RPC notification.
func (h *Hub) Notify(addr common.Address, payload any) {
	msg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscription",
		"params": map[string]any{
			"subscription": types.AddressHex(addr),
			"message":      payload,
		},
	})
	if err != nil {
		log.Errorw(err, "failed to encode websocket notification")
		return
	}
	h.mu.RLock()
	var overrun []*Session
	for s := range h.sessions {
		if !s.subscribed(addr) {
			continue
		}
		select {
		case s.send <- msg:
		default:
			overrun = append(overrun, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range overrun {
		log.Warnw("dropping slow websocket session", "session", s.ID)
		h.Detach(s)
	}
}

// Session is one websocket client with its set of watched addresses.
type Session struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu        sync.RWMutex
	addresses map[common.Address]bool
}

// Subscribe adds addresses to the session's watch set.
func (s *Session) Subscribe(addrs ...common.Address) {
	s.mu.Lock()
	for _, a := range addrs {
		s.addresses[a] = true
	}
	s.mu.Unlock()
}

// Unsubscribe removes addresses from the session's watch set.
func (s *Session) Unsubscribe(addrs ...common.Address) {
	s.mu.Lock()
	for _, a := range addrs {
		delete(s.addresses, a)
	}
	s.mu.Unlock()
}

// Subscriptions lists the watched addresses.
func (s *Session) Subscriptions() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]common.Address, 0, len(s.addresses))
	for a := range s.addresses {
		addrs = append(addrs, a)
	}
	return addrs
}

func (s *Session) subscribed(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addresses[addr]
}

// Send enqueues a raw message on the session's outbound queue. It reports
// false when the queue is full.
func (s *Session) Send(msg []byte) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Messages exposes the outbound queue, consumed by WritePump or by tests.
func (s *Session) Messages() <-chan []byte {
	return s.send
}

// WritePump drains the outbound queue into the connection. It returns when
// the session is detached or the connection fails.
func (s *Session) WritePump() {
	for msg := range s.send {
		if s.conn == nil {
			continue
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
