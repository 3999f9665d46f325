// Package memory provides an in-process implementation of the messaging
// substrate. It offers a lightweight, non-persistent hub suitable for tests
// and single-node development where durability is not required.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/internal/transport"
)

// Hub routes stanzas between sessions opened in the same process.
type Hub struct {
	mu       sync.RWMutex
	sessions map[overlay.Address]*session
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[overlay.Address]*session)}
}

var _ transport.Transport = (*Hub)(nil)

// Open binds local to the hub. Inbound stanzas are drained by a single
// goroutine per session so handlers observe arrival order.
func (h *Hub) Open(ctx context.Context, local overlay.Address, handler transport.StanzaHandler) (transport.Session, error) {
	if handler == nil {
		return nil, fmt.Errorf("stanza handler cannot be nil")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sessions[local]; exists {
		return nil, fmt.Errorf("address %q already attached", local)
	}

	s := &session{
		hub:   h,
		local: local,
		inbox: make(chan transport.Stanza, 64),
		done:  make(chan struct{}),
	}
	h.sessions[local] = s

	go s.drain(handler)

	return s, nil
}

func (h *Hub) route(ctx context.Context, st transport.Stanza) error {
	h.mu.RLock()
	dst, ok := h.sessions[st.To]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no route to address %q", st.To)
	}

	select {
	case dst.inbox <- st:
		return nil
	case <-dst.done:
		return fmt.Errorf("address %q detached", st.To)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) detach(local overlay.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, local)
}

type session struct {
	hub   *Hub
	local overlay.Address

	inbox chan transport.Stanza

	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) drain(handler transport.StanzaHandler) {
	for {
		select {
		case st := <-s.inbox:
			handler(context.Background(), st)
		case <-s.done:
			return
		}
	}
}

// Send routes the stanza to its destination session.
func (s *session) Send(ctx context.Context, st transport.Stanza) error {
	if st.From == "" {
		st.From = s.local
	}
	return s.hub.route(ctx, st)
}

// Close detaches the session from the hub.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.hub.detach(s.local)
		close(s.done)
	})
	return nil
}
