// Package admin implements a read-only debug endpoint streaming
// registry provider up/down events to connected WebSocket clients, for
// an operator watching a live registry rather than any RPC consumer.
package admin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mercadocoro/corofiber/internal/logger"
	"github.com/mercadocoro/corofiber/internal/metrics"
	"github.com/mercadocoro/corofiber/internal/rpc/registry"
)

// Hub fans registry events out to every connected client.
type Hub struct {
	reg *registry.Registry

	clients    map[*Client]bool
	broadcast  chan registry.Event
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHub builds a hub that taps reg's observer hook.
func NewHub(reg *registry.Registry) *Hub {
	return &Hub{
		reg:        reg,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan registry.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopCh:     make(chan struct{}),
	}
}

// Run subscribes to the registry and starts the hub's dispatch loop.
func (h *Hub) Run(ctx context.Context) {
	unobserve := h.reg.Observe(func(ev registry.Event) {
		select {
		case h.broadcast <- ev:
		default:
			logger.WithComponent("rpc-admin").Warn().Msg("broadcast channel full, dropping event")
		}
	})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer unobserve()
		for {
			select {
			case <-ctx.Done():
				h.closeAllClients()
				return
			case <-h.stopCh:
				h.closeAllClients()
				return
			case client := <-h.register:
				h.mu.Lock()
				h.clients[client] = true
				n := len(h.clients)
				h.mu.Unlock()
				metrics.AdminConnections.Set(float64(n))

			case client := <-h.unregister:
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
				}
				n := len(h.clients)
				h.mu.Unlock()
				metrics.AdminConnections.Set(float64(n))

			case ev := <-h.broadcast:
				h.broadcastEvent(ev)
			}
		}
	}()
}

// Stop tears down the hub and waits for its loop to exit.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

// ClientCount returns the number of connected admin clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastEvent(ev registry.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
