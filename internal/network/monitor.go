// Package network tracks whether the service can reach the weather API and
// notifies subscribers on online/offline transitions.
package network

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-offline-service/internal/observability"
)

// Monitor holds the current network state. It is fed by the Prober and by
// the host (POST /offline/network).
type Monitor struct {
	logger *zap.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor creates a Monitor starting in the given state.
func NewMonitor(online bool, logger *zap.Logger) *Monitor {
	observability.SetNetworkOnline(online)
	return &Monitor{
		logger: observability.OrNop(logger),
		online: online,
		subs:   make(map[int]chan bool),
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and notifies subscribers when it changes.
// It reports whether a transition happened.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	for _, ch := range m.subs {
		// Subscribers only need the latest state; replace any unread value.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	m.mu.Unlock()

	to := "offline"
	if online {
		to = "online"
	}
	observability.SetNetworkOnline(online)
	observability.NetworkTransitionsTotal.WithLabelValues(to).Inc()
	m.logger.Info("network state changed", zap.String("state", to))
	return true
}

// Subscribe returns a channel that receives the new state after each
// transition, and a func that unsubscribes and closes the channel.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}
