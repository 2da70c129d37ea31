package sfu

import (
	"sync"
)

// RelayManager indexes the producers of one router by id, so a consumer can
// only subscribe to producers of its own room.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Producer
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Producer),
	}
}

func (m *RelayManager) Register(p *Producer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relays[p.id] = p
}

func (m *RelayManager) Get(id string) (*Producer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.relays[id]
	return p, ok
}

func (m *RelayManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relays, id)
}

func (m *RelayManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}

// StopAll closes every registered producer.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	producers := make([]*Producer, 0, len(m.relays))
	for _, p := range m.relays {
		producers = append(producers, p)
	}
	m.relays = make(map[string]*Producer)
	m.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
}
