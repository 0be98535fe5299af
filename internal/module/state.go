package module

import (
	"sync"

	"github.com/plexmem/plexmem/pkg/models"
)

// syncedConfig holds the live configuration; reads vastly outnumber
// the occasional OnConfigUpdate write.
type syncedConfig struct {
	mu  sync.RWMutex
	cfg models.ModuleConfig
}

func (c *syncedConfig) get() models.ModuleConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *syncedConfig) set(cfg models.ModuleConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// syncedPeers holds handles to connected modules, wired by the loader.
type syncedPeers struct {
	mu    sync.RWMutex
	peers map[string]Module
}

func (p *syncedPeers) get(id string) (Module, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.peers[id]
	return m, ok
}

func (p *syncedPeers) set(id string, m Module) {
	p.mu.Lock()
	if p.peers == nil {
		p.peers = make(map[string]Module)
	}
	p.peers[id] = m
	p.mu.Unlock()
}
