package bus

import (
	"context"
	"sync"
)

// MemoryHub is an in-process channel; every driver attached to the same hub
// sees every message, like separate gateway nodes on one Redis channel.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[*memorySub]struct{}
}

type memorySub struct {
	ch chan []byte
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*memorySub]struct{})}
}

func (h *MemoryHub) Driver() *MemoryDriver {
	return &MemoryDriver{hub: h, closed: make(chan struct{})}
}

type MemoryDriver struct {
	hub       *MemoryHub
	closed    chan struct{}
	closeOnce sync.Once
}

func (d *MemoryDriver) Name() string { return "memory" }

func (d *MemoryDriver) Publish(ctx context.Context, _ string, data []byte) error {
	d.hub.mu.RLock()
	subs := make([]*memorySub, 0, len(d.hub.subs))
	for s := range d.hub.subs {
		subs = append(subs, s)
	}
	d.hub.mu.RUnlock()

	for _, s := range subs {
		buf := append([]byte(nil), data...)
		select {
		case s.ch <- buf:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *MemoryDriver) Run(ctx context.Context, fn func([]byte)) error {
	s := &memorySub{ch: make(chan []byte, 256)}
	d.hub.mu.Lock()
	d.hub.subs[s] = struct{}{}
	d.hub.mu.Unlock()
	defer func() {
		d.hub.mu.Lock()
		delete(d.hub.subs, s)
		d.hub.mu.Unlock()
	}()

	for {
		select {
		case data := <-s.ch:
			fn(data)
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closed:
			return nil
		}
	}
}

func (d *MemoryDriver) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}
