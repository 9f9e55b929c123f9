package chat

import (
	"sort"
	"sync"
)

// CmdRouter maps inbound cmd names to handlers.
type CmdRouter struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewCmdRouter() *CmdRouter {
	return &CmdRouter{handlers: make(map[string]Handler)}
}

// Register replaces any handler already bound to h.Cmd().
func (r *CmdRouter) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Cmd()] = h
}

func (r *CmdRouter) Get(cmd string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[cmd]
	return h, ok
}

func (r *CmdRouter) Cmds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
