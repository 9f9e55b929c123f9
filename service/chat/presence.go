package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"Meower/service/metrics"
	"Meower/tools/safe"

	"go.uber.org/zap"
)

const mirrorTimeout = 3 * time.Second

// Presence keeps the user list string and broadcasts it on change.
type Presence struct {
	mu     sync.Mutex
	reg    *Registry
	codecs *Codecs
	mirror PresenceMirror
	log    *zap.Logger

	ulist string
	names map[string]struct{}
	peak  int

	mirrorQ chan mirrorOp
}

func NewPresence(reg *Registry, cs *Codecs, mirror PresenceMirror, log *zap.Logger) *Presence {
	p := &Presence{
		reg:    reg,
		codecs: cs,
		mirror: mirror,
		log:    log,
		names:  map[string]struct{}{},
	}
	if mirror != nil {
		p.mirrorQ = make(chan mirrorOp, 1024)
	}
	return p
}

// Ulist is the last computed user list.
func (p *Presence) Ulist() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ulist
}

func (p *Presence) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Changed recomputes the user list and broadcasts it only if it differs
// from the last one sent. Returns whether a broadcast happened.
func (p *Presence) Changed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := p.reg.Listed()
	ulist := ""
	if len(names) > 0 {
		ulist = strings.Join(names, ";") + ";"
	}
	if ulist == p.ulist {
		return false
	}

	next := make(map[string]struct{}, len(names))
	var added, removed []string
	for _, n := range names {
		next[n] = struct{}{}
		if _, ok := p.names[n]; !ok {
			added = append(added, n)
		}
	}
	for n := range p.names {
		if _, ok := next[n]; !ok {
			removed = append(removed, n)
		}
	}
	p.ulist, p.names = ulist, next
	if len(names) > p.peak {
		p.peak = len(names)
		metrics.PeakUsers.Set(float64(p.peak))
	}
	metrics.ListedUsers.Set(float64(len(names)))

	pkt := p.codecs.Packet("ulist", ulist, "")
	for _, c := range p.reg.Subscribers(PresenceKey) {
		c.Send(pkt)
	}
	p.mirrorChanges(added, removed)
	return true
}

type mirrorOp struct {
	username string
	online   bool
}

// mirrorChanges queues transitions for RunMirror; drops when the queue is full.
func (p *Presence) mirrorChanges(added, removed []string) {
	if p.mirrorQ == nil {
		return
	}
	for _, n := range added {
		p.enqueueMirror(mirrorOp{username: n, online: true})
	}
	for _, n := range removed {
		p.enqueueMirror(mirrorOp{username: n})
	}
}

func (p *Presence) enqueueMirror(op mirrorOp) {
	select {
	case p.mirrorQ <- op:
	default:
		p.log.Warn("presence mirror queue full", zap.String("user", op.username))
	}
}

// RunMirror applies queued transitions in order and refreshes TTLs every
// interval until ctx is done.
func (p *Presence) RunMirror(ctx context.Context, interval time.Duration) {
	if p.mirror == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-p.mirrorQ:
			p.applyMirror(ctx, op)
		case <-t.C:
			names := p.reg.Listed()
			if len(names) == 0 {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
			if err := p.mirror.Refresh(rctx, names); err != nil {
				p.log.Warn("presence mirror refresh", zap.Error(err))
			}
			cancel()
		}
	}
}

func (p *Presence) applyMirror(ctx context.Context, op mirrorOp) {
	defer safe.Recover("presence.mirror")
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	var err error
	if op.online {
		err = p.mirror.Online(ctx, op.username)
	} else {
		err = p.mirror.Offline(ctx, op.username)
	}
	if err != nil {
		p.log.Warn("presence mirror", zap.String("user", op.username), zap.Bool("online", op.online), zap.Error(err))
	}
}
