package chat

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"Meower/logger"
	"Meower/service/bus"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	NodeName        string
	SendQueue       int
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	PingInterval    time.Duration
	RateLimit       float64
	RateBurst       int
	RealIPHeader    string
	DispatchWorkers int
	DispatchQueue   int
	V0Allowlist     []string
	V0FilterWords   []string
	APITimeout      time.Duration
}

func (o *Options) norm() {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	if o.DispatchWorkers <= 0 {
		o.DispatchWorkers = 4
	}
	if o.DispatchQueue <= 0 {
		o.DispatchQueue = 1024
	}
	if o.APITimeout <= 0 {
		o.APITimeout = 10 * time.Second
	}
}

// Server 网关：注册表、编解码、分发、会话
type Server struct {
	opts     Options
	reg      *Registry
	codecs   *Codecs
	presence *Presence
	disp     *Dispatcher
	fanout   *Fanout
	router   *CmdRouter
	api      AccountAPI
	pub      Publisher
	upgrader websocket.Upgrader
	log      *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	closing  atomic.Bool
	fanMu    sync.RWMutex
	sessions sync.WaitGroup
}

func NewServer(opts Options, api AccountAPI, pub Publisher, mirror PresenceMirror) *Server {
	opts.norm()
	log := logger.Named("chat")
	reg := NewRegistry()
	cs := NewCodecs(opts.V0Allowlist, opts.V0FilterWords)
	disp := NewDispatcher(reg, cs, log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		reg:      reg,
		codecs:   cs,
		presence: NewPresence(reg, cs, mirror, log),
		disp:     disp,
		fanout:   NewFanout(disp, opts.DispatchWorkers, opts.DispatchQueue),
		router:   NewCmdRouter(),
		api:      api,
		pub:      pub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origin is checked by middleware on the route
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) Registry() *Registry      { return s.reg }
func (s *Server) Presence() *Presence      { return s.presence }
func (s *Server) Codecs() *Codecs          { return s.codecs }
func (s *Server) Options() Options         { return s.opts }
func (s *Server) Register(h Handler)       { s.router.Register(h) }
func (s *Server) Commands() []string       { return s.router.Cmds() }
func (s *Server) Context() context.Context { return s.ctx }

// Start launches the dispatcher shards.
func (s *Server) Start() {
	s.fanout.Start()
}

// HandleBus is the bus subscriber: every message becomes one dispatched event.
func (s *Server) HandleBus(ctx context.Context, msg bus.Message) {
	s.fanMu.RLock()
	defer s.fanMu.RUnlock()
	if s.closing.Load() {
		return
	}
	if err := s.fanout.Submit(ctx, EventFromBus(msg)); err != nil {
		s.log.Warn("event dropped", zap.String("event", msg.Event), zap.Error(err))
	}
}

// Publish forwards to the bus; a nil publisher drops silently.
func (s *Server) Publish(event, key string, payload map[string]any) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(event, key, payload)
}

// Subscribe inserts c into the key for a subscribe request.
func (s *Server) Subscribe(c *Client, typ, id string) error {
	key, err := SubscriptionKey(typ, id)
	if err != nil {
		return err
	}
	if !s.reg.Subscribe(c, key) {
		return ErrHandled
	}
	return nil
}

func (s *Server) Unsubscribe(c *Client, typ, id string) error {
	key, err := SubscriptionKey(typ, id)
	if err != nil {
		return err
	}
	s.reg.Unsubscribe(c, key)
	return nil
}

type Stats struct {
	Node          string   `json:"node"`
	Connections   int      `json:"connections"`
	Authenticated int      `json:"authenticated"`
	Users         int      `json:"users"`
	Listed        int      `json:"listed"`
	Peak          int      `json:"peak"`
	Keys          int      `json:"keys"`
	Commands      []string `json:"commands"`
}

func (s *Server) Stats() Stats {
	rs := s.reg.Stats()
	return Stats{
		Node:          s.opts.NodeName,
		Connections:   rs.Connections,
		Authenticated: rs.Authenticated,
		Users:         rs.Users,
		Listed:        len(s.reg.Listed()),
		Peak:          s.presence.Peak(),
		Keys:          rs.Keys,
		Commands:      s.Commands(),
	}
}

// LocalOnline reports whether username has an authenticated socket here.
func (s *Server) LocalOnline(username string) bool {
	return len(s.reg.NameSockets(username)) > 0
}

// Shutdown closes every socket with Disconnected, waits for the sessions
// to end (or ctx), then stops the dispatcher.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	for _, c := range s.reg.All() {
		c.Close(CloseReason{Status: CodeDisconnected, Code: closeGoingAway, Text: "server shutting down"})
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.cancel()
	s.fanMu.Lock()
	s.fanout.Stop()
	s.fanMu.Unlock()
	return err
}
