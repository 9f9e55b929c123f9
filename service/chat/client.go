package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"Meower/service/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SessionState 连接状态机
type SessionState int32

const (
	StateNew SessionState = iota
	StateHandshaken
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaken:
		return "handshaken"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Identity is what a socket is bound to after authentication.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
	Token     string
	Invisible bool
}

// CloseReason describes how the writer ends a socket.
// Status, when set, is sent as a final statuscode frame; Code 0 skips the
// close control frame; Flush drains already queued frames first.
type CloseReason struct {
	Status string
	Code   int
	Text   string
	Flush  bool
}

// Client is one WebSocket. Proto and IP are fixed at accept.
type Client struct {
	ID          string
	Proto       int
	IP          string
	ConnectedAt time.Time

	conn    Conn
	codecs  *Codecs
	send    chan []byte
	done    chan struct{}
	stopped chan struct{}
	state   atomic.Int32

	closeOnce sync.Once
	reason    CloseReason

	mu       sync.RWMutex
	identity Identity
	lastSeen time.Time

	// guarded by Registry.mu
	subs map[string]subFlag

	authMu  sync.Mutex
	limiter *rate.Limiter

	writeTimeout time.Duration
	pingInterval time.Duration
	log          *zap.Logger
}

type clientOptions struct {
	sendQueue    int
	writeTimeout time.Duration
	pingInterval time.Duration
	rateLimit    float64
	rateBurst    int
}

func newClient(id string, conn Conn, proto int, ip string, cs *Codecs, o clientOptions, log *zap.Logger) *Client {
	now := time.Now()
	c := &Client{
		ID:           id,
		Proto:        proto,
		IP:           ip,
		ConnectedAt:  now,
		conn:         conn,
		codecs:       cs,
		send:         make(chan []byte, o.sendQueue),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		lastSeen:     now,
		writeTimeout: o.writeTimeout,
		pingInterval: o.pingInterval,
		log:          log.With(zap.String("conn", id), zap.Int("proto", proto), zap.String("ip", ip)),
	}
	if o.rateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(o.rateLimit), o.rateBurst)
	}
	return c
}

func (c *Client) State() SessionState { return SessionState(c.state.Load()) }

// advance moves the state forward only; Closed is terminal.
func (c *Client) advance(to SessionState) bool {
	for {
		cur := c.state.Load()
		if SessionState(cur) >= to {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

func (c *Client) Authenticated() bool { return c.State() == StateAuthenticated }

func (c *Client) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.UserID
}

func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.Username
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.SessionID
}

func (c *Client) Invisible() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.Invisible
}

func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// Allow takes one token from the inbound rate limiter.
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Send queues p for the writer without blocking. A full queue closes the
// socket with Disconnected; false means the frame was not queued.
func (c *Client) Send(p *Packet) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	data, ok := p.Bytes(c.Proto)
	if !ok {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		metrics.SendOverflows.Inc()
		c.log.Warn("send queue full, disconnecting", zap.String("cmd", p.Cmd))
		c.Close(CloseReason{Status: CodeDisconnected, Code: closePolicyViolation, Text: "send queue overflow"})
		return false
	}
}

func (c *Client) Reply(cmd string, val any, listener string) bool {
	return c.Send(c.codecs.Packet(cmd, val, listener))
}

// Status replies with the statuscode token for name.
func (c *Client) Status(name, listener string) bool {
	return c.Reply("statuscode", Statuscode(name), listener)
}

// Close is idempotent; the first reason wins.
func (c *Client) Close(r CloseReason) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.reason = r
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
	return first
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Stopped is closed once the writer has closed the underlying conn.
func (c *Client) Stopped() <-chan struct{} { return c.stopped }

func (c *Client) closeReason() CloseReason {
	<-c.done
	return c.reason
}
