package chat

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Meower/service/metrics"
	"Meower/service/restapi"
	"Meower/tools/errs"
	"Meower/tools/ids"
	"Meower/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	cmdUnknown   = "unknown"
	statusNoResp = "handled"
)

// HandleWS 升级连接并运行会话，直到连接关闭
func (s *Server) HandleWS(c *gin.Context) {
	if s.closing.Load() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	proto := ParseProto(c.Query("v"))
	ip := s.clientIP(c.Request)
	token := c.Query("token")

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader already wrote the HTTP error
		s.log.Debug("upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	s.ServeConn(ws, proto, ip, token)
}

func (s *Server) clientIP(r *http.Request) string {
	if h := s.opts.RealIPHeader; h != "" {
		if v := r.Header.Get(h); v != "" {
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			return strings.TrimSpace(v)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeConn runs one session on an accepted socket and returns once the
// socket is closed and released.
func (s *Server) ServeConn(conn Conn, proto int, ip, token string) {
	s.sessions.Add(1)
	defer s.sessions.Done()

	c := newClient(ids.GenerateString(), conn, proto, ip, s.codecs, clientOptions{
		sendQueue:    s.opts.SendQueue,
		writeTimeout: s.opts.WriteTimeout,
		pingInterval: s.opts.PingInterval,
		rateLimit:    s.opts.RateLimit,
		rateBurst:    s.opts.RateBurst,
	}, s.log)
	s.reg.Add(c)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.WithLabelValues(strconv.Itoa(proto)).Inc()
	c.log.Debug("accepted")

	safe.Go("ws.write", c.writePump)
	defer func() {
		s.release(c)
		<-c.Stopped()
	}()

	if s.closing.Load() {
		c.Close(CloseReason{Status: CodeDisconnected, Code: closeGoingAway, Text: "server shutting down"})
		return
	}

	s.greet(c)
	if token != "" {
		s.reply(c, "authpswd", "", s.Authenticate(c, "", token, ""))
	}
	c.readPump(s.opts.MaxFrameBytes, func(data []byte) { s.handleFrame(c, data) })
}

// greet sends the user list; v0 clients also get the handshake probe reply.
func (s *Server) greet(c *Client) {
	c.Reply("ulist", s.presence.Ulist(), "")
	if c.Proto == ProtoV0 {
		c.Status(CodeTAEnabled, "")
		c.Status(CodeOK, "")
	}
	c.advance(StateHandshaken)
}

func (s *Server) handleFrame(c *Client, data []byte) {
	if !c.Allow() {
		c.Status(CodeRateLimit, ListenerOf(data))
		metrics.Commands.WithLabelValues(cmdUnknown, CodeRateLimit).Inc()
		return
	}
	f, err := ParseFrame(data, c.Proto)
	if err != nil {
		code := errs.CodeOf(err, CodeSyntax)
		c.Status(code, ListenerOf(data))
		metrics.Commands.WithLabelValues(cmdUnknown, code).Inc()
		return
	}
	s.exec(c, f)
}

func (s *Server) exec(c *Client, f *Frame) {
	h, ok := s.router.Get(f.Cmd)
	if !ok {
		s.reply(c, cmdUnknown, f.Listener, ErrInvalid)
		return
	}
	if h.RequiresAuth() && !c.Authenticated() {
		s.reply(c, f.Cmd, f.Listener, ErrRefused)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err := errs.ErrPanic(r)
			c.log.Error("command panic", zap.String("cmd", f.Cmd), zap.Error(err))
			metrics.Commands.WithLabelValues(f.Cmd, CodeInternal).Inc()
			c.Close(CloseReason{Status: CodeInternal, Code: closeInternal, Text: "internal error"})
		}
	}()
	s.reply(c, f.Cmd, f.Listener, h.Handle(&ChatContext{S: s, Ctx: s.ctx}, c, f))
}

// reply turns a handler result into at most one statuscode frame.
func (s *Server) reply(c *Client, cmd, listener string, err error) {
	status := CodeOK
	switch {
	case err == nil:
		c.Status(CodeOK, listener)
	case errors.Is(err, ErrHandled):
		status = statusNoResp
	default:
		status = errs.CodeOf(err, CodeInternal)
		if status == CodeInternal {
			c.log.Error("command failed", zap.String("cmd", cmd), zap.Error(err))
		} else {
			c.log.Debug("command rejected", zap.String("cmd", cmd), zap.String("status", status), zap.Error(err))
		}
		c.Status(status, listener)
	}
	metrics.Commands.WithLabelValues(cmd, status).Inc()
}

// release runs once per socket after its read loop ends.
func (s *Server) release(c *Client) {
	c.Close(CloseReason{Code: closeNormal})
	res := s.reg.Remove(c)
	if !res.Removed {
		return
	}
	metrics.ConnectionsActive.WithLabelValues(strconv.Itoa(c.Proto)).Dec()
	metrics.Disconnects.WithLabelValues(disconnectReason(c.closeReason())).Inc()
	if !res.Unbound {
		return
	}
	metrics.AuthenticatedSockets.Dec()
	if res.Listed {
		s.presence.Changed()
	}
	s.logoutTouch(c)
	c.log.Info("signed off", zap.String("user", res.Username), zap.Duration("idle", time.Since(c.LastSeen())))
}

// logoutTouch lets the REST tier refresh last_seen for a closed session.
func (s *Server) logoutTouch(c *Client) {
	id := c.Identity()
	if id.Token == "" || s.api == nil {
		return
	}
	safe.Go("ws.logout", func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.APITimeout)
		defer cancel()
		if _, err := s.api.Me(ctx, restapi.Caller{IP: c.IP, Username: id.Username, Token: id.Token}); err != nil {
			s.log.Debug("logout touch failed", zap.String("user", id.Username), zap.Error(err))
		}
	})
}

func disconnectReason(r CloseReason) string {
	switch {
	case r.Status != "":
		return r.Status
	case r.Code == closeSessionRevoked:
		return "SessionRevoked"
	case r.Code != 0:
		return "closed"
	default:
		return "error"
	}
}
