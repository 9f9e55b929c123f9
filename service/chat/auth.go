package chat

import (
	"context"
	"strings"
	"time"

	"Meower/service/metrics"
	"Meower/service/restapi"
	"Meower/tools/decode"
	"Meower/tools/errs"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	relFollowing = 1
	relBlocked   = 2
)

// Authenticate resolves token through the REST tier, binds c and sends the
// auth snapshot. An already authenticated socket is a no-op. Errors carry
// the statuscode to reply with; a repair-mode kick returns ErrHandled.
func (s *Server) Authenticate(c *Client, username, token, listener string) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	switch c.State() {
	case StateAuthenticated:
		return nil
	case StateClosed:
		return ErrHandled
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.APITimeout)
	defer cancel()

	who := restapi.Caller{IP: c.IP, Username: username, Token: token}
	me, err := s.api.Me(ctx, who)
	if err != nil {
		return s.authFailure(c, err)
	}
	id := identityFrom(me, token)
	if id.UserID == "" || id.Username == "" {
		return ErrInternal.WrapMsg("account without id")
	}
	if username != "" && !strings.EqualFold(username, id.Username) {
		return ErrPasswordInvalid.WrapMsg("username mismatch")
	}
	who.Username = id.Username

	var rels, chats []any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rels, err = s.api.Relationships(gctx, who)
		return err
	})
	g.Go(func() error {
		var err error
		chats, err = s.api.Chats(gctx, who)
		return err
	})
	if err := g.Wait(); err != nil {
		return s.authFailure(c, err)
	}

	keys := []string{UserKey(id.UserID), FeedKey}
	for _, ch := range chats {
		if m, ok := decode.AsMap(ch); ok {
			if chatID := decode.FirstString(m, "_id", "id", "chat_id"); chatID != "" {
				keys = append(keys, ChatKey(chatID))
			}
		}
	}
	if _, err := s.reg.BindUser(c, id, keys...); err != nil {
		return ErrHandled
	}

	following, blocked := splitRelationships(rels)
	val := map[string]any{
		"username":      id.Username,
		"user_id":       id.UserID,
		"token":         token,
		"account":       me,
		"relationships": rels,
		"following":     following,
		"blocked":       blocked,
		"moderation":    moderationOf(me),
		"took_ms":       time.Since(start).Milliseconds(),
	}
	if c.Proto == ProtoV1 {
		val["chats"] = chats
	}
	c.Reply(CmdReady, val, listener)
	s.presence.Changed()
	metrics.AuthenticatedSockets.Inc()
	c.log.Info("authenticated", zap.String("user", id.Username), zap.Int("chats", len(chats)), zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Server) authFailure(c *Client, err error) error {
	code, kick := apiFailure(err)
	if kick {
		c.log.Info("repair mode, kicking")
		c.Close(CloseReason{Status: CodeKicked, Code: closeNormal, Text: "Kicked", Flush: true})
		return ErrHandled
	}
	if code == CodeInternal {
		c.log.Error("auth failed", zap.Error(err))
	} else {
		c.log.Debug("auth refused", zap.String("status", code), zap.Error(err))
	}
	return errs.NewCodeError(code, "authentication failed").WrapMsg(err.Error())
}

func identityFrom(me map[string]any, token string) Identity {
	id := Identity{
		UserID:    decode.FirstString(me, "_id", "id", "user_id"),
		Username:  strings.ToLower(decode.FirstString(me, "lower_username", "username")),
		Token:     token,
		Invisible: decode.ReadBool(me, "invisible"),
		SessionID: decode.FirstString(me, "session_id"),
	}
	if id.SessionID == "" {
		if sess, ok := decode.AsMap(me["session"]); ok {
			id.SessionID = decode.FirstString(sess, "_id", "id")
		}
	}
	return id
}

// splitRelationships returns followed and blocked ids by relationship state.
func splitRelationships(rels []any) (following, blocked []string) {
	following, blocked = []string{}, []string{}
	for _, r := range rels {
		m, ok := decode.AsMap(r)
		if !ok {
			continue
		}
		who := decode.FirstString(m, "user_id", "_id", "username")
		if who == "" {
			continue
		}
		state, _ := decode.ReadInt64(m, "state")
		switch state {
		case relFollowing:
			following = append(following, who)
		case relBlocked:
			blocked = append(blocked, who)
		}
	}
	return following, blocked
}

func moderationOf(me map[string]any) map[string]any {
	out := map[string]any{}
	if ban, ok := decode.AsMap(me["ban"]); ok {
		out["ban"] = ban
	}
	if inf := decode.ReadSlice(me, "infractions"); inf != nil {
		out["infractions"] = inf
	}
	return out
}
