package chat

import (
	"Meower/service/metrics"
	"Meower/tools/decode"

	"go.uber.org/zap"
)

// private fields removed from user_updated for anyone but the user
var privateUserFields = []string{"flags", "admin", "bot_session", "redirect_to", "delete_after", "email"}

var banActions = map[string]struct{}{
	"ban":      {},
	"perm_ban": {},
	"temp_ban": {},
	"banned":   {},
}

// Dispatcher routes one event to its recipient sockets.
type Dispatcher struct {
	reg    *Registry
	codecs *Codecs
	log    *zap.Logger
}

func NewDispatcher(reg *Registry, cs *Codecs, log *zap.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, codecs: cs, log: log}
}

// Dispatch returns the number of frames handed to sockets.
func (d *Dispatcher) Dispatch(e Event) int {
	n := d.route(e)
	metrics.EventsDispatched.WithLabelValues(e.Kind.String()).Inc()
	metrics.EventRecipients.Observe(float64(n))
	if e.Kind == KindUnknown {
		d.log.Debug("unroutable event", zap.String("event", e.Name))
	}
	return n
}

func (d *Dispatcher) route(e Event) int {
	switch e.Kind {
	case KindUserUpdated:
		return d.userUpdated(e)
	case KindSyncUpdated, KindNotification, KindSessionCreated, KindSessionUpdated,
		KindInfractionDeleted:
		return d.toUser(e)
	case KindSessionDeleted:
		return d.sessionDeleted(e)
	case KindInfraction:
		return d.infraction(e)
	case KindKickUser:
		return d.kickUser(e)
	case KindKickNetwork:
		return d.kickNetwork(e)
	case KindPostCreated:
		return d.send(d.reg.Subscribers(postOriginKey(e.Origin())), e)
	case KindPostOther:
		return d.postUpdate(e, false)
	case KindPostDeleted:
		return d.postUpdate(e, true)
	case KindChatCreated:
		return d.chatCreated(e)
	case KindChatUpdated, KindTyping, KindMessage:
		return d.send(d.reg.Subscribers(chatOrFeed(e.ChatID())), e)
	case KindChatDeleted:
		return d.chatDeleted(e)
	case KindDirect:
		return d.toUser(e)
	}
	return 0
}

func (d *Dispatcher) send(to []*Client, e Event) int {
	return d.sendPacket(to, d.codecs.Packet(e.Cmd(), e.Payload, ""))
}

func (d *Dispatcher) sendPacket(to []*Client, p *Packet) int {
	n := 0
	for _, c := range to {
		if c.Send(p) {
			n++
		}
	}
	return n
}

func (d *Dispatcher) toUser(e Event) int {
	id := e.UserID()
	if id == "" {
		return 0
	}
	return d.send(d.reg.UserSockets(id), e)
}

// userUpdated: full payload to the user's own sockets, public copy to
// other subscribers of user:<id>.
func (d *Dispatcher) userUpdated(e Event) int {
	id := e.UserID()
	if id == "" {
		return 0
	}
	var public *Packet
	full := d.codecs.Packet(e.Cmd(), e.Payload, "")
	n := 0
	for _, c := range d.reg.Subscribers(UserKey(id)) {
		p := full
		if c.UserID() != id {
			if public == nil {
				public = d.codecs.Packet(e.Cmd(), stripPrivate(e.Payload), "")
			}
			p = public
		}
		if c.Send(p) {
			n++
		}
	}
	return n
}

func stripPrivate(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	for _, k := range privateUserFields {
		delete(out, k)
	}
	return out
}

func (d *Dispatcher) sessionDeleted(e Event) int {
	id := e.UserID()
	if id == "" {
		return 0
	}
	to := d.reg.UserSockets(id)
	n := d.send(to, e)
	sid := decode.FirstString(e.Payload, "_id", "id")
	if sid == "" {
		return n
	}
	for _, c := range to {
		if c.SessionID() == sid {
			c.Close(CloseReason{Code: closeSessionRevoked, Text: "Session revoked", Flush: true})
		}
	}
	return n
}

func (d *Dispatcher) infraction(e Event) int {
	id := e.UserID()
	if id == "" {
		return 0
	}
	to := d.reg.UserSockets(id)
	n := d.send(to, e)
	if impliesBan(e.Payload) {
		d.log.Info("closing banned user sockets", zap.String("user", id), zap.Int("sockets", len(to)))
		for _, c := range to {
			c.Close(CloseReason{Status: CodeBanned, Code: closePolicyViolation, Text: "Banned", Flush: true})
		}
	}
	return n
}

func impliesBan(p map[string]any) bool {
	if _, ok := banActions[decode.FirstString(p, "action")]; ok {
		return true
	}
	if decode.ReadBool(p, "banned") {
		return true
	}
	if ban, ok := decode.AsMap(p["ban"]); ok {
		switch decode.FirstString(ban, "state") {
		case "perm_ban", "temp_ban":
			return true
		}
	}
	return false
}

func (d *Dispatcher) kickUser(e Event) int {
	id := e.UserID()
	if id == "" {
		return 0
	}
	to := d.reg.UserSockets(id)
	n := d.send(to, e)
	for _, c := range to {
		c.Close(CloseReason{Status: CodeKicked, Code: closePolicyViolation, Text: "Kicked", Flush: true})
	}
	return n
}

func (d *Dispatcher) kickNetwork(e Event) int {
	ip := decode.FirstString(e.Payload, "ip")
	if ip == "" {
		ip = e.Key
	}
	if ip == "" {
		return 0
	}
	to := d.reg.ByIP(ip)
	for _, c := range to {
		c.Close(CloseReason{Status: CodeBlocked, Code: closePolicyViolation, Text: "IP Blocked", Flush: true})
	}
	return len(to)
}

func postOriginKey(origin string) string {
	if origin == "" {
		return FeedKey
	}
	return chatOrFeed(origin)
}

// postUpdate delivers to the origin bucket and the per-post bucket, one
// frame per bucket.
func (d *Dispatcher) postUpdate(e Event, deleted bool) int {
	p := d.codecs.Packet(e.Cmd(), e.Payload, "")
	n := d.sendPacket(d.reg.Subscribers(postOriginKey(e.Origin())), p)
	postID := e.PostID()
	if postID == "" {
		return n
	}
	if deleted {
		return n + d.sendPacket(d.reg.DropKey(PostKey(postID)), p)
	}
	return n + d.sendPacket(d.reg.Subscribers(PostKey(postID)), p)
}

// chatCreated subscribes the member's sockets before sending, so the frame
// precedes any later event for the chat.
func (d *Dispatcher) chatCreated(e Event) int {
	member := e.Key
	if member == "" {
		member = decode.FirstString(e.Payload, "member", "user_id")
	}
	chatID := e.ChatID()
	if member == "" || chatID == "" {
		return 0
	}
	return d.send(d.reg.SubscribeUser(member, ChatKey(chatID)), e)
}

func (d *Dispatcher) chatDeleted(e Event) int {
	chatID := e.ChatID()
	if chatID == "" || chatOrFeed(chatID) == FeedKey {
		return 0
	}
	return d.send(d.reg.DropKey(ChatKey(chatID)), e)
}
