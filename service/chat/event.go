package chat

import (
	"strings"

	"Meower/service/bus"
	"Meower/tools/decode"
)

// EventKind is the routing class of a bus event.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindUserUpdated
	KindSyncUpdated
	KindNotification
	KindSessionCreated
	KindSessionUpdated
	KindSessionDeleted
	KindInfraction
	KindInfractionDeleted
	KindKickUser
	KindKickNetwork
	KindPostCreated
	KindPostDeleted
	KindPostOther
	KindChatCreated
	KindChatUpdated
	KindChatDeleted
	KindTyping
	KindMessage
	KindDirect
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	KindUserUpdated:       "user_updated",
	KindSyncUpdated:       "sync_updated",
	KindNotification:      "notification",
	KindSessionCreated:    "session_created",
	KindSessionUpdated:    "session_updated",
	KindSessionDeleted:    "session_deleted",
	KindInfraction:        "infraction",
	KindInfractionDeleted: "infraction_deleted",
	KindKickUser:          "kick_user",
	KindKickNetwork:       "kick_network",
	KindPostCreated:       "post_created",
	KindPostDeleted:       "post_deleted",
	KindPostOther:         "post",
	KindChatCreated:       "chat_created",
	KindChatUpdated:       "chat_updated",
	KindChatDeleted:       "chat_deleted",
	KindTyping:            "typing",
	KindMessage:           "message",
	KindDirect:            "cl_direct",
}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// exact names win over prefixes; legacy aliases route like their modern kind.
var exactKinds = map[string]EventKind{
	"user_updated":       KindUserUpdated,
	"sync_updated":       KindSyncUpdated,
	"session_created":    KindSessionCreated,
	"session_updated":    KindSessionUpdated,
	"session_deleted":    KindSessionDeleted,
	"infraction_deleted": KindInfractionDeleted,
	"kick_user":          KindKickUser,
	"kick_network":       KindKickNetwork,
	"post":               KindPostCreated,
	"post_created":       KindPostCreated,
	"post_deleted":       KindPostDeleted,
	"delete_post":        KindPostDeleted,
	"chat_created":       KindChatCreated,
	"chat_updated":       KindChatUpdated,
	"chat_deleted":       KindChatDeleted,
	"delete_chat":        KindChatDeleted,
	"typing":             KindTyping,
	"typing_start":       KindTyping,
	"cl_direct":          KindDirect,
}

var prefixKinds = []struct {
	prefix string
	kind   EventKind
}{
	{"notification_", KindNotification},
	{"infraction_", KindInfraction},
	{"message_", KindMessage},
	{"post_", KindPostOther},
}

func ParseEventKind(name string) EventKind {
	if k, ok := exactKinds[name]; ok {
		return k
	}
	for _, p := range prefixKinds {
		if strings.HasPrefix(name, p.prefix) {
			return p.kind
		}
	}
	return KindUnknown
}

// Event is one bus record tagged with its kind; it lives for one dispatch.
type Event struct {
	Kind    EventKind
	Name    string
	Key     string
	Payload map[string]any
}

func EventFromBus(m bus.Message) Event {
	return Event{
		Kind:    ParseEventKind(m.Event),
		Name:    m.Event,
		Key:     m.KeyString(),
		Payload: m.Payload,
	}
}

// Cmd is the frame cmd clients see.
func (e Event) Cmd() string {
	if e.Kind == KindDirect {
		return "direct"
	}
	return e.Name
}

// UserID is the addressed user: the key, else a payload id.
func (e Event) UserID() string {
	if e.Key != "" {
		return e.Key
	}
	return decode.FirstString(e.Payload, "user_id", "user", "_id", "id")
}

// ChatID resolves the chat an event belongs to.
func (e Event) ChatID() string {
	switch e.Kind {
	case KindChatCreated:
		// key is the new member
		return decode.FirstString(e.Payload, "chat_id", "_id", "id")
	}
	if e.Key != "" {
		return e.Key
	}
	return decode.FirstString(e.Payload, "chat_id", "_id", "id")
}

// Origin is post_origin for post events ("home" or a chat id).
func (e Event) Origin() string {
	if o := decode.FirstString(e.Payload, "post_origin", "origin"); o != "" {
		return o
	}
	return e.Key
}

func (e Event) PostID() string {
	return decode.FirstString(e.Payload, "post_id", "_id", "id")
}

// shard groups events that must keep their relative order.
func (e Event) shard() string {
	switch e.Kind {
	case KindChatCreated, KindChatUpdated, KindChatDeleted, KindTyping, KindMessage:
		return "chat:" + e.ChatID()
	case KindPostCreated, KindPostDeleted, KindPostOther:
		return "origin:" + e.Origin()
	case KindKickNetwork:
		return "ip:" + decode.FirstString(e.Payload, "ip")
	}
	return "user:" + e.UserID()
}
