package chat

import (
	"testing"

	"Meower/service/bus"

	"github.com/stretchr/testify/assert"
)

func TestParseEventKind(t *testing.T) {
	cases := map[string]EventKind{
		"post":                       KindPostCreated,
		"post_created":               KindPostCreated,
		"post_updated":               KindPostOther,
		"delete_post":                KindPostDeleted,
		"typing":                     KindTyping,
		"typing_start":               KindTyping,
		"delete_chat":                KindChatDeleted,
		"message_created":            KindMessage,
		"notification_count_updated": KindNotification,
		"infraction_created":         KindInfraction,
		"infraction_deleted":         KindInfractionDeleted,
		"cl_direct":                  KindDirect,
		"nonsense":                   KindUnknown,
	}
	for name, want := range cases {
		assert.Equal(t, want, ParseEventKind(name), name)
	}
}

func TestEventAccessors(t *testing.T) {
	e := EventFromBus(bus.NewMessage("chat_created", "u1", map[string]any{"_id": "c1"}))
	assert.Equal(t, "u1", e.UserID())
	assert.Equal(t, "c1", e.ChatID())
	assert.Equal(t, "chat:c1", e.shard())

	e = EventFromBus(bus.NewMessage("typing", "", map[string]any{"chat_id": "c2"}))
	assert.Equal(t, "c2", e.ChatID())

	e = EventFromBus(bus.NewMessage("cl_direct", "u2", nil))
	assert.Equal(t, "direct", e.Cmd())
	assert.Equal(t, "user:u2", e.shard())

	e = EventFromBus(bus.NewMessage("post", "", map[string]any{"post_origin": "home", "_id": "p"}))
	assert.Equal(t, "home", e.Origin())
	assert.Equal(t, "p", e.PostID())
	assert.Equal(t, "origin:home", e.shard())
}
