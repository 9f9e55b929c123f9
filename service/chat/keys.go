package chat

const (
	FeedKey     = "feed:all"
	PresenceKey = "presence"

	maxKeyIDLen = 64
)

func UserKey(id string) string { return "user:" + id }
func ChatKey(id string) string { return "chat:" + id }
func PostKey(id string) string { return "post:" + id }

// chatOrFeed maps the pseudo chat "home" to the public feed.
func chatOrFeed(chatID string) string {
	if chatID == "home" || chatID == "livechat" {
		return FeedKey
	}
	return ChatKey(chatID)
}

// SubscriptionKey resolves a client subscribe request {type, id}.
func SubscriptionKey(typ, id string) (string, error) {
	if typ == "new_posts" {
		return FeedKey, nil
	}
	var build func(string) string
	switch typ {
	case "users":
		build = UserKey
	case "posts", "comments":
		build = PostKey
	case "chats":
		build = chatOrFeed
	default:
		return "", ErrInvalid.WrapMsg("subscription type", "type", typ)
	}
	if id == "" {
		return "", ErrSyntax.WrapMsg("subscription id missing", "type", typ)
	}
	if len(id) > maxKeyIDLen {
		return "", ErrTooLarge.WrapMsg("subscription id", "len", len(id))
	}
	return build(id), nil
}
