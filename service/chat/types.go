package chat

import (
	"context"
	"time"

	"Meower/service/restapi"
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Handler serves one inbound cmd.
type Handler interface {
	Cmd() string
	RequiresAuth() bool
	// Handle returns nil for an OK reply, a CodeError for an error statuscode,
	// or ErrHandled when it already answered the client.
	Handle(ctx *ChatContext, c *Client, f *Frame) error
}

type ChatContext struct {
	S   *Server
	Ctx context.Context
}

// AccountAPI is the REST tier as the session sees it.
type AccountAPI interface {
	Me(ctx context.Context, who restapi.Caller) (map[string]any, error)
	Relationships(ctx context.Context, who restapi.Caller) ([]any, error)
	Chats(ctx context.Context, who restapi.Caller) ([]any, error)
}

// Publisher is the outbound side of the event bus.
type Publisher interface {
	Publish(event, key string, payload map[string]any)
}

// PresenceMirror records first-add / last-remove outside the process.
type PresenceMirror interface {
	Online(ctx context.Context, username string) error
	Offline(ctx context.Context, username string) error
	Refresh(ctx context.Context, usernames []string) error
}
