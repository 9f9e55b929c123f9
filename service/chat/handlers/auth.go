package handlers

import (
	"Meower/service/chat"
	"Meower/tools/decode"

	"github.com/pkg/errors"
)

const (
	maxUsernameLen = 20
	maxTokenLen    = 255
)

// AuthHandler authpswd {username, pswd}; pswd is a session token.
type AuthHandler struct{}

func NewAuthHandler() chat.Handler { return &AuthHandler{} }

func (h *AuthHandler) Cmd() string        { return "authpswd" }
func (h *AuthHandler) RequiresAuth() bool { return false }

func (h *AuthHandler) Handle(ctx *chat.ChatContext, c *chat.Client, f *chat.Frame) error {
	if c.Authenticated() {
		return nil
	}
	val, ok := decode.AsMap(f.Val)
	if !ok {
		return chat.ErrDatatype.WrapMsg("authpswd val must be an object")
	}
	username, err := readField(val, "username")
	if err != nil {
		return err
	}
	token, err := readField(val, "pswd")
	if err != nil {
		return err
	}
	if len(username) > maxUsernameLen || len(token) > maxTokenLen {
		return chat.ErrSyntax.WrapMsg("authpswd field too long")
	}
	return ctx.S.Authenticate(c, username, token, f.Listener)
}

// readField maps decode errors to statuscodes: missing or empty is Syntax,
// wrong type is Datatype.
func readField(m map[string]any, key string) (string, error) {
	s, err := decode.ReadString(m, key)
	switch {
	case errors.Is(err, decode.ErrType):
		return "", chat.ErrDatatype.WrapMsg(key)
	case err != nil, s == "":
		return "", chat.ErrSyntax.WrapMsg(key)
	}
	return s, nil
}
