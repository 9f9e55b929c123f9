package handlers

import (
	"Meower/service/chat"
	"Meower/tools/decode"
)

type subscribeReq struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// SubscribeHandler subscribe / unsubscribe {type, id?}; both are idempotent.
type SubscribeHandler struct {
	cmd   string
	unsub bool
}

func NewSubscribeHandler() chat.Handler   { return &SubscribeHandler{cmd: "subscribe"} }
func NewUnsubscribeHandler() chat.Handler { return &SubscribeHandler{cmd: "unsubscribe", unsub: true} }

func (h *SubscribeHandler) Cmd() string        { return h.cmd }
func (h *SubscribeHandler) RequiresAuth() bool { return true }

func (h *SubscribeHandler) Handle(ctx *chat.ChatContext, c *chat.Client, f *chat.Frame) error {
	req, err := decode.Decode[subscribeReq](f.Val, decode.WithWeaklyTypedInput(false))
	if err != nil {
		return chat.ErrDatatype.WrapMsg(err.Error())
	}
	if req.Type == "" {
		return chat.ErrSyntax.WrapMsg("subscription type missing")
	}
	if h.unsub {
		return ctx.S.Unsubscribe(c, req.Type, req.ID)
	}
	return ctx.S.Subscribe(c, req.Type, req.ID)
}
