package handlers

import (
	"Meower/service/chat"
	"Meower/tools/decode"
)

const directEvent = "cl_direct"

// DirectHandler forwards an opaque payload to user <id> over the bus with
// the sender attached as origin. No authorization beyond being signed in.
type DirectHandler struct{}

func NewDirectHandler() chat.Handler { return &DirectHandler{} }

func (h *DirectHandler) Cmd() string        { return "direct" }
func (h *DirectHandler) RequiresAuth() bool { return true }

func (h *DirectHandler) Handle(ctx *chat.ChatContext, c *chat.Client, f *chat.Frame) error {
	val, ok := decode.AsMap(f.Val)
	if !ok {
		return chat.ErrDatatype.WrapMsg("direct val must be an object")
	}
	id, err := readField(val, "id")
	if err != nil {
		return err
	}
	payload := make(map[string]any, len(val)+1)
	for k, v := range val {
		payload[k] = v
	}
	payload["origin"] = c.UserID()
	ctx.S.Publish(directEvent, id, payload)
	return nil
}
