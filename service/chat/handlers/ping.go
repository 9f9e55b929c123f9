package handlers

import (
	"Meower/service/chat"
)

// PingHandler 心跳：回 OK
type PingHandler struct{}

func NewPingHandler() chat.Handler { return &PingHandler{} }

func (h *PingHandler) Cmd() string        { return "ping" }
func (h *PingHandler) RequiresAuth() bool { return false }

func (h *PingHandler) Handle(_ *chat.ChatContext, _ *chat.Client, _ *chat.Frame) error {
	return nil
}
