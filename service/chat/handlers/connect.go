package handlers

import (
	"Meower/service/chat"
)

// legacy clients probe the server with these before authenticating
var probeCmds = []string{"handshake", "type", "ip", "version_chk"}

// ProbeHandler answers a v0 handshake probe with OK.
type ProbeHandler struct{ cmd string }

func NewProbeHandler(cmd string) chat.Handler { return &ProbeHandler{cmd: cmd} }

func (h *ProbeHandler) Cmd() string        { return h.cmd }
func (h *ProbeHandler) RequiresAuth() bool { return false }

func (h *ProbeHandler) Handle(_ *chat.ChatContext, _ *chat.Client, _ *chat.Frame) error {
	return nil
}
