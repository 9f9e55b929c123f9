package chat

import (
	"encoding/json"

	"Meower/tools/decode"
)

// Frame is one inbound command.
type Frame struct {
	Cmd      string
	Val      any
	Listener string
}

// ParseFrame decodes {cmd, val, [listener]}. cmd and val must be present;
// v0 {cmd:"direct", val:{cmd, val}} is unwrapped into the inner command.
func ParseFrame(data []byte, proto int) (*Frame, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrSyntax.WrapMsg("bad json")
	}
	rawCmd, hasCmd := raw["cmd"]
	rawVal, hasVal := raw["val"]
	if !hasCmd || !hasVal {
		return nil, ErrSyntax.WrapMsg("cmd and val required")
	}

	f := &Frame{}
	if err := json.Unmarshal(rawCmd, &f.Cmd); err != nil {
		return nil, ErrDatatype.WrapMsg("cmd must be a string")
	}
	if f.Cmd == "" {
		return nil, ErrSyntax.WrapMsg("empty cmd")
	}
	if err := json.Unmarshal(rawVal, &f.Val); err != nil {
		return nil, ErrSyntax.WrapMsg("bad val")
	}
	if rawListener, ok := raw["listener"]; ok && string(rawListener) != "null" {
		if err := json.Unmarshal(rawListener, &f.Listener); err != nil {
			return nil, ErrDatatype.WrapMsg("listener must be a string")
		}
	}

	if proto == ProtoV0 && f.Cmd == "direct" {
		if inner, ok := decode.AsMap(f.Val); ok {
			if cmd, ok := inner["cmd"].(string); ok && cmd != "" {
				f.Cmd = cmd
				f.Val = inner["val"]
			}
		}
	}
	return f, nil
}

// ListenerOf best-effort extracts the listener from a frame that failed to parse.
func ListenerOf(data []byte) string {
	var probe struct {
		Listener any `json:"listener"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return ""
	}
	s, _ := probe.Listener.(string)
	return s
}
