package chat

import (
	"encoding/json"
	"strconv"
	"sync"

	"Meower/logger"
	"Meower/tools/decode"

	"go.uber.org/zap"
)

const (
	ProtoV0 = 0
	ProtoV1 = 1
)

// CmdReady carries the login snapshot.
const CmdReady = "ready"

// ParseProto reads the ?v= query value; absent or non-numeric is v0.
func ParseProto(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < ProtoV1 {
		return ProtoV0
	}
	return ProtoV1
}

type frame struct {
	Cmd      string `json:"cmd"`
	Val      any    `json:"val"`
	Listener string `json:"listener,omitempty"`
}

// Codecs turns one internal event into v0 and v1 frames. No I/O.
type Codecs struct {
	filter  *WordFilter
	v0Allow map[string]struct{} // nil: everything goes to v0
}

func NewCodecs(v0Allowlist, filterWords []string) *Codecs {
	cs := &Codecs{filter: NewWordFilter(filterWords)}
	if len(v0Allowlist) > 0 {
		cs.v0Allow = make(map[string]struct{}, len(v0Allowlist))
		for _, e := range v0Allowlist {
			cs.v0Allow[e] = struct{}{}
		}
	}
	return cs
}

// EncodeV1 is the flat frame {cmd, val, [listener]}.
func EncodeV1(cmd string, val any, listener string) ([]byte, error) {
	return json.Marshal(frame{Cmd: cmd, Val: val, Listener: listener})
}

// EncodeV0 rewrites into the legacy direct-wrapped shape; ok is false when
// the allowlist suppresses cmd for v0 sockets.
func (cs *Codecs) EncodeV0(cmd string, val any, listener string) (data []byte, ok bool, err error) {
	switch cmd {
	case "statuscode", "ulist":
		data, err = json.Marshal(frame{Cmd: cmd, Val: val, Listener: listener})
		return data, err == nil, err
	}
	if cs.v0Allow != nil && cmd != CmdReady {
		if _, allowed := cs.v0Allow[cmd]; !allowed {
			return nil, false, nil
		}
	}
	data, err = json.Marshal(frame{Cmd: "direct", Val: cs.rewriteV0(cmd, val), Listener: listener})
	return data, err == nil, err
}

func (cs *Codecs) rewriteV0(cmd string, val any) any {
	m, isMap := val.(map[string]any)
	switch cmd {
	case "post":
		if isMap {
			post := cs.parsePostV0(m)
			if decode.FirstString(post, "post_origin") == "home" {
				post["mode"] = 1
			} else {
				post["state"] = 2
			}
			return post
		}
	case "typing":
		if isMap {
			chatID := decode.FirstString(m, "chat_id")
			if chatID == "home" {
				return map[string]any{"state": 101, "chatid": "livechat", "u": m["username"]}
			}
			return map[string]any{"state": 100, "chatid": chatID, "u": m["username"]}
		}
	case "delete_chat":
		if isMap {
			return map[string]any{"mode": "delete", "id": m["chat_id"]}
		}
	case "delete_post":
		if isMap {
			return map[string]any{"mode": "delete", "id": m["post_id"]}
		}
	case CmdReady:
		// legacy clients read the login snapshot as mode "auth"
		return map[string]any{"mode": "auth", "payload": val}
	case "update_post", "post_created", "post_updated":
		if isMap {
			val = cs.parsePostV0(m)
		}
	}
	return map[string]any{"mode": cmd, "payload": val}
}

// parsePostV0 flattens the author object into "u" and masks filtered words in "p".
func (cs *Codecs) parsePostV0(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	if author, ok := out["author"].(map[string]any); ok {
		if u := decode.FirstString(author, "_id", "username"); u != "" {
			out["u"] = u
		}
		delete(out, "author")
	}
	if p, ok := out["p"].(string); ok && cs.filter != nil {
		out["p"] = cs.filter.Apply(p)
	}
	return out
}

// Packet is an outbound event encoded at most once per protocol version,
// however many sockets it goes to.
type Packet struct {
	cs       *Codecs
	Cmd      string
	Val      any
	Listener string

	once [2]sync.Once
	data [2][]byte
	ok   [2]bool
}

func (cs *Codecs) Packet(cmd string, val any, listener string) *Packet {
	return &Packet{cs: cs, Cmd: cmd, Val: val, Listener: listener}
}

// Bytes returns the frame for proto, or ok=false when it must not be sent.
func (p *Packet) Bytes(proto int) ([]byte, bool) {
	i := ProtoV0
	if proto == ProtoV1 {
		i = ProtoV1
	}
	p.once[i].Do(func() {
		var err error
		if i == ProtoV1 {
			p.data[i], err = EncodeV1(p.Cmd, p.Val, p.Listener)
			p.ok[i] = err == nil
		} else {
			p.data[i], p.ok[i], err = p.cs.EncodeV0(p.Cmd, p.Val, p.Listener)
		}
		if err != nil {
			logger.Warn("[codec] encode failed", zap.String("cmd", p.Cmd), zap.Error(err))
		}
	})
	return p.data[i], p.ok[i]
}
