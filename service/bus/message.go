package bus

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var ErrBadMessage = errors.New("bad bus message")

// Message 总线上的一条事件记录 {event, key, payload}
type Message struct {
	Event   string         `json:"event"`
	Key     *string        `json:"key"`
	Payload map[string]any `json:"payload"`
}

func NewMessage(event, key string, payload map[string]any) Message {
	m := Message{Event: event, Payload: payload}
	if key != "" {
		m.Key = &key
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return m
}

// KeyString returns the routing key or "" when null.
func (m Message) KeyString() string {
	if m.Key == nil {
		return ""
	}
	return *m.Key
}

func Encode(m Message) ([]byte, error) {
	if m.Event == "" {
		return nil, errors.Wrap(ErrBadMessage, "empty event")
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrap(ErrBadMessage, err.Error())
	}
	if m.Event == "" {
		return Message{}, errors.Wrap(ErrBadMessage, "empty event")
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return m, nil
}
