package handlers

import (
	"Meower/service/chat"
)

// Register installs every inbound command on s.
func Register(s *chat.Server) {
	s.Register(NewPingHandler())
	s.Register(NewAuthHandler())
	s.Register(NewSubscribeHandler())
	s.Register(NewUnsubscribeHandler())
	s.Register(NewDirectHandler())
	for _, cmd := range probeCmds {
		s.Register(NewProbeHandler(cmd))
	}
}
