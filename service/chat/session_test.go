package chat

import (
	"context"
	"testing"
	"time"

	"Meower/service/bus"
	"Meower/service/restapi"
	"Meower/tools/errs"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeAndAuthV1(t *testing.T) {
	api := newFakeAPI()
	api.addUser("tok-a", "u-alice", "alice")
	s := newTestServer(t, api)

	watcher := connect(t, s, ProtoV1, "10.0.0.2")
	fc := connect(t, s, ProtoV1, "10.0.0.1")

	fc.send(t, map[string]any{"cmd": "ping", "val": nil, "listener": "a"})
	assert.JSONEq(t, `{"cmd":"statuscode","val":"I:100 | OK","listener":"a"}`, fc.nextRaw(t))

	fc.send(t, map[string]any{"cmd": "authpswd", "val": map[string]any{"username": "alice", "pswd": "tok-a"}})
	auth := fc.next(t)
	require.Equal(t, CmdReady, auth.Cmd)
	val := auth.Val.(map[string]any)
	assert.Equal(t, "alice", val["username"])
	assert.Equal(t, "u-alice", val["user_id"])
	assert.Contains(t, val, "chats")
	assert.Contains(t, val, "took_ms")

	ul := fc.next(t)
	assert.Equal(t, "ulist", ul.Cmd)
	assert.Equal(t, "alice;", ul.Val)
	assert.Equal(t, Statuscode(CodeOK), fc.next(t).Val)

	assert.Equal(t, "alice;", watcher.nextCmd(t, "ulist").Val)

	c := clientOf(t, s, "u-alice")
	assert.Equal(t, StateAuthenticated, c.State())
	assert.True(t, s.reg.IsSubscribed(c, UserKey("u-alice")))
	assert.True(t, s.reg.IsSubscribed(c, FeedKey))
}

func TestAuthAgainRepliesOK(t *testing.T) {
	api := newFakeAPI()
	api.addUser("tok-a", "u-alice", "alice")
	s := newTestServer(t, api)
	fc := login(t, s, ProtoV1, "tok-a")
	fc.settle()

	fc.send(t, map[string]any{"cmd": "authpswd", "val": map[string]any{"username": "alice", "pswd": "tok-a"}, "listener": "again"})
	fr := fc.next(t)
	assert.Equal(t, "statuscode", fr.Cmd)
	assert.Equal(t, Statuscode(CodeOK), fr.Val)
	assert.Equal(t, "again", fr.Listener)
}

func TestAuthFailureKeepsSessionOpen(t *testing.T) {
	api := newFakeAPI()
	s := newTestServer(t, api)
	fc := connect(t, s, ProtoV1, "10.0.0.1")

	fc.send(t, map[string]any{"cmd": "authpswd", "val": map[string]any{"username": "alice", "pswd": "nope"}})
	assert.Equal(t, Statuscode(CodePasswordInvalid), fc.nextStatus(t))

	c := s.reg.All()[0]
	assert.Equal(t, StateHandshaken, c.State())
	assert.Equal(t, "", s.presence.Ulist())

	fc.send(t, map[string]any{"cmd": "ping", "val": nil})
	assert.Equal(t, Statuscode(CodeOK), fc.nextStatus(t))
}

func TestAuthErrorTable(t *testing.T) {
	cases := []struct {
		typ  string
		want string
	}{
		{restapi.TypeAccountBanned, CodeBanned},
		{restapi.TypeAccountDeleted, CodeDeleted},
		{restapi.TypeMFARequired, Code2FARequired},
		{restapi.TypeIPBlocked, CodeBlocked},
		{"somethingNew", CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			api := newFakeAPI()
			api.meErr = &restapi.APIError{Status: 403, Type: tc.typ, Endpoint: "/me"}
			s := newTestServer(t, api)
			fc := connect(t, s, ProtoV1, "10.0.0.1")
			fc.send(t, map[string]any{"cmd": "authpswd", "val": map[string]any{"username": "a", "pswd": "t"}})
			assert.Equal(t, Statuscode(tc.want), fc.nextStatus(t))
			assert.False(t, fc.isClosed())
		})
	}
}

func TestRepairModeKicks(t *testing.T) {
	api := newFakeAPI()
	api.meErr = &restapi.APIError{Status: 503, Type: restapi.TypeRepairModeEnabled, Endpoint: "/me"}
	s := newTestServer(t, api)
	fc := connect(t, s, ProtoV1, "10.0.0.1")

	fc.send(t, map[string]any{"cmd": "authpswd", "val": map[string]any{"username": "a", "pswd": "t"}})
	assert.Equal(t, Statuscode(CodeKicked), fc.nextStatus(t))
	require.Eventually(t, fc.isClosed, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.reg.Stats().Connections == 0 }, waitFor, 10*time.Millisecond)
}

func TestQueryTokenLogin(t *testing.T) {
	api := newFakeAPI()
	api.addUser("tok-a", "u-alice", "alice")
	s := newTestServer(t, api)

	fc := newFakeConn()
	go s.ServeConn(fc, ProtoV1, "10.0.0.1", "tok-a")
	assert.Equal(t, "ulist", fc.next(t).Cmd)
	assert.Equal(t, CmdReady, fc.next(t).Cmd)
	assert.Equal(t, "alice;", fc.next(t).Val)
	assert.Equal(t, Statuscode(CodeOK), fc.next(t).Val)
}

func TestProtocolErrors(t *testing.T) {
	s := newTestServer(t, newFakeAPI())
	s.Register(testCmd{cmd: "secret", auth: true})
	fc := connect(t, s, ProtoV1, "10.0.0.1")

	fc.in <- []byte(`{not json`)
	assert.Equal(t, Statuscode(CodeSyntax), fc.nextStatus(t))

	fc.in <- []byte(`{"cmd":"ping"}`)
	assert.Equal(t, Statuscode(CodeSyntax), fc.nextStatus(t))

	fc.in <- []byte(`{"cmd":5,"val":null}`)
	assert.Equal(t, Statuscode(CodeDatatype), fc.nextStatus(t))

	fc.in <- []byte(`{"cmd":"ping","val":null,"listener":3}`)
	assert.Equal(t, Statuscode(CodeDatatype), fc.nextStatus(t))

	fc.send(t, map[string]any{"cmd": "nope", "val": nil, "listener": "l1"})
	fr := fc.next(t)
	assert.Equal(t, Statuscode(CodeInvalid), fr.Val)
	assert.Equal(t, "l1", fr.Listener)

	fc.send(t, map[string]any{"cmd": "secret", "val": nil})
	assert.Equal(t, Statuscode(CodeRefused), fc.nextStatus(t))

	assert.False(t, fc.isClosed())
}

func TestHandlerErrorBecomesStatuscode(t *testing.T) {
	s := newTestServer(t, newFakeAPI())
	s.Register(testCmd{cmd: "fail", fn: func(*ChatContext, *Client, *Frame) error {
		return errs.NewCodeError(CodeIDNotFound, "no such post").Wrap()
	}})
	s.Register(testCmd{cmd: "boom", fn: func(*ChatContext, *Client, *Frame) error {
		panic("boom")
	}})
	fc := connect(t, s, ProtoV1, "10.0.0.1")

	fc.send(t, map[string]any{"cmd": "fail", "val": nil})
	assert.Equal(t, Statuscode(CodeIDNotFound), fc.nextStatus(t))

	fc.send(t, map[string]any{"cmd": "boom", "val": nil})
	assert.Equal(t, Statuscode(CodeInternal), fc.nextStatus(t))
	require.Eventually(t, fc.isClosed, waitFor, 10*time.Millisecond)
	assert.Equal(t, websocket.CloseInternalServerErr, fc.CloseCode())
}

func TestOversizeFrameCloses(t *testing.T) {
	s := newTestServer(t, newFakeAPI())
	fc := connect(t, s, ProtoV1, "10.0.0.1")

	fc.failRead(websocket.ErrReadLimit)
	assert.Equal(t, Statuscode(CodeTooLarge), fc.nextStatus(t))
	require.Eventually(t, fc.isClosed, waitFor, 10*time.Millisecond)
	assert.Equal(t, websocket.CloseMessageTooBig, fc.CloseCode())
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, newFakeAPI(), func(o *Options) {
		o.RateLimit = 0.01
		o.RateBurst = 1
	})
	fc := connect(t, s, ProtoV1, "10.0.0.1")

	fc.send(t, map[string]any{"cmd": "ping", "val": nil})
	assert.Equal(t, Statuscode(CodeOK), fc.nextStatus(t))
	fc.send(t, map[string]any{"cmd": "ping", "val": nil, "listener": "x"})
	fr := fc.next(t)
	assert.Equal(t, Statuscode(CodeRateLimit), fr.Val)
	assert.Equal(t, "x", fr.Listener)
}

func TestV0DirectUnwrap(t *testing.T) {
	s := newTestServer(t, newFakeAPI())
	fc := connect(t, s, ProtoV0, "10.0.0.1")

	fc.send(t, map[string]any{"cmd": "direct", "val": map[string]any{"cmd": "ping", "val": ""}, "listener": "x"})
	assert.JSONEq(t, `{"cmd":"statuscode","val":"I:100 | OK","listener":"x"}`, fc.nextRaw(t))
}

func TestInboundFramesRefreshLastSeen(t *testing.T) {
	api := newFakeAPI()
	api.addUser("tok-a", "u-alice", "alice")
	s := newTestServer(t, api)
	fc := login(t, s, ProtoV1, "tok-a")
	c := clientOf(t, s, "u-alice")
	before := c.LastSeen()

	time.Sleep(5 * time.Millisecond)
	fc.send(t, map[string]any{"cmd": "ping", "val": ""})
	require.Equal(t, Statuscode(CodeOK), fc.nextStatus(t))
	assert.True(t, c.LastSeen().After(before))
}

func TestCloseReleasesAndTouchesLastSeen(t *testing.T) {
	api := newFakeAPI()
	api.addUser("tok-a", "u-alice", "alice")
	s := newTestServer(t, api)
	watcher := connect(t, s, ProtoV1, "10.0.0.2")
	fc := login(t, s, ProtoV1, "tok-a")
	assert.Equal(t, "alice;", watcher.nextCmd(t, "ulist").Val)
	require.Equal(t, 1, api.meCalls())

	fc.Close()
	assert.Equal(t, "", watcher.nextCmd(t, "ulist").Val)
	require.Eventually(t, func() bool { return api.meCalls() == 2 }, waitFor, 10*time.Millisecond)
	assert.Empty(t, s.reg.UserSockets("u-alice"))
	assert.Equal(t, 1, s.reg.Stats().Connections)
}

// a second socket for the same user keeps the user listed
func TestPresenceOnlyOnFirstAndLast(t *testing.T) {
	api := newFakeAPI()
	api.addUser("tok-a", "u-alice", "alice")
	s := newTestServer(t, api)
	watcher := connect(t, s, ProtoV1, "10.0.0.2")

	a1 := login(t, s, ProtoV1, "tok-a")
	assert.Equal(t, "alice;", watcher.nextCmd(t, "ulist").Val)
	a2 := login(t, s, ProtoV1, "tok-a")
	a1.settle()
	a2.settle()
	watcher.assertQuiet(t)

	a1.Close()
	require.Eventually(t, func() bool { return len(s.reg.UserSockets("u-alice")) == 1 }, waitFor, 10*time.Millisecond)
	watcher.assertQuiet(t)

	a2.Close()
	assert.Equal(t, "", watcher.nextCmd(t, "ulist").Val)
}

func TestBackpressureDisconnect(t *testing.T) {
	s := newTestServer(t, newFakeAPI(), func(o *Options) { o.SendQueue = 2 })
	fc := newFakeConn()
	fc.gate = make(chan struct{})
	go s.ServeConn(fc, ProtoV1, "10.0.0.1", "")

	var c *Client
	require.Eventually(t, func() bool {
		all := s.reg.All()
		if len(all) == 1 {
			c = all[0]
		}
		return c != nil
	}, waitFor, 10*time.Millisecond)
	require.True(t, s.reg.Subscribe(c, ChatKey("c1")))

	for i := 0; i < 10; i++ {
		s.disp.Dispatch(Event{Kind: KindMessage, Name: "message_created", Key: "c1", Payload: map[string]any{"n": i}})
	}
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("slow socket was not closed")
	}
	close(fc.gate)

	assert.Equal(t, Statuscode(CodeDisconnected), fc.nextStatus(t))
	require.Eventually(t, func() bool { return s.reg.Stats().Connections == 0 }, waitFor, 10*time.Millisecond)
	assert.NotPanics(t, func() {
		s.disp.Dispatch(Event{Kind: KindMessage, Name: "message_created", Key: "c1", Payload: map[string]any{}})
	})
}

func TestShutdownClosesSockets(t *testing.T) {
	s := newTestServer(t, newFakeAPI())
	fc := connect(t, s, ProtoV1, "10.0.0.1")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, Statuscode(CodeDisconnected), fc.nextStatus(t))
	assert.True(t, fc.isClosed())
	assert.Equal(t, websocket.CloseGoingAway, fc.CloseCode())

	// after shutdown bus messages are ignored
	s.HandleBus(context.Background(), bus.NewMessage("post", "", map[string]any{"post_origin": "home"}))
}
