package chat

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"Meower/logger"
	"Meower/service/restapi"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeConn 内存连接：in 喂入站帧，out 收出站帧
type fakeConn struct {
	in     chan []byte
	errs   chan error
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	// writes wait on gate when set
	gate chan struct{}

	mu        sync.Mutex
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		errs:   make(chan error, 1),
		out:    make(chan []byte, 4096),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case d := <-f.in:
		return websocket.TextMessage, d, nil
	case err := <-f.errs:
		return 0, nil, err
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.closed:
			return websocket.ErrCloseSent
		}
	}
	select {
	case <-f.closed:
		return websocket.ErrCloseSent
	default:
	}
	f.out <- append([]byte(nil), data...)
	return nil
}

func (f *fakeConn) WriteControl(mt int, data []byte, _ time.Time) error {
	if mt == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(binary.BigEndian.Uint16(data))
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeConn) SetReadLimit(int64)                        {}
func (f *fakeConn) SetPongHandler(func(appData string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// failRead makes the next read fail with err (e.g. websocket.ErrReadLimit).
func (f *fakeConn) failRead(err error) {
	f.errs <- err
}

func (f *fakeConn) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.in <- data
}

type outFrame struct {
	Cmd      string `json:"cmd"`
	Val      any    `json:"val"`
	Listener string `json:"listener"`
}

func (f *fakeConn) nextRaw(t *testing.T) string {
	t.Helper()
	select {
	case data := <-f.out:
		return string(data)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return ""
	}
}

func (f *fakeConn) next(t *testing.T) outFrame {
	t.Helper()
	select {
	case data := <-f.out:
		var fr outFrame
		require.NoError(t, json.Unmarshal(data, &fr), string(data))
		return fr
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return outFrame{}
	}
}

// nextCmd skips frames until one with cmd arrives.
func (f *fakeConn) nextCmd(t *testing.T, cmd string) outFrame {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-f.out:
			var fr outFrame
			require.NoError(t, json.Unmarshal(data, &fr), string(data))
			if fr.Cmd == cmd {
				return fr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", cmd)
			return outFrame{}
		}
	}
}

// nextStatus skips frames until a statuscode arrives and returns its token.
func (f *fakeConn) nextStatus(t *testing.T) string {
	t.Helper()
	fr := f.nextCmd(t, "statuscode")
	s, _ := fr.Val.(string)
	return s
}

// settle drains frames until the connection is quiet.
func (f *fakeConn) settle() {
	for {
		select {
		case <-f.out:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func (f *fakeConn) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.out:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

// fakeAPI REST tier keyed by token.
type fakeAPI struct {
	mu     sync.Mutex
	users  map[string]map[string]any
	rels   map[string][]any
	chats  map[string][]any
	meErr  error
	meSeen []restapi.Caller
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		users: map[string]map[string]any{},
		rels:  map[string][]any{},
		chats: map[string][]any{},
	}
}

// addUser registers token -> user with the given chat ids.
func (a *fakeAPI) addUser(token, id, username string, chats ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[token] = map[string]any{"_id": id, "lower_username": username, "username": username}
	list := make([]any, 0, len(chats))
	for _, c := range chats {
		list = append(list, map[string]any{"_id": c})
	}
	a.chats[username] = list
}

func (a *fakeAPI) Me(_ context.Context, who restapi.Caller) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.meSeen = append(a.meSeen, who)
	if a.meErr != nil {
		return nil, a.meErr
	}
	u, ok := a.users[who.Token]
	if !ok {
		return nil, &restapi.APIError{Status: 401, Type: restapi.TypeUnauthorized, Endpoint: "/me"}
	}
	return u, nil
}

func (a *fakeAPI) Relationships(_ context.Context, who restapi.Caller) ([]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rels[who.Username], nil
}

func (a *fakeAPI) Chats(_ context.Context, who restapi.Caller) ([]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chats[who.Username], nil
}

func (a *fakeAPI) meCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.meSeen)
}

// testCmd is a minimal handler so the chat package can be tested without
// importing handlers.
type testCmd struct {
	cmd  string
	auth bool
	fn   func(ctx *ChatContext, c *Client, f *Frame) error
}

func (h testCmd) Cmd() string        { return h.cmd }
func (h testCmd) RequiresAuth() bool { return h.auth }
func (h testCmd) Handle(ctx *ChatContext, c *Client, f *Frame) error {
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, c, f)
}

func newTestServer(t *testing.T, api AccountAPI, opts ...func(*Options)) *Server {
	t.Helper()
	o := Options{NodeName: "test", WriteTimeout: time.Second, PingInterval: time.Minute, DispatchWorkers: 2}
	for _, fn := range opts {
		fn(&o)
	}
	s := NewServer(o, api, nil, nil)
	s.Register(testCmd{cmd: "ping"})
	s.Register(testCmd{cmd: "authpswd", fn: func(ctx *ChatContext, c *Client, f *Frame) error {
		m, _ := f.Val.(map[string]any)
		u, _ := m["username"].(string)
		p, _ := m["pswd"].(string)
		return ctx.S.Authenticate(c, u, p, f.Listener)
	}})
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// connect runs a session on a fake conn and waits for the greeting.
func connect(t *testing.T, s *Server, proto int, ip string) *fakeConn {
	t.Helper()
	fc := newFakeConn()
	go s.ServeConn(fc, proto, ip, "")
	fr := fc.next(t)
	require.Equal(t, "ulist", fr.Cmd)
	if proto == ProtoV0 {
		require.Equal(t, Statuscode(CodeTAEnabled), fc.next(t).Val)
		require.Equal(t, Statuscode(CodeOK), fc.next(t).Val)
	}
	return fc
}

// login connects and authenticates with token, then drains.
func login(t *testing.T, s *Server, proto int, token string) *fakeConn {
	t.Helper()
	fc := connect(t, s, proto, "10.0.0.1")
	fc.send(t, map[string]any{"cmd": "authpswd", "val": map[string]any{"username": "", "pswd": token}})
	require.Equal(t, Statuscode(CodeOK), fc.nextStatus(t))
	return fc
}

func clientOf(t *testing.T, s *Server, userID string) *Client {
	t.Helper()
	var c *Client
	require.Eventually(t, func() bool {
		cs := s.reg.UserSockets(userID)
		if len(cs) == 0 {
			return false
		}
		c = cs[0]
		return true
	}, waitFor, 10*time.Millisecond)
	return c
}

func init() {
	logger.Init("error", "console")
}
