package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", InternalToken: "internal", Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestMeSendsInternalHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me", r.URL.Path)
		assert.Equal(t, "internal", r.Header.Get("X-Internal-Token"))
		assert.Equal(t, "10.0.0.9", r.Header.Get("X-Internal-Ip"))
		assert.Equal(t, "tok", r.Header.Get("token"))
		assert.Empty(t, r.Header.Get("X-Internal-Username"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		writeJSON(w, 200, map[string]any{"error": false, "_id": "u-alice", "lower_username": "alice"})
	})

	acc, err := c.Me(context.Background(), Caller{IP: "10.0.0.9", Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "u-alice", acc["_id"])
}

func TestAutogetLists(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get("X-Internal-Username"))
		switch r.URL.Path {
		case "/me/relationships":
			writeJSON(w, 200, map[string]any{"autoget": []any{map[string]any{"username": "bob", "state": 1}}})
		case "/chats":
			writeJSON(w, 200, map[string]any{"error": false})
		}
	})
	who := Caller{Username: "alice"}

	rel, err := c.Relationships(context.Background(), who)
	require.NoError(t, err)
	assert.Len(t, rel, 1)

	chats, err := c.Chats(context.Background(), who)
	require.NoError(t, err)
	assert.NotNil(t, chats)
	assert.Empty(t, chats)
}

func TestStructuredError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, map[string]any{"error": true, "type": TypeUnauthorized})
	})

	_, err := c.Me(context.Background(), Caller{Token: "bad"})
	ae, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, TypeUnauthorized, ae.Type)
	assert.Equal(t, 401, ae.Status)
}

func TestErrorFlagWith200(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"error": true, "type": TypeRepairModeEnabled})
	})
	_, err := c.Me(context.Background(), Caller{})
	ae, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, TypeRepairModeEnabled, ae.Type)
}

func TestTimeoutIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	c.timeout = 50 * time.Millisecond

	_, err := c.Me(context.Background(), Caller{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 5; i++ {
		_, err := c.Me(context.Background(), Caller{})
		_, ok := AsAPIError(err)
		require.True(t, ok)
	}
	_, err := c.Me(context.Background(), Caller{})
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(5), hits.Load())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, map[string]any{"error": true, "type": TypeUnauthorized})
	})
	for i := 0; i < 10; i++ {
		_, err := c.Me(context.Background(), Caller{})
		ae, ok := AsAPIError(err)
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, TypeUnauthorized, ae.Type)
	}
}
