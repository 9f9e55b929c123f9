package restapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Meower/logger"
	"Meower/service/metrics"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const maxBody = 8 << 20

type Config struct {
	BaseURL       string
	InternalToken string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Caller is who a request is made on behalf of.
type Caller struct {
	IP       string
	Username string
	Token    string
}

// Client calls the REST tier with the internal auth headers.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("API_INTERNAL_URL missing")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.InternalToken,
		timeout: cfg.Timeout,
		http:    hc,
		log:     logger.Named("restapi"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rest-tier",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool { return !countsAsFailure(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("breaker state", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c, nil
}

// Me resolves the caller's token into their account (GET /me).
// Also used on logout so the REST tier refreshes last_seen.
func (c *Client) Me(ctx context.Context, who Caller) (map[string]any, error) {
	return c.get(ctx, "/me", who)
}

// Relationships returns the caller's follow/block records.
func (c *Client) Relationships(ctx context.Context, who Caller) ([]any, error) {
	body, err := c.get(ctx, "/me/relationships", who)
	if err != nil {
		return nil, err
	}
	return autoget(body), nil
}

// Chats returns the caller's active chats.
func (c *Client) Chats(ctx context.Context, who Caller) ([]any, error) {
	body, err := c.get(ctx, "/chats", who)
	if err != nil {
		return nil, err
	}
	return autoget(body), nil
}

func autoget(body map[string]any) []any {
	list, _ := body["autoget"].([]any)
	if list == nil {
		list = []any{}
	}
	return list
}

func (c *Client) get(ctx context.Context, endpoint string, who Caller) (map[string]any, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, http.MethodGet, endpoint, who)
	})
	metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.APIRequests.WithLabelValues(endpoint, outcome(err)).Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrap(ErrUnavailable, err.Error())
		}
		return nil, err
	}
	metrics.APIRequests.WithLabelValues(endpoint, "ok").Inc()
	return out.(map[string]any), nil
}

func outcome(err error) string {
	if ae, ok := AsAPIError(err); ok {
		if ae.Type != "" {
			return ae.Type
		}
		return "status_" + strconv.Itoa(ae.Status)
	}
	return "unavailable"
}

func (c *Client) do(ctx context.Context, method, endpoint string, who Caller) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("X-Internal-Token", c.token)
	if who.IP != "" {
		req.Header.Set("X-Internal-Ip", who.IP)
	}
	if who.Username != "" {
		req.Header.Set("X-Internal-Username", who.Username)
	}
	if who.Token != "" {
		req.Header.Set("token", who.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("rest call failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}

	var body map[string]any
	if len(raw) > 0 {
		if jerr := json.Unmarshal(raw, &body); jerr != nil && resp.StatusCode < 300 {
			return nil, errors.Wrapf(ErrUnavailable, "decode %s: %v", endpoint, jerr)
		}
	}

	if isErr, _ := body["error"].(bool); isErr || resp.StatusCode >= 300 {
		typ, _ := body["type"].(string)
		return nil, &APIError{Status: resp.StatusCode, Type: typ, Endpoint: endpoint}
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}
