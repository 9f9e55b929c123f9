package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"Meower/logger"
	"Meower/service/metrics"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrHandlerSet = errors.New("bus handler already installed")
	ErrNoHandler  = errors.New("bus handler not installed")
)

const publishTimeout = 3 * time.Second

// Driver is the raw transport under the adapter.
type Driver interface {
	Name() string
	// Publish sends one encoded message; key is a partitioning hint.
	Publish(ctx context.Context, key string, data []byte) error
	// Run delivers raw messages to fn until ctx is done, reconnecting on failure.
	Run(ctx context.Context, fn func(data []byte)) error
	Close() error
}

// Bus publishes to and consumes from the single event channel.
// Publish never blocks: messages go through a bounded queue drained by one
// goroutine, so per-publisher order is kept and overflow is dropped.
type Bus struct {
	drv   Driver
	log   *zap.Logger
	queue chan outbound
	mws   []Middleware

	mu      sync.Mutex
	handler Handler

	done      chan struct{}
	closeOnce sync.Once
	pubWG     sync.WaitGroup
	started   atomic.Bool
	dropped   atomic.Uint64
}

type outbound struct {
	key  string
	data []byte
}

func New(drv Driver, queueSize int, mws ...Middleware) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Bus{
		drv:   drv,
		log:   logger.Named("bus").With(zap.String("driver", drv.Name())),
		queue: make(chan outbound, queueSize),
		mws:   mws,
		done:  make(chan struct{}),
	}
}

func (b *Bus) Driver() string { return b.drv.Name() }

// Dropped counts publishes lost to queue overflow or shutdown.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Publish is fire-and-forget; failures are logged.
func (b *Bus) Publish(event, key string, payload map[string]any) {
	data, err := Encode(NewMessage(event, key, payload))
	if err != nil {
		b.log.Warn("publish encode failed", zap.String("event", event), zap.Error(err))
		metrics.BusPublished.WithLabelValues("invalid").Inc()
		return
	}
	select {
	case <-b.done:
		b.drop(event, "closed")
		return
	default:
	}
	select {
	case b.queue <- outbound{key: key, data: data}:
	default:
		b.drop(event, "queue full")
	}
}

func (b *Bus) drop(event, why string) {
	b.dropped.Add(1)
	metrics.BusPublished.WithLabelValues("dropped").Inc()
	b.log.Warn("publish dropped", zap.String("event", event), zap.String("reason", why))
}

// Subscribe installs the one process-wide handler.
func (b *Bus) Subscribe(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return ErrHandlerSet
	}
	b.handler = Chain(h, b.mws...)
	return nil
}

// Start runs the publisher loop; Run calls it too.
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.pubWG.Add(1)
	go b.publishLoop()
}

// Run consumes the channel until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h == nil {
		return ErrNoHandler
	}
	b.Start()

	b.log.Info("bus reader started")
	err := b.drv.Run(ctx, func(data []byte) {
		metrics.BusReceived.Inc()
		msg, err := Decode(data)
		if err != nil {
			b.log.Warn("bus message dropped", zap.Error(err), zap.Int("len", len(data)))
			return
		}
		h(ctx, msg)
	})
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Bus) publishLoop() {
	defer b.pubWG.Done()
	for {
		select {
		case ob := <-b.queue:
			b.send(ob)
		case <-b.done:
			// flush what was queued before close
			for {
				select {
				case ob := <-b.queue:
					b.send(ob)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) send(ob outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.drv.Publish(ctx, ob.key, ob.data); err != nil {
		metrics.BusPublished.WithLabelValues("error").Inc()
		b.log.Warn("publish failed", zap.Error(err))
		return
	}
	metrics.BusPublished.WithLabelValues("ok").Inc()
}

// Close drains queued publishes and closes the driver.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.pubWG.Wait()
		err = b.drv.Close()
	})
	return err
}
