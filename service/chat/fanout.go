package chat

import (
	"context"
	"hash/fnv"
	"sync"

	"Meower/tools/safe"
)

// Fanout runs the dispatcher on a fixed set of shards. Events with the same
// shard key are dispatched in arrival order.
type Fanout struct {
	d      *Dispatcher
	shards []chan Event
	wg     sync.WaitGroup
	once   sync.Once
}

func NewFanout(d *Dispatcher, workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 256
	}
	f := &Fanout{d: d, shards: make([]chan Event, workers)}
	for i := range f.shards {
		f.shards[i] = make(chan Event, queue)
	}
	return f
}

func (f *Fanout) Start() {
	for _, ch := range f.shards {
		f.wg.Add(1)
		go f.work(ch)
	}
}

func (f *Fanout) work(ch <-chan Event) {
	defer f.wg.Done()
	for e := range ch {
		f.dispatch(e)
	}
}

func (f *Fanout) dispatch(e Event) {
	defer safe.Recover("fanout")
	f.d.Dispatch(e)
}

// Submit blocks while the shard is full, pushing back on the bus reader.
func (f *Fanout) Submit(ctx context.Context, e Event) error {
	ch := f.shards[f.shardOf(e)]
	select {
	case ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fanout) shardOf(e Event) int {
	if len(f.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(e.shard()))
	return int(h.Sum32() % uint32(len(f.shards)))
}

// Stop closes the shards and waits for queued events to finish.
// Submit must not be called afterwards.
func (f *Fanout) Stop() {
	f.once.Do(func() {
		for _, ch := range f.shards {
			close(ch)
		}
	})
	f.wg.Wait()
}
