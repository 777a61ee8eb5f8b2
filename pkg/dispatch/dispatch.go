package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/metrics"
	"github.com/wardsync/wardsync/pkg/resolver"
	"github.com/wardsync/wardsync/pkg/types"
)

// DefaultBufferSize bounds the inflight message buffer; a full buffer
// pauses partition fetches until the merge pipeline drains.
const DefaultBufferSize = 2048

// MergeSink receives replicas decoded from task events
type MergeSink interface {
	MergeBatch(ctx context.Context, remotes []*types.Replica, actor string) (*resolver.Result, error)
}

// SyncTrigger starts a sync round in response to a sync.request event
type SyncTrigger interface {
	StartSync(ctx context.Context) error
}

// Config for the Kafka consumer
type Config struct {
	Brokers    []string
	Group      string
	BufferSize int
}

// Dispatcher consumes task events from the message bus with
// at-least-once semantics: offsets are committed only after the merge
// has been persisted, so a crash replays rather than loses. Duplicate
// deliveries are dropped by (replica id, clock hash).
type Dispatcher struct {
	client  *kgo.Client
	sink    MergeSink
	trigger SyncTrigger
	cfg     Config

	buffer chan *kgo.Record
	seen   *dedupeCache
	wg     sync.WaitGroup
}

var topics = []string{
	types.TopicTaskCreated,
	types.TopicTaskUpdated,
	types.TopicTaskDeleted,
	types.TopicSyncRequest,
}

// New connects a consumer with a durable group id. Auto-commit is
// disabled; the dispatcher commits manually after processing.
func New(cfg Config, sink MergeSink, trigger SyncTrigger) (*Dispatcher, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	return &Dispatcher{
		client:  client,
		sink:    sink,
		trigger: trigger,
		cfg:     cfg,
		buffer:  make(chan *kgo.Record, cfg.BufferSize),
		seen:    newDedupeCache(4 * cfg.BufferSize),
	}, nil
}

// Run consumes until the context is cancelled. One processor goroutine
// drains the buffer so per-partition order is preserved.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := log.WithComponent("dispatch")
	logger.Info().
		Strs("topics", topics).
		Str("group", d.cfg.Group).
		Msg("dispatcher started")

	d.wg.Add(1)
	go d.process(ctx)

	paused := false
	for {
		if ctx.Err() != nil {
			break
		}
		fetches := d.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			break
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			logger.Error().Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("fetch error")
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			select {
			case d.buffer <- rec:
				metrics.DispatcherBuffer.Set(float64(len(d.buffer)))
			case <-ctx.Done():
			}
		}

		// Backpressure: stop fetching while the merge pipeline is
		// saturated, resume once it drains below half.
		if !paused && len(d.buffer) >= d.cfg.BufferSize {
			d.client.PauseFetchTopics(topics...)
			paused = true
			logger.Warn().Msg("buffer full, fetches paused")
		} else if paused && len(d.buffer) < d.cfg.BufferSize/2 {
			d.client.ResumeFetchTopics(topics...)
			paused = false
			logger.Info().Msg("buffer drained, fetches resumed")
		}
	}

	d.wg.Wait()
	d.client.Close()
	return ctx.Err()
}

func (d *Dispatcher) process(ctx context.Context) {
	defer d.wg.Done()
	logger := log.WithComponent("dispatch")

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-d.buffer:
			metrics.DispatcherBuffer.Set(float64(len(d.buffer)))
			ok, err := d.handle(ctx, rec.Topic, rec.Value)
			if err != nil {
				// Not committed: the record replays on the next poll or
				// after a rebalance. At-least-once by construction.
				logger.Error().Err(err).
					Str("topic", rec.Topic).
					Int64("offset", rec.Offset).
					Msg("event processing failed, offset withheld")
				continue
			}
			if !ok {
				metrics.EventsDeduplicatedTotal.Inc()
			}
			if err := d.client.CommitRecords(ctx, rec); err != nil {
				logger.Error().Err(err).Msg("offset commit failed")
			}
		}
	}
}

// handle processes one event payload. Returns false when the event was
// a duplicate and skipped.
func (d *Dispatcher) handle(ctx context.Context, topic string, payload []byte) (bool, error) {
	metrics.EventsConsumedTotal.WithLabelValues(topic).Inc()

	if topic == types.TopicSyncRequest {
		if d.trigger == nil {
			return true, nil
		}
		err := d.trigger.StartSync(ctx)
		if types.KindOf(err) == types.KindSyncInProgress {
			return true, nil // a running round will cover this request
		}
		return true, err
	}

	var r types.Replica
	if err := json.Unmarshal(payload, &r); err != nil {
		// Malformed payloads are poison; committing is the only way
		// to make progress.
		logger := log.WithComponent("dispatch")
		logger.Error().Err(err).
			Str("topic", topic).
			Msg("dropping undecodable event")
		return true, nil
	}

	key := dedupeKey(&r)
	if d.seen.contains(key) {
		return false, nil
	}

	if _, err := d.sink.MergeBatch(ctx, []*types.Replica{&r}, "dispatch"); err != nil {
		return true, err
	}
	d.seen.add(key)
	return true, nil
}

func dedupeKey(r *types.Replica) string {
	hash := ""
	if r.VectorClock != nil {
		hash = r.VectorClock.Hash()
	}
	return r.ID + "\x1f" + hash
}

// dedupeCache is a bounded FIFO set: old entries age out as new ones
// arrive, which is enough to absorb redelivery bursts.
type dedupeCache struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
	next  int
}

func newDedupeCache(capacity int) *dedupeCache {
	return &dedupeCache{
		keys:  make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

func (c *dedupeCache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[key]
	return ok
}

func (c *dedupeCache) add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[key]; ok {
		return
	}
	if evict := c.order[c.next]; evict != "" {
		delete(c.keys, evict)
	}
	c.order[c.next] = key
	c.next = (c.next + 1) % len(c.order)
	c.keys[key] = struct{}{}
}
