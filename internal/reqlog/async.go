package reqlog

import (
	"context"
	"log"
	"sync"
	"time"
)

// AsyncStore wraps a Store with a single background writer so request
// handling never blocks on the database. One worker keeps the per-record
// lifecycle order intact; a bigger pool would reorder updates.
// WARNING: queued writes are lost if the process crashes before flushing.
type AsyncStore struct {
	underlying Store
	ops        chan func(context.Context)
	stop       chan struct{}
	wg         sync.WaitGroup
	logger     *log.Logger

	dropped int64
	mu      sync.Mutex
}

// AsyncConfig tunes the write queue.
type AsyncConfig struct {
	QueueSize int // default 4096
	Logger    *log.Logger
}

// NewAsync wraps an existing store with the background writer.
func NewAsync(underlying Store, cfg AsyncConfig) *AsyncStore {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	s := &AsyncStore{
		underlying: underlying,
		ops:        make(chan func(context.Context), cfg.QueueSize),
		stop:       make(chan struct{}),
		logger:     cfg.Logger,
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

func (s *AsyncStore) writer() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		select {
		case op := <-s.ops:
			op(ctx)
		case <-s.stop:
			// drain what is already queued
			for {
				select {
				case op := <-s.ops:
					op(ctx)
				default:
					return
				}
			}
		}
	}
}

// enqueue queues an op, dropping it when the queue is full. Request handling
// must not block on a slow disk.
func (s *AsyncStore) enqueue(name string, op func(context.Context)) {
	select {
	case s.ops <- op:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Printf("[reqlog] queue full, dropped %s (total dropped=%d)", name, n)
		}
	}
}

func (s *AsyncStore) Create(_ context.Context, rec *Record) error {
	r := *rec
	s.enqueue("create", func(ctx context.Context) {
		if err := s.underlying.Create(ctx, &r); err != nil && s.logger != nil {
			s.logger.Printf("[reqlog] create id=%s error=%v", r.ID, err)
		}
	})
	return nil
}

func (s *AsyncStore) UpsertRequestPayload(_ context.Context, id, body string) error {
	s.enqueue("request_payload", func(ctx context.Context) {
		if err := s.underlying.UpsertRequestPayload(ctx, id, body); err != nil && s.logger != nil {
			s.logger.Printf("[reqlog] request payload id=%s error=%v", id, err)
		}
	})
	return nil
}

func (s *AsyncStore) UpsertResponsePayload(_ context.Context, id, body string) error {
	s.enqueue("response_payload", func(ctx context.Context) {
		if err := s.underlying.UpsertResponsePayload(ctx, id, body); err != nil && s.logger != nil {
			s.logger.Printf("[reqlog] response payload id=%s error=%v", id, err)
		}
	})
	return nil
}

func (s *AsyncStore) UpdateTokens(_ context.Context, id string, t Tokens) error {
	s.enqueue("tokens", func(ctx context.Context) {
		if err := s.underlying.UpdateTokens(ctx, id, t); err != nil && s.logger != nil {
			s.logger.Printf("[reqlog] tokens id=%s error=%v", id, err)
		}
	})
	return nil
}

func (s *AsyncStore) Finalize(_ context.Context, id string, fin Final) error {
	s.enqueue("finalize", func(ctx context.Context) {
		if err := s.underlying.Finalize(ctx, id, fin); err != nil && s.logger != nil {
			s.logger.Printf("[reqlog] finalize id=%s error=%v", id, err)
		}
	})
	return nil
}

// AggregateDaily runs synchronously; it is driven by the scheduler, not the
// request path.
func (s *AsyncStore) AggregateDaily(ctx context.Context, day time.Time) error {
	return s.underlying.AggregateDaily(ctx, day)
}

func (s *AsyncStore) Daily(ctx context.Context, limit int) ([]DailyUsage, error) {
	return s.underlying.Daily(ctx, limit)
}

// Close stops the writer after draining the queue, then closes the
// underlying store.
func (s *AsyncStore) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.underlying.Close()
}

var _ Store = (*AsyncStore)(nil)
