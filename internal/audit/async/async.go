package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tokligence/credit-gateway/internal/audit"
)

// Store wraps an audit.Store with buffered batch writes.
// Records are queued in memory and flushed in batches; they are lost if the
// process dies before a flush. Reads go straight to the wrapped store.
type Store struct {
	underlying    audit.Store
	records       chan audit.Record
	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger
	onDrop        func()
	onError       func(error)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Config configures the batch writer.
type Config struct {
	BatchSize     int           // maximum records per flush (default 100)
	FlushInterval time.Duration // maximum time between flushes (default 1s)
	ChannelBuffer int           // queued records before new ones are dropped (default 10000)
	NumWorkers    int           // parallel flushers (default 1)
	Logger        *log.Logger
	OnDrop        func()      // called for every record dropped on a full queue
	OnError       func(error) // called for every record lost to a failed batch write
}

// New starts the workers and returns the wrapper.
func New(underlying audit.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[audit/async] ", log.LstdFlags|log.Lmicroseconds)
	}

	s := &Store{
		underlying:    underlying,
		records:       make(chan audit.Record, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		onDrop:        cfg.OnDrop,
		onError:       cfg.OnError,
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.batchWriter(i)
	}
	s.logger.Printf("started %d worker(s), batch_size=%d, flush_interval=%v, buffer=%d",
		cfg.NumWorkers, cfg.BatchSize, cfg.FlushInterval, cfg.ChannelBuffer)
	return s
}

func (s *Store) batchWriter(workerID int) {
	defer s.wg.Done()

	batch := make([]audit.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.underlying.AppendBatch(ctx, batch); err != nil {
			s.logger.Printf("worker-%d ERROR writing %d records: %v", workerID, len(batch), err)
			if s.onError != nil {
				for range batch {
					s.onError(err)
				}
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-s.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Append queues rec without blocking. A full queue drops the record.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return s.underlying.Append(ctx, rec)
	}
	select {
	case s.records <- rec:
	default:
		s.logger.Printf("WARNING: queue full, dropping record account=%d request=%s", rec.AccountID, rec.RequestID)
		if s.onDrop != nil {
			s.onDrop()
		}
	}
	return nil
}

// AppendBatch queues every record.
func (s *Store) AppendBatch(ctx context.Context, recs []audit.Record) error {
	for _, rec := range recs {
		if err := s.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// List delegates to the underlying store.
func (s *Store) List(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	return s.underlying.List(ctx, q)
}

// DailyStats delegates to the underlying store.
func (s *Store) DailyStats(ctx context.Context, accountID int64, since time.Time) ([]audit.DailyStat, error) {
	return s.underlying.DailyStats(ctx, accountID, since)
}

// Flush blocks until every queued record has been handed to the underlying
// store, then closes the queue. Later appends are written synchronously.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.records)
	s.mu.Unlock()
	s.wg.Wait()
}

// Close flushes remaining records and closes the underlying store.
func (s *Store) Close() error {
	s.Flush()
	return s.underlying.Close()
}
