package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Writer is the background retry queue for records whose synchronous insert
// failed. Each queued record is retried individually with bounded backoff;
// a record that still cannot be written after the retries is logged and
// abandoned, which is the permitted degradation for persistence failures.
type Writer struct {
	store Store
	ch    chan *Record
	wg    sync.WaitGroup
	done  chan struct{}
	once  sync.Once
}

// NewWriter creates a writer with the given queue depth (default 4096).
func NewWriter(store Store, bufferSize int) *Writer {
	if bufferSize < 1 {
		bufferSize = 4096
	}
	return &Writer{
		store: store,
		ch:    make(chan *Record, bufferSize),
		done:  make(chan struct{}),
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Enqueue hands a record to the writer. Blocks while the queue is full so
// a record is never dropped on intake; once Flush has begun, the record is
// written inline instead.
func (w *Writer) Enqueue(rec *Record) {
	select {
	case w.ch <- rec:
	case <-w.done:
		w.writeWithRetry(rec)
	}
}

// Flush stops intake, drains the queue, and waits up to timeout.
func (w *Writer) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("ledger writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("ledger writer flush timed out")
	}
}

func (w *Writer) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeWithRetry(rec *Record) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.InsertExecution(ctx, rec)
		if err == nil {
			// Fold into the daily rollup via the store's own atomic
			// increment so concurrent executions for one user cannot
			// clobber each other's totals.
			if rerr := w.store.BumpDailyRollup(ctx, rec.UserID, rec.EndedAt, rec.CostEstimate); rerr != nil {
				log.Warn().Err(rerr).Str("user_id", rec.UserID).Msg("rollup bump failed")
			}
			cancel()
			return
		}
		cancel()

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("record_id", rec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("ledger write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("record_id", rec.ID).
				Msg("ledger write failed permanently after retries")
		}
	}
}
