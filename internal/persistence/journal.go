package persistence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/coordinator"
)

const journalBuffer = 4096

// Journal copies run events from the bus into the store on its own
// goroutine, so the scheduler never waits on disk.
type Journal struct {
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger

	sub     *bus.Subscription
	wg      sync.WaitGroup
	once    sync.Once
	written atomic.Int64
	failed  atomic.Int64
}

// NewJournal subscribes to run events on b. Call Start to begin writing.
func NewJournal(store *Store, b *bus.Bus, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		store:  store,
		bus:    b,
		logger: logger.With("component", "journal"),
		sub:    b.SubscribeBuffered(bus.TopicRunPrefix, journalBuffer),
	}
}

// Start writes events until Close is called.
func (j *Journal) Start(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for ev := range j.sub.Ch() {
			payload, ok := ev.Payload.(coordinator.Event)
			if !ok {
				continue
			}
			// Detached: terminal events of a canceled run must still land.
			if err := j.store.AppendEvent(context.WithoutCancel(ctx), payload); err != nil {
				j.failed.Add(1)
				j.logger.Warn("journal write failed", "run_id", payload.RunID, "kind", payload.Kind, "error", err)
				continue
			}
			j.written.Add(1)
		}
	}()
}

// Close stops the subscription and waits for buffered events to be written.
func (j *Journal) Close() {
	j.once.Do(func() {
		j.bus.Unsubscribe(j.sub)
		j.wg.Wait()
		if dropped := j.sub.Dropped(); dropped > 0 {
			j.logger.Warn("journal dropped events", "count", dropped)
		}
	})
}

// Written returns how many events have been stored.
func (j *Journal) Written() int64 { return j.written.Load() }

// Failed returns how many events could not be stored.
func (j *Journal) Failed() int64 { return j.failed.Load() }
