package mirror

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devosoft/avida-bridge/pkg/events"
	"github.com/devosoft/avida-bridge/pkg/logger"
	"github.com/devosoft/avida-bridge/pkg/message"
)

// AsyncOptions tunes an Async mirror.
type AsyncOptions struct {
	Buffer       int              // records waiting for the sink
	WriteTimeout time.Duration    // per-record sink deadline
	Events       events.Publisher // may be nil
}

// Async hands records to a single background writer through a bounded
// buffer. Mirror never blocks: a full buffer drops the record.
type Async struct {
	sink    Sink
	counter CounterSource
	opts    AsyncOptions

	records chan Record
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	once    sync.Once

	dropped   atomic.Uint64
	written   atomic.Uint64
	failed    atomic.Uint64
	sinkDown  bool // worker goroutine only
	lastError string
}

// NewAsync starts the writer goroutine. Close stops it.
func NewAsync(sink Sink, counter CounterSource, opts AsyncOptions) *Async {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	a := &Async{
		sink:    sink,
		counter: counter,
		opts:    opts,
		records: make(chan Record, opts.Buffer),
		done:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Mirror snapshots the update counter and queues a record.
func (a *Async) Mirror(dir Direction, sourceRole string, msg message.Message) {
	if a.closed.Load() {
		return
	}
	rec := Record{
		ID:   uuid.NewString(),
		Data: msg,
		Meta: Meta{
			UpdateCounter: a.counter.UpdateCounter(),
			SourceRole:    sourceRole,
			Direction:     dir,
			Timestamp:     time.Now().UTC(),
		},
	}
	select {
	case a.records <- rec:
	default:
		n := a.dropped.Add(1)
		// Log the first drop and then every 1000th.
		if n == 1 || n%1000 == 0 {
			logger.WarnCF("mirror", "Diagnostic buffer full, dropping records", map[string]interface{}{
				"dropped": n,
				"sink":    a.sink.Name(),
			})
			a.opts.Events.Publish(events.New(events.MirrorDropped, "mirror", events.MirrorEventData{
				Sink:    a.sink.Name(),
				Dropped: n,
			}))
		}
	}
}

// Stats reports lifetime counters.
func (a *Async) Stats() (written, failed, dropped uint64) {
	return a.written.Load(), a.failed.Load(), a.dropped.Load()
}

// Close stops the writer and closes the sink. Records still buffered are
// discarded.
func (a *Async) Close() error {
	var err error
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.done)
		a.wg.Wait()
		err = a.sink.Close()
	})
	return err
}

func (a *Async) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case rec := <-a.records:
			a.write(rec)
		}
	}
}

func (a *Async) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.WriteTimeout)
	err := a.sink.Write(ctx, rec)
	cancel()

	if err != nil {
		a.failed.Add(1)
		if !a.sinkDown || err.Error() != a.lastError {
			logger.DebugCF("mirror", "Diagnostic sink unavailable", map[string]interface{}{
				"sink":  a.sink.Name(),
				"error": err.Error(),
			})
		}
		if !a.sinkDown {
			a.sinkDown = true
			a.opts.Events.Publish(events.New(events.MirrorSinkDown, "mirror", events.MirrorEventData{
				Sink:  a.sink.Name(),
				Error: err.Error(),
			}))
		}
		a.lastError = err.Error()
		return
	}

	a.written.Add(1)
	if a.sinkDown {
		a.sinkDown = false
		a.lastError = ""
		logger.InfoCF("mirror", "Diagnostic sink recovered", map[string]interface{}{"sink": a.sink.Name()})
		a.opts.Events.Publish(events.New(events.MirrorSinkUp, "mirror", events.MirrorEventData{Sink: a.sink.Name()}))
	}
}
