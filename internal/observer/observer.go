// Package observer implements the background worker that drives blob
// rotation and index dumps (C9 / SPEC_FULL.md §4.7): a single goroutine
// alternating between timer-driven threshold checks and ad hoc messages
// from the write path, double-checking each message's predicate under a
// global operation lock before acting on it.
//
// The teacher repo has no background worker — folio is purely
// request/response. This package's shape (a single goroutine owning a
// channel, select over message-or-timeout) is standard idiomatic Go for
// this role; its double-check-under-lock discipline and dump-semaphore
// gating follow SPEC_FULL.md §4.7 directly.
package observer

import (
	"log/slog"
	"sync"
	"time"
)

// Message carries a predicate/op pair sent from the write path (e.g.
// "ForceUpdateActiveBlob"). Predicate is evaluated twice: once before
// taking the operation lock (cheap early-out) and once after (the
// authoritative check), so a message that raced past its relevance
// between send and execution is silently dropped rather than acted on
// stale state.
type Message struct {
	Predicate func() bool
	Op        func() error
}

// Observer runs the single background goroutine described in
// SPEC_FULL.md §4.7.
type Observer struct {
	updateInterval time.Duration
	onTick         func() error
	logger         *slog.Logger

	msgCh chan Message
	stop  chan struct{}
	done  chan struct{}

	opMu sync.Mutex // the "global operation lock" messages double-check under

	dumpSem chan struct{}
	dumpWG  sync.WaitGroup

	mu      sync.Mutex
	lastErr error
	running bool
}

// New returns a stopped Observer. updateInterval is the tick period
// (SPEC_FULL.md default 100ms); onTick implements try_update — evaluating
// rotation thresholds and performing rotation if tripped. dumpSemSize
// bounds concurrent index dumps scheduled via ScheduleDump (default 1).
func New(updateInterval time.Duration, dumpSemSize int, onTick func() error, logger *slog.Logger) *Observer {
	if dumpSemSize <= 0 {
		dumpSemSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		updateInterval: updateInterval,
		onTick:         onTick,
		logger:         logger,
		msgCh:          make(chan Message, 16),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		dumpSem:        make(chan struct{}, dumpSemSize),
	}
}

// Start launches the worker goroutine. Safe to call once per Observer.
func (o *Observer) Start() {
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()
	go o.loop()
}

// Stop signals the worker to exit and waits for in-flight dumps to drain.
func (o *Observer) Stop() {
	close(o.stop)
	<-o.done
	o.dumpWG.Wait()
}

func (o *Observer) loop() {
	defer close(o.done)
	ticker := time.NewTicker(o.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return

		case msg := <-o.msgCh:
			if msg.Predicate != nil && !msg.Predicate() {
				continue // stale by the time it was received; drop
			}
			o.opMu.Lock()
			if msg.Predicate == nil || msg.Predicate() {
				if err := msg.Op(); err != nil {
					o.fail(err)
					o.opMu.Unlock()
					return
				}
			}
			o.opMu.Unlock()

		case <-ticker.C:
			o.opMu.Lock()
			err := o.onTick()
			o.opMu.Unlock()
			if err != nil {
				o.fail(err)
				return
			}
		}
	}
}

func (o *Observer) fail(err error) {
	o.logger.Error("observer stopped", "error", err)
	o.mu.Lock()
	o.lastErr = err
	o.running = false
	o.mu.Unlock()
}

// Notify sends op gated by predicate, non-blocking: if the message queue
// is full the notification is dropped (the next timer tick's try_update
// will catch the same condition), matching SPEC_FULL.md §4.6's
// "send ... (non-blocking)" for ForceUpdateActiveBlob.
func (o *Observer) Notify(predicate func() bool, op func() error) {
	select {
	case o.msgCh <- Message{Predicate: predicate, Op: op}:
	default:
		o.logger.Warn("observer message queue full, dropping notification")
	}
}

// ScheduleDump runs fn asynchronously once a dump-semaphore slot is free,
// bounding concurrent index dumps to the configured dumpSemSize.
func (o *Observer) ScheduleDump(fn func() error) {
	o.dumpWG.Add(1)
	go func() {
		defer o.dumpWG.Done()
		o.dumpSem <- struct{}{}
		defer func() { <-o.dumpSem }()
		if err := fn(); err != nil {
			o.logger.Error("index dump failed", "error", err)
		}
	}()
}

// Running reports whether the worker is still alive (false after an
// onTick/Op error terminated it, per SPEC_FULL.md §7: "Background
// observer failures are logged and terminate the observer").
func (o *Observer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// LastError returns the error that terminated the observer, if any.
func (o *Observer) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}
