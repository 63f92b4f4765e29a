package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/kvstore"
)

const writeTimeout = 5 * time.Second

type writeOp struct {
	key    string
	value  string
	delete bool
	// barrier, when set, is closed once every earlier op has been applied.
	barrier chan struct{}
}

// writer applies store mutations in submission order on one goroutine so
// callers never wait on the backing store.
type writer struct {
	kv     kvstore.Store
	logger *zap.Logger
	hook   func(op string, err error)

	mu     sync.Mutex
	queue  []writeOp
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newWriter(kv kvstore.Store, logger *zap.Logger, hook func(string, error)) *writer {
	w := &writer{
		kv:     kv,
		logger: logger,
		hook:   hook,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) enqueue(op writeOp) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, op)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *writer) set(key, value string) { w.enqueue(writeOp{key: key, value: value}) }

func (w *writer) del(key string) { w.enqueue(writeOp{key: key, delete: true}) }

// flush blocks until everything queued so far is applied or ctx ends.
func (w *writer) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !w.enqueue(writeOp{barrier: barrier}) {
		select {
		case <-w.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting writes and waits for the queue to drain.
func (w *writer) close(ctx context.Context) error {
	w.mu.Lock()
	alreadyClosed := w.closed
	w.closed = true
	w.mu.Unlock()
	if !alreadyClosed {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) loop() {
	defer close(w.done)
	for range w.wake {
		for {
			w.mu.Lock()
			ops := w.queue
			w.queue = nil
			closed := w.closed
			w.mu.Unlock()

			if len(ops) == 0 {
				if closed {
					return
				}
				break
			}
			for _, op := range ops {
				w.apply(op)
			}
		}
	}
}

func (w *writer) apply(op writeOp) {
	if op.barrier != nil {
		close(op.barrier)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	kind := "set"
	var err error
	if op.delete {
		kind = "delete"
		err = w.kv.Delete(ctx, op.key)
	} else {
		err = w.kv.Set(ctx, op.key, op.value)
	}
	if err != nil {
		w.logger.Warn("persist state failed", zap.String("key", op.key), zap.String("op", kind), zap.Error(err))
	}
	if w.hook != nil {
		w.hook(kind, err)
	}
}
