// Package persister migrates device queues that have sat in Redis for too long
// into the MySQL tier.
package persister

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/pkg/envelope"
)

// ShortTerm is the Redis tier as the worker sees it.
type ShortTerm interface {
	QueuesToPersist(ctx context.Context, olderThan time.Time, limit int) ([]envelope.DeviceKey, error)
	Drain(ctx context.Context, key envelope.DeviceKey, afterSeq int64, limit int) ([]*envelope.Envelope, error)
	Remove(ctx context.Context, key envelope.DeviceKey, guids []uuid.UUID) ([]uuid.UUID, error)
	Unindex(ctx context.Context, key envelope.DeviceKey) (bool, error)
}

type LongTerm interface {
	Insert(ctx context.Context, key envelope.DeviceKey, envs []*envelope.Envelope) error
	Delete(ctx context.Context, key envelope.DeviceKey, guids []uuid.UUID) error
}

type Notifier interface {
	NotifyPersisted(ctx context.Context, key envelope.DeviceKey) error
}

type Options struct {
	Tick   time.Duration
	Batch  int
	MaxAge time.Duration
}

type Worker struct {
	short  ShortTerm
	long   LongTerm
	notify Notifier
	log    *zap.Logger
	now    func() time.Time

	tick   time.Duration
	batch  int
	maxAge time.Duration

	stop chan struct{}
	done chan struct{}

	// failures counts consecutive failed passes per queue.
	failures map[envelope.DeviceKey]int
	skipTill map[envelope.DeviceKey]time.Time
}

func NewWorker(short ShortTerm, long LongTerm, notify Notifier, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = 1 * time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 100
	}
	if opt.MaxAge <= 0 {
		opt.MaxAge = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		short:    short,
		long:     long,
		notify:   notify,
		log:      log,
		now:      time.Now,
		tick:     opt.Tick,
		batch:    opt.Batch,
		maxAge:   opt.MaxAge,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		failures: make(map[envelope.DeviceKey]int),
		skipTill: make(map[envelope.DeviceKey]time.Time),
	}
}

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		t := time.NewTicker(w.tick)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				w.RunOnce(context.Background())
			}
		}
	}()
}

func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// RunOnce migrates every aged queue it can find and returns how many envelopes moved.
func (w *Worker) RunOnce(ctx context.Context) int {
	lctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	keys, err := w.short.QueuesToPersist(lctx, w.now().Add(-w.maxAge), w.batch)
	cancel()
	if err != nil {
		w.log.Warn("list queues to persist failed", zap.Error(err))
		return 0
	}

	moved := 0
	for _, k := range keys {
		if until, ok := w.skipTill[k]; ok && w.now().Before(until) {
			continue
		}
		n, err := w.persistQueue(ctx, k)
		moved += n
		if err == nil {
			delete(w.failures, k)
			delete(w.skipTill, k)
			continue
		}
		metrics.PersistFailures.Inc()
		rc := w.failures[k] + 1
		w.failures[k] = rc
		backoff := calcBackoff(rc)
		w.skipTill[k] = w.now().Add(backoff)
		if rc == 1 || rc%10 == 0 {
			w.log.Warn("persist queue retry", zap.String("key", k.String()), zap.Int("retry", rc), zap.Duration("backoff", backoff), zap.Error(err))
		}
	}
	return moved
}

// persistQueue copies the whole queue into MySQL before removing it from Redis, so
// every envelope is readable from at least one tier at all times. Envelopes acked
// while the copy was in flight are deleted from MySQL again.
func (w *Worker) persistQueue(ctx context.Context, key envelope.DeviceKey) (int, error) {
	moved := 0
	var after int64
	for {
		octx, cancel := context.WithTimeout(ctx, 3*time.Second)
		envs, err := w.short.Drain(octx, key, after, w.batch)
		cancel()
		if err != nil {
			return moved, err
		}
		if len(envs) == 0 {
			break
		}
		after = envs[len(envs)-1].Seq

		octx, cancel = context.WithTimeout(ctx, 3*time.Second)
		err = w.long.Insert(octx, key, envs)
		cancel()
		if err != nil {
			return moved, err
		}

		guids := make([]uuid.UUID, len(envs))
		for i, e := range envs {
			guids[i] = e.GUID
		}
		octx, cancel = context.WithTimeout(ctx, 3*time.Second)
		removed, err := w.short.Remove(octx, key, guids)
		cancel()
		if err != nil {
			return moved, err
		}
		if gone := missing(guids, removed); len(gone) > 0 {
			octx, cancel = context.WithTimeout(ctx, 3*time.Second)
			err = w.long.Delete(octx, key, gone)
			cancel()
			if err != nil {
				return moved, err
			}
		}
		moved += len(removed)
		metrics.PersistedMessages.Add(float64(len(removed)))

		if len(envs) < w.batch {
			break
		}
	}

	octx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := w.short.Unindex(octx, key); err != nil {
		return moved, err
	}
	if moved > 0 && w.notify != nil {
		if err := w.notify.NotifyPersisted(octx, key); err != nil {
			w.log.Warn("persisted notify failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return moved, nil
}

func missing(all, present []uuid.UUID) []uuid.UUID {
	if len(present) == len(all) {
		return nil
	}
	have := make(map[uuid.UUID]struct{}, len(present))
	for _, g := range present {
		have[g] = struct{}{}
	}
	var out []uuid.UUID
	for _, g := range all {
		if _, ok := have[g]; !ok {
			out = append(out, g)
		}
	}
	return out
}

func calcBackoff(retry int) time.Duration {
	// exponential backoff with cap
	if retry <= 0 {
		return 1 * time.Second
	}
	d := time.Duration(1<<min(retry, 8)) * time.Second // 2s..256s
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
