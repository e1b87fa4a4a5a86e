// Package memstore is an in-process MessageQueueStore for tests and single-node tooling.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/store/storeiface"
)

type queue struct {
	seq  int64
	ts   int64
	envs []*envelope.Envelope
}

type Store struct {
	mu     sync.Mutex
	queues map[envelope.DeviceKey]*queue
	now    func() time.Time

	drainErrs []error
	drains    int
}

var _ storeiface.MessageQueueStore = (*Store)(nil)

var ErrInjected = errors.New("memstore: injected failure")

func New() *Store {
	return &Store{queues: make(map[envelope.DeviceKey]*queue), now: time.Now}
}

func (s *Store) q(key envelope.DeviceKey) *queue {
	q, ok := s.queues[key]
	if !ok {
		q = &queue{}
		s.queues[key] = q
	}
	return q
}

func (s *Store) Append(_ context.Context, key envelope.DeviceKey, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env == nil {
		return nil, errors.New("memstore: nil envelope")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.q(key)
	e := *env
	if e.GUID == uuid.Nil {
		e.GUID = uuid.New()
	}
	q.seq++
	ts := s.now().UnixMilli()
	if ts < q.ts {
		ts = q.ts
	}
	q.ts = ts
	e.Seq, e.ServerTimestamp = q.seq, ts
	q.envs = append(q.envs, &e)
	out := e
	return &out, nil
}

func (s *Store) Drain(_ context.Context, key envelope.DeviceKey, afterSeq int64, limit int) ([]*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++
	if len(s.drainErrs) > 0 {
		err := s.drainErrs[0]
		s.drainErrs = s.drainErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = 200
	}
	var out []*envelope.Envelope
	for _, e := range s.q(key).envs {
		if e.Seq <= afterSeq {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Acknowledge(_ context.Context, key envelope.DeviceKey, guid uuid.UUID) (*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.q(key)
	for i, e := range q.envs {
		if e.GUID == guid {
			q.envs = append(q.envs[:i], q.envs[i+1:]...)
			return e, nil
		}
	}
	return nil, storeiface.ErrNotFound
}

// Len is the number of unacknowledged envelopes for key.
func (s *Store) Len(key envelope.DeviceKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.q(key).envs)
}

// FailDrains makes the next n Drain calls fail.
func (s *Store) FailDrains(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.drainErrs = append(s.drainErrs, ErrInjected)
	}
}

// DrainCount is the number of Drain calls served so far.
func (s *Store) DrainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drains
}
