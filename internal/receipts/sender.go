// Package receipts tells a sender that the server delivered their message.
package receipts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/accounts"
	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/pkg/envelope"
)

var ErrQueueFull = errors.New("receipts: queue full")

// Deliverer queues one envelope for one device.
type Deliverer interface {
	Send(ctx context.Context, acct *accounts.Account, dev *accounts.Device, env *envelope.Envelope) (*envelope.Envelope, error)
}

type Options struct {
	Workers   int
	QueueSize int
	OpTimeout time.Duration
}

type task struct {
	src       uuid.UUID
	srcDevice uint8
	dest      uuid.UUID
	messageID int64
}

// Sender delivers receipts asynchronously on a fixed pool of workers. Receipts that
// fail are logged and dropped.
type Sender struct {
	dir     accounts.Directory
	deliver Deliverer
	log     *zap.Logger
	opt     Options

	q        chan task
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSender(dir accounts.Directory, deliver Deliverer, log *zap.Logger, opt Options) *Sender {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.OpTimeout <= 0 {
		opt.OpTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sender{
		dir:     dir,
		deliver: deliver,
		log:     log,
		opt:     opt,
		q:       make(chan task, opt.QueueSize),
		stop:    make(chan struct{}),
	}
	for i := 0; i < opt.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Close stops the workers; queued receipts are abandoned.
func (s *Sender) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// SendReceipt tells dest that the device (src, srcDevice) received messageID, the
// client timestamp of the acknowledged message. A device acknowledging its own
// account's message produces nothing.
func (s *Sender) SendReceipt(src uuid.UUID, srcDevice uint8, dest uuid.UUID, messageID int64) error {
	if src == dest {
		return nil
	}
	select {
	case s.q <- task{src: src, srcDevice: srcDevice, dest: dest, messageID: messageID}:
		return nil
	default:
		metrics.ReceiptsFailed.Inc()
		return ErrQueueFull
	}
}

func (s *Sender) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case t := <-s.q:
			if err := s.send(t); err != nil {
				metrics.ReceiptsFailed.Inc()
				s.log.Warn("delivery receipt dropped",
					zap.String("source", t.src.String()), zap.String("destination", t.dest.String()), zap.Error(err))
			}
		}
	}
}

func (s *Sender) send(t task) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.OpTimeout)
	defer cancel()

	dest, err := s.dir.GetByAccountIdentifier(ctx, t.dest)
	if err != nil {
		return err
	}
	if dest == nil {
		// sender deleted their account; nobody to tell
		return nil
	}
	src := t.src
	var errs []error
	for _, dev := range dest.Devices {
		env := &envelope.Envelope{
			Type:                      envelope.TypeServerReceipt,
			SourceIdentifier:          &src,
			SourceDevice:              t.srcDevice,
			DestinationIdentifier:     dest.Identifier,
			DestinationRegistrationID: dev.RegistrationIDFor(accounts.IdentityACI),
			ClientTimestamp:           t.messageID,
			Urgent:                    false,
		}
		if _, err := s.deliver.Send(ctx, dest, dev, env); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.ReceiptsSent.Inc()
	}
	return errors.Join(errs...)
}
