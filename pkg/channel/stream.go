package channel

import (
	"context"
	"errors"
	"io"
	"sync"

	"code.hybscloud.com/lfq"

	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/wire"
)

// ErrStreamClosed is returned by Next after the consumer closed the stream.
var ErrStreamClosed = errors.New("stream closed")

type streamItem struct {
	index uint64
	body  []byte
}

// Stream is the consumer side of one streaming request.
//
// The channel reader is the only producer and the caller of Next the only
// consumer; Next must not be called concurrently. Items are delivered in
// index order, followed by exactly one terminal result: io.EOF for a normal
// end, or the error that ended the stream. When the queue is full the reader
// waits for Next, so a slow consumer slows the connection instead of losing
// items.
type Stream struct {
	ch  *Channel
	id  uint64
	typ string

	q      lfq.SPSC[streamItem]
	notify chan struct{}
	// space wakes the producer after Next dequeued or the stream finished.
	space chan struct{}

	// next is the index expected from the peer. Producer only.
	next uint64

	mu       sync.Mutex
	finished bool
	term     error
}

func newStream(ch *Channel, id uint64, typ string, capacity int) *Stream {
	s := &Stream{
		ch:     ch,
		id:     id,
		typ:    typ,
		notify: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
	s.q.Init(capacity)
	return s
}

// ID returns the correlation id of the stream.
func (s *Stream) ID() uint64 { return s.id }

func (s *Stream) op() string { return "stream " + s.typ }

func wake(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (s *Stream) signal() { wake(s.notify) }

func (s *Stream) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// terminate records the terminal result. The first call wins.
func (s *Stream) terminate(err error) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.finished = true
	s.term = err
	s.mu.Unlock()
	s.signal()
	wake(s.space)
	return true
}

// fail terminates the stream because of a local problem and tells the
// peer to stop.
func (s *Stream) fail(err error) {
	if s.terminate(err) {
		s.ch.dropStream(s.id)
		go s.ch.cancelStream(s.id)
	}
}

// deliver runs on the channel reader goroutine.
func (s *Stream) deliver(env wire.Envelope) {
	if s.isFinished() {
		return
	}
	codec := s.ch.opts.Codec

	switch env.Kind {
	case wire.KindStreamItem:
		var item wire.StreamItem
		if err := codec.Unmarshal(env.Payload, &item); err != nil {
			s.fail(errs.Wrap(errs.KindDeserialization, s.op(), err))
			return
		}
		if item.Index != s.next {
			s.ch.logger.Warn("stream index out of order",
				log.Uint64("correlation_id", s.id),
				log.Uint64("index", item.Index),
				log.Uint64("expected", s.next))
			s.fail(errs.Errorf(errs.KindStreamProtocol, s.op(), "item index %d, expected %d", item.Index, s.next))
			return
		}
		if !s.push(streamItem{index: item.Index, body: item.Body}) {
			// Closed while waiting for room.
			return
		}
		s.next++
		s.signal()

	case wire.KindStreamEnd:
		var end wire.StreamEnd
		if err := codec.Unmarshal(env.Payload, &end); err != nil {
			s.fail(errs.Wrap(errs.KindDeserialization, s.op(), err))
			return
		}
		s.ch.dropStream(s.id)
		if end.Count != s.next {
			s.terminate(errs.Errorf(errs.KindStreamProtocol, s.op(), "end after %d items, received %d", end.Count, s.next))
			return
		}
		s.terminate(io.EOF)

	case wire.KindStreamError:
		var se wire.StreamError
		if err := codec.Unmarshal(env.Payload, &se); err != nil {
			s.fail(errs.Wrap(errs.KindDeserialization, s.op(), err))
			return
		}
		s.ch.dropStream(s.id)
		s.terminate(se.Err.Err(s.op()))

	case wire.KindReply:
		// A worker that could not read the request answers with a plain
		// reply.
		var rep wire.Reply
		s.ch.dropStream(s.id)
		if err := codec.Unmarshal(env.Payload, &rep); err != nil {
			s.terminate(errs.Wrap(errs.KindDeserialization, s.op(), err))
			return
		}
		if rep.Err != nil {
			s.terminate(rep.Err.Err(s.op()))
			return
		}
		s.terminate(errs.Errorf(errs.KindStreamProtocol, s.op(), "plain reply to a stream request"))
	}
}

// push enqueues it, waiting for the consumer while the queue is full. It
// returns false if the stream finished or the channel closed first.
func (s *Stream) push(it streamItem) bool {
	for {
		if s.q.Enqueue(&it) == nil {
			return true
		}
		if s.isFinished() {
			return false
		}
		select {
		case <-s.space:
		case <-s.ch.closing:
			return false
		case <-s.ch.done:
			return false
		}
	}
}

// Next returns the body of the next item. After the last item it returns
// io.EOF; if the stream failed it returns the failure. Contexts without a
// deadline get the channel's call timeout per item.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	ctx, cancel := s.ch.withDefaultTimeout(ctx)
	defer cancel()

	for {
		if it, err := s.q.Dequeue(); err == nil {
			wake(s.space)
			return it.body, nil
		}

		s.mu.Lock()
		finished, term := s.finished, s.term
		s.mu.Unlock()
		if finished {
			// The producer enqueues before it terminates.
			if it, err := s.q.Dequeue(); err == nil {
				return it.body, nil
			}
			return nil, term
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, errs.FromContext(s.op(), ctx.Err())
		}
	}
}

// Close abandons the stream. If it has not finished, the peer is told to
// stop and any late frames are dropped.
func (s *Stream) Close() error {
	if s.terminate(ErrStreamClosed) {
		s.ch.cancelStream(s.id)
	}
	return nil
}
