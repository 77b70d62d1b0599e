package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/starpool/pkg/codec"
	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/wire"
)

// fakePeer is the far end of a pipe. It records everything the channel
// writes and lets the test write raw envelopes back.
type fakePeer struct {
	t    *testing.T
	conn net.Conn
	in   chan wire.Envelope
	wmu  sync.Mutex
}

func newTestChannel(t *testing.T, opts Options) (*Channel, *fakePeer) {
	t.Helper()
	a, b := net.Pipe()
	ch := New(a, opts)
	p := &fakePeer{t: t, conn: b, in: make(chan wire.Envelope, 128)}
	go func() {
		r := wire.NewReader(b)
		for {
			env, err := r.Read()
			if err != nil {
				close(p.in)
				return
			}
			p.in <- env
		}
	}()
	t.Cleanup(func() {
		_ = ch.Close()
		_ = b.Close()
	})
	return ch, p
}

func (p *fakePeer) next() wire.Envelope {
	p.t.Helper()
	select {
	case env, ok := <-p.in:
		if !ok {
			p.t.Fatal("peer connection closed")
		}
		return env
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for envelope")
	}
	return wire.Envelope{}
}

func (p *fakePeer) send(kind wire.Kind, id uint64, body any) {
	p.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = codec.Default.Marshal(body); err != nil {
			p.t.Fatalf("marshal: %v", err)
		}
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := wire.Write(p.conn, wire.Envelope{Kind: kind, CorrelationID: id, Payload: payload}); err != nil {
		p.t.Errorf("peer write: %v", err)
	}
}

func decodeRequest(t *testing.T, env wire.Envelope) wire.Request {
	t.Helper()
	var req wire.Request
	if err := codec.Default.Unmarshal(env.Payload, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func TestRequest_OutOfOrderReplies(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	const n = 8
	type result struct {
		want string
		got  string
		err  error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		body := fmt.Sprintf("msg-%d", i)
		go func() {
			rep, err := ch.Request(context.Background(), wire.Request{Type: "echo", Body: []byte(body)})
			results <- result{want: body, got: string(rep.Body), err: err}
		}()
	}

	reqs := make([]wire.Envelope, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, p.next())
	}
	// Answer in reverse arrival order.
	for i := len(reqs) - 1; i >= 0; i-- {
		req := decodeRequest(t, reqs[i])
		p.send(wire.KindReply, reqs[i].CorrelationID, wire.Reply{Body: req.Body})
	}

	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Request() error: %v", r.err)
		}
		if r.got != r.want {
			t.Errorf("reply = %q, want %q", r.got, r.want)
		}
	}
	if ch.Pending() != 0 {
		t.Errorf("Pending() = %d after all replies", ch.Pending())
	}
}

func TestRequest_ErrorReply(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	go func() {
		env := p.next()
		p.send(wire.KindReply, env.CorrelationID, wire.Reply{Err: &errs.Wire{Kind: errs.KindCall, Message: "boom"}})
	}()

	rep, err := ch.Request(context.Background(), wire.Request{Type: "x"})
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if !errors.Is(rep.Err.Err("ask x"), errs.ErrCall) {
		t.Errorf("reply error = %v, want call error", rep.Err)
	}
}

func TestDisconnect_FailsOutstanding(t *testing.T) {
	var closed error
	closedCh := make(chan struct{})
	ch, p := newTestChannel(t, Options{OnClose: func(err error) {
		closed = err
		close(closedCh)
	}})
	ch.Start(nil)

	const n = 4
	errCh := make(chan error, n+1)
	for i := 0; i < n; i++ {
		go func() {
			_, err := ch.Request(context.Background(), wire.Request{Type: "slow"})
			errCh <- err
		}()
	}
	s, err := ch.OpenStream(context.Background(), wire.Request{Type: "count"})
	if err != nil {
		t.Fatalf("OpenStream() error: %v", err)
	}
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()

	for i := 0; i < n+1; i++ {
		p.next()
	}
	_ = p.conn.Close()

	for i := 0; i < n+1; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, errs.ErrConnection) {
				t.Errorf("error = %v, want connection error", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("outstanding operation not failed")
		}
	}

	<-closedCh
	if !errors.Is(closed, errs.ErrConnection) {
		t.Errorf("OnClose error = %v", closed)
	}
	select {
	case <-ch.Done():
	default:
		t.Error("Done() not closed")
	}

	if _, err := ch.Request(context.Background(), wire.Request{Type: "late"}); !errors.Is(err, errs.ErrConnection) {
		t.Errorf("Request() after close = %v, want connection error", err)
	}
}

func TestRequest_TimeoutSendsCancel(t *testing.T) {
	ch, p := newTestChannel(t, Options{PropagateCancel: true})
	ch.Start(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Request(ctx, wire.Request{Type: "sleep"})
		errCh <- err
	}()

	req := p.next()
	cn := p.next()
	if cn.Kind != wire.KindCancel || cn.CorrelationID != req.CorrelationID {
		t.Fatalf("got %v/%d, want Cancel/%d", cn.Kind, cn.CorrelationID, req.CorrelationID)
	}
	if err := <-errCh; !errors.Is(err, errs.ErrTimeout) {
		t.Errorf("error = %v, want timeout", err)
	}

	// A late reply is dropped without disturbing the channel.
	p.send(wire.KindReply, req.CorrelationID, wire.Reply{Body: []byte("late")})
	go func() {
		env := p.next()
		p.send(wire.KindReply, env.CorrelationID, wire.Reply{Body: []byte("ok")})
	}()
	rep, err := ch.Request(context.Background(), wire.Request{Type: "after"})
	if err != nil || string(rep.Body) != "ok" {
		t.Errorf("Request() = %q, %v", rep.Body, err)
	}
}

func TestRequest_DefaultTimeout(t *testing.T) {
	ch, p := newTestChannel(t, Options{CallTimeout: 30 * time.Millisecond})
	ch.Start(nil)
	go func() { <-p.in }()

	_, err := ch.Request(context.Background(), wire.Request{Type: "never"})
	if !errors.Is(err, errs.ErrTimeout) {
		t.Errorf("error = %v, want timeout", err)
	}
}

func collect(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		body, err := s.Next(context.Background())
		if err != nil {
			return out, err
		}
		out = append(out, string(body))
	}
}

func TestStream_OrderAndEnd(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	s, err := ch.OpenStream(context.Background(), wire.Request{Type: "count"})
	if err != nil {
		t.Fatalf("OpenStream() error: %v", err)
	}
	env := p.next()
	if req := decodeRequest(t, env); !req.Stream {
		t.Error("stream flag not set on request")
	}
	for i := uint64(0); i < 5; i++ {
		p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: i, Body: []byte(fmt.Sprint(i + 1))})
	}
	p.send(wire.KindStreamEnd, env.CorrelationID, wire.StreamEnd{Count: 5})

	got, err := collect(t, s)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	want := []string{"1", "2", "3", "4", "5"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("items = %v, want %v", got, want)
	}
	if _, err := s.Next(context.Background()); err != io.EOF {
		t.Errorf("Next() after end = %v, want io.EOF", err)
	}
}

func TestStream_ErrorAfterItems(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	s, err := ch.OpenStream(context.Background(), wire.Request{Type: "fail"})
	if err != nil {
		t.Fatal(err)
	}
	env := p.next()
	p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: 0, Body: []byte("a")})
	p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: 1, Body: []byte("b")})
	p.send(wire.KindStreamError, env.CorrelationID, wire.StreamError{Index: 2, Err: errs.Wire{Kind: errs.KindCall, Message: "failed at 2"}})

	got, err := collect(t, s)
	if len(got) != 2 {
		t.Errorf("items = %v, want 2 items", got)
	}
	if !errors.Is(err, errs.ErrCall) {
		t.Errorf("terminal error = %v, want call error", err)
	}
}

func TestStream_IndexViolation(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	s, err := ch.OpenStream(context.Background(), wire.Request{Type: "bad"})
	if err != nil {
		t.Fatal(err)
	}
	env := p.next()
	p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: 0})
	p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: 2})

	got, err := collect(t, s)
	if len(got) != 1 {
		t.Errorf("items = %d, want 1", len(got))
	}
	if !errors.Is(err, errs.ErrStreamProtocol) {
		t.Errorf("terminal error = %v, want stream protocol error", err)
	}
	if cn := p.next(); cn.Kind != wire.KindCancel || cn.CorrelationID != env.CorrelationID {
		t.Errorf("got %v/%d, want Cancel for the stream", cn.Kind, cn.CorrelationID)
	}
}

func TestStream_EndCountMismatch(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	s, _ := ch.OpenStream(context.Background(), wire.Request{Type: "short"})
	env := p.next()
	p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: 0})
	p.send(wire.KindStreamEnd, env.CorrelationID, wire.StreamEnd{Count: 3})

	if _, err := collect(t, s); !errors.Is(err, errs.ErrStreamProtocol) {
		t.Errorf("terminal error = %v, want stream protocol error", err)
	}
}

func TestStream_CloseSendsCancel(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	s, _ := ch.OpenStream(context.Background(), wire.Request{Type: "endless"})
	env := p.next()
	p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: 0})
	if _, err := s.Next(context.Background()); err != nil {
		t.Fatal(err)
	}

	_ = s.Close()
	if cn := p.next(); cn.Kind != wire.KindCancel || cn.CorrelationID != env.CorrelationID {
		t.Fatalf("got %v/%d, want Cancel", cn.Kind, cn.CorrelationID)
	}
	// Late frames are ignored.
	p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: 1})
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Next() after Close = %v", err)
	}
	if ch.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", ch.Pending())
	}
}

func TestInboundHandler(t *testing.T) {
	ch, p := newTestChannel(t, Options{})

	got := make(chan wire.Envelope, 1)
	ch.Start(func(env wire.Envelope) {
		got <- env
		var cb wire.Callback
		if err := codec.Default.Unmarshal(env.Payload, &cb); err != nil {
			t.Errorf("decode callback: %v", err)
			return
		}
		go func() {
			_ = ch.Send(wire.KindCallbackReply, env.CorrelationID, wire.CallbackReply{Body: append([]byte("re:"), cb.Body...)})
		}()
	})

	p.send(wire.KindCallback, 42, wire.Callback{Type: "lookup", Body: []byte("k")})
	env := <-got
	if env.Kind != wire.KindCallback || env.CorrelationID != 42 {
		t.Errorf("handler got %v/%d", env.Kind, env.CorrelationID)
	}

	reply := p.next()
	if reply.Kind != wire.KindCallbackReply || reply.CorrelationID != 42 {
		t.Fatalf("reply = %v/%d", reply.Kind, reply.CorrelationID)
	}
	var rep wire.CallbackReply
	if err := codec.Default.Unmarshal(reply.Payload, &rep); err != nil {
		t.Fatal(err)
	}
	if string(rep.Body) != "re:k" {
		t.Errorf("reply body = %q", rep.Body)
	}
}

func TestCallback_RoundTrip(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	go func() {
		env := p.next()
		p.send(wire.KindCallbackReply, env.CorrelationID, wire.CallbackReply{Body: []byte("pong")})
	}()
	rep, err := ch.Callback(context.Background(), wire.Callback{Type: "ping"})
	if err != nil || string(rep.Body) != "pong" {
		t.Errorf("Callback() = %q, %v", rep.Body, err)
	}
}

func TestClose_BeforeStart(t *testing.T) {
	ch, _ := newTestChannel(t, Options{})
	_ = ch.Close()
	if !errors.Is(ch.Err(), errs.ErrConnection) {
		t.Errorf("Err() = %v", ch.Err())
	}
	if _, err := ch.OpenStream(context.Background(), wire.Request{Type: "x"}); !errors.Is(err, errs.ErrConnection) {
		t.Errorf("OpenStream() = %v", err)
	}
}

func TestStream_SlowConsumerGetsEveryItem(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	s, err := ch.OpenStream(context.Background(), wire.Request{Type: "count"})
	if err != nil {
		t.Fatal(err)
	}
	env := p.next()

	const n = 100
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := uint64(0); i < n; i++ {
			p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: i, Body: []byte(fmt.Sprint(i))})
		}
		p.send(wire.KindStreamEnd, env.CorrelationID, wire.StreamEnd{Count: n})
	}()

	// Let the producer fill the queue well past its capacity.
	time.Sleep(300 * time.Millisecond)

	got, err := collect(t, s)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	if len(got) != n {
		t.Fatalf("items = %d, want %d", len(got), n)
	}
	for i, v := range got {
		if v != fmt.Sprint(i) {
			t.Fatalf("item %d = %q", i, v)
		}
	}
	<-sent
}

func TestStream_CloseReleasesBlockedReader(t *testing.T) {
	ch, p := newTestChannel(t, Options{StreamBuffer: 2})
	ch.Start(nil)

	s, err := ch.OpenStream(context.Background(), wire.Request{Type: "endless"})
	if err != nil {
		t.Fatal(err)
	}
	env := p.next()

	// More items than the queue holds leave the reader waiting.
	go func() {
		for i := uint64(0); i < 16; i++ {
			p.send(wire.KindStreamItem, env.CorrelationID, wire.StreamItem{Index: i})
		}
	}()
	time.Sleep(50 * time.Millisecond)

	_ = s.Close()
	if cn := p.next(); cn.Kind != wire.KindCancel {
		t.Fatalf("got %v, want Cancel", cn.Kind)
	}

	// The reader is free again: an ordinary request completes.
	go func() {
		req := p.next()
		p.send(wire.KindReply, req.CorrelationID, wire.Reply{Body: []byte("ok")})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rep, err := ch.Request(ctx, wire.Request{Type: "echo"})
	if err != nil || string(rep.Body) != "ok" {
		t.Fatalf("Request() after Close = %q, %v", rep.Body, err)
	}
}

func TestStream_PlainReplyEndsStream(t *testing.T) {
	ch, p := newTestChannel(t, Options{})
	ch.Start(nil)

	s, err := ch.OpenStream(context.Background(), wire.Request{Type: "count"})
	if err != nil {
		t.Fatal(err)
	}
	env := p.next()
	p.send(wire.KindReply, env.CorrelationID, wire.Reply{Err: &errs.Wire{Kind: errs.KindSerialization, Message: "decode request"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, errs.ErrSerialization) {
		t.Errorf("Next() = %v, want serialization error", err)
	}
	if ch.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", ch.Pending())
	}
}

func TestCorrelationIDs_SplitBySide(t *testing.T) {
	tests := []struct {
		name     string
		acceptor bool
		parity   uint64
	}{
		{"initiator uses odd ids", false, 1},
		{"acceptor uses even ids", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, p := newTestChannel(t, Options{Acceptor: tt.acceptor})
			ch.Start(nil)

			const rounds = 3
			ids := make(chan uint64, 2*rounds)
			go func() {
				for i := 0; i < 2*rounds; i++ {
					env := p.next()
					ids <- env.CorrelationID
					if env.Kind == wire.KindCallback {
						p.send(wire.KindCallbackReply, env.CorrelationID, wire.CallbackReply{})
					} else {
						p.send(wire.KindReply, env.CorrelationID, wire.Reply{})
					}
				}
			}()

			for i := 0; i < rounds; i++ {
				if _, err := ch.Request(context.Background(), wire.Request{Type: "r"}); err != nil {
					t.Fatal(err)
				}
				if _, err := ch.Callback(context.Background(), wire.Callback{Type: "c"}); err != nil {
					t.Fatal(err)
				}
			}

			seen := map[uint64]bool{}
			for i := 0; i < 2*rounds; i++ {
				id := <-ids
				if id%2 != tt.parity {
					t.Errorf("id %d has the other side's parity", id)
				}
				if seen[id] {
					t.Errorf("id %d used twice", id)
				}
				seen[id] = true
			}
		})
	}
}
