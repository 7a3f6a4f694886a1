package reduction

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/encoding/protowire"
)

// netTransport is the TCP Transport (§4.5's REDESIGN FLAG: a pluggable
// transport in place of real MPI). Ranks are given as an ordered
// "host:port" list; rank r listens on addrs[r] and dials every addrs[j]
// for j != r, so each unordered pair ends up with two half-duplex
// connections - one carries traffic in each direction. Every frame is a
// 4-byte big-endian length prefix followed by a protowire-encoded
// (zigzag tag, payload bytes) pair, grounded on inos_v1's use of
// google.golang.org/protobuf for peer-to-peer messages.
type netTransport struct {
	rank, size int
	addrs      []string

	listener net.Listener
	out      []net.Conn // out[j]: connection this rank dialed to addrs[j]

	mu     sync.Mutex
	cond   *sync.Cond
	inbox  map[int][]localMessage // tag -> queue, src is the sender's rank
	closed bool
}

// DialNetTransport establishes the full mesh of connections for the rank at
// addrs[rank] and blocks until every peer has connected both ways, or ctx
// is done.
func DialNetTransport(ctx context.Context, rank int, addrs []string) (Transport, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("reduction: nettransport: rank %d out of range for %d addrs", rank, len(addrs))
	}
	t := &netTransport{
		rank:  rank,
		size:  len(addrs),
		addrs: append([]string(nil), addrs...),
		out:   make([]net.Conn, len(addrs)),
		inbox: make(map[int][]localMessage),
	}
	t.cond = sync.NewCond(&t.mu)

	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("reduction: nettransport: listen %s: %w", addrs[rank], err)
	}
	t.listener = ln

	var wg sync.WaitGroup
	acceptErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < t.size-1; i++ {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case acceptErrCh <- err:
				default:
				}
				return
			}
			go t.readLoop(conn)
		}
	}()

	var dialErr error
	for j := 0; j < t.size; j++ {
		if j == rank {
			continue
		}
		conn, err := dialWithRetry(ctx, addrs[j])
		if err != nil {
			dialErr = err
			break
		}
		t.out[j] = conn
	}

	wg.Wait()
	if dialErr != nil {
		return nil, dialErr
	}
	select {
	case err := <-acceptErrCh:
		return nil, fmt.Errorf("reduction: nettransport: accept: %w", err)
	default:
	}
	return t, nil
}

// dialWithRetry paces reconnect attempts with a token-bucket limiter
// rather than a hand-rolled sleep-and-double loop: peers started at
// slightly different times are the common case (process launch order
// across a job's ranks is never synchronized), not a fault worth
// exponential backoff over.
func dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	limiter := rate.NewLimiter(rate.Every(20*time.Millisecond), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
	}
}

func (t *netTransport) Rank() int { return t.rank }
func (t *netTransport) Size() int { return t.size }

// ThreadMultiple is false. Nothing in this package serializes calls on a
// netTransport: the collectives call SendBytes/RecvBytes directly.
func (t *netTransport) ThreadMultiple() bool { return false }

func encodeFrame(tag int, payload []byte) []byte {
	body := protowire.AppendVarint(nil, protowire.EncodeZigZag(int64(tag)))
	body = protowire.AppendBytes(body, payload)
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

func (t *netTransport) SendBytes(ctx context.Context, dest, tag int, data []byte) error {
	if dest == t.rank {
		t.mu.Lock()
		t.inbox[tag] = append(t.inbox[tag], localMessage{src: t.rank, data: data})
		t.cond.Broadcast()
		t.mu.Unlock()
		return nil
	}
	conn := t.out[dest]
	if conn == nil {
		return fmt.Errorf("reduction: nettransport: no connection to rank %d", dest)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	_, err := conn.Write(encodeFrame(tag, data))
	return err
}

func (t *netTransport) readLoop(conn net.Conn) {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		zz, m := protowire.ConsumeVarint(body)
		if m < 0 {
			return
		}
		tag := int(protowire.DecodeZigZag(zz))
		payload, m2 := protowire.ConsumeBytes(body[m:])
		if m2 < 0 {
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.inbox[tag] = append(t.inbox[tag], localMessage{src: -1, data: payload})
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}

// RecvBytes ignores src for matching purposes beyond requiring it be a
// remote peer: a peer-to-peer TCP link only ever delivers frames from the
// one peer on the other end of the connection that fed readLoop, so the
// tag queue is already effectively per-sender except for self-sends.
func (t *netTransport) RecvBytes(ctx context.Context, src, tag int) ([]byte, error) {
	if src == t.rank {
		_, data, err := t.waitInbox(ctx, tag, t.rank)
		return data, err
	}
	_, data, err := t.waitInbox(ctx, tag, -1)
	return data, err
}

func (t *netTransport) RecvAny(ctx context.Context, tag int) (int, []byte, error) {
	src, data, err := t.waitInbox(ctx, tag, -2)
	if err != nil {
		return 0, nil, err
	}
	if src == t.rank && len(data) == 0 {
		return 0, nil, ErrCancelled{}
	}
	return src, data, nil
}

// waitInbox waits for a message under tag. srcFilter == -2 matches
// anything; -1 matches any remote-origin message (network frames do not
// individually tag their sender rank, since each connection is already
// 1:1 with its peer); a non-negative value matches only a local self-send.
func (t *netTransport) waitInbox(ctx context.Context, tag, srcFilter int) (int, []byte, error) {
	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				t.mu.Lock()
				t.cond.Broadcast()
				t.mu.Unlock()
			case <-stop:
			}
		}()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		q := t.inbox[tag]
		for i, m := range q {
			if srcFilter == -2 || m.src == srcFilter || (srcFilter == -1 && m.src != t.rank) {
				t.inbox[tag] = append(q[:i:i], q[i+1:]...)
				return m.src, m.data, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		t.cond.Wait()
	}
}

func (t *netTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	var firstErr error
	if err := t.listener.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, c := range t.out {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
