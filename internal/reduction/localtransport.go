package reduction

import (
	"context"
	"sync"
)

type localMessage struct {
	src  int
	data []byte
}

// localHub is the shared in-process mailbox a group of localTransports pass
// messages through: one queue per (destination rank, tag) pair.
type localHub struct {
	mu    sync.Mutex
	cond  *sync.Cond
	inbox map[int]map[int][]localMessage
}

func newLocalHub(size int) *localHub {
	h := &localHub{inbox: make(map[int]map[int][]localMessage, size)}
	h.cond = sync.NewCond(&h.mu)
	for r := 0; r < size; r++ {
		h.inbox[r] = make(map[int][]localMessage)
	}
	return h
}

func (h *localHub) send(dest, src, tag int, data []byte) {
	h.mu.Lock()
	h.inbox[dest][tag] = append(h.inbox[dest][tag], localMessage{src: src, data: data})
	h.cond.Broadcast()
	h.mu.Unlock()
}

// recv waits for a message addressed to dest under tag. srcFilter == -1
// accepts a message from any sender (RecvAny's contract).
func (h *localHub) recv(ctx context.Context, dest, tag, srcFilter int) (int, []byte, error) {
	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-stop:
			}
		}()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		q := h.inbox[dest][tag]
		for i, m := range q {
			if srcFilter == -1 || m.src == srcFilter {
				h.inbox[dest][tag] = append(q[:i:i], q[i+1:]...)
				return m.src, m.data, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		h.cond.Wait()
	}
}

// localTransport is the in-process Transport implementation used for
// single-process testing and for the `serial`/default-parallel-within-one-
// process case: every rank is a goroutine sharing one localHub. Safe to
// drive concurrently (ThreadMultiple reports true).
type localTransport struct {
	hub  *localHub
	rank int
	size int
}

// NewLocalTransports builds a rendezvous of size in-process Transports
// sharing one hub, indexed by rank (§4.5's non-MPI REDESIGN FLAG: this is
// the zero-network substitute for a real MPI communicator).
func NewLocalTransports(size int) []Transport {
	hub := newLocalHub(size)
	out := make([]Transport, size)
	for r := 0; r < size; r++ {
		out[r] = &localTransport{hub: hub, rank: r, size: size}
	}
	return out
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return t.size }

func (t *localTransport) ThreadMultiple() bool { return true }

func (t *localTransport) SendBytes(ctx context.Context, dest, tag int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.hub.send(dest, t.rank, tag, data)
	return nil
}

func (t *localTransport) RecvBytes(ctx context.Context, src, tag int) ([]byte, error) {
	_, data, err := t.hub.recv(ctx, t.rank, tag, src)
	return data, err
}

func (t *localTransport) RecvAny(ctx context.Context, tag int) (int, []byte, error) {
	src, data, err := t.hub.recv(ctx, t.rank, tag, -1)
	if err != nil {
		return 0, nil, err
	}
	if src == t.rank && len(data) == 0 {
		return 0, nil, ErrCancelled{}
	}
	return src, data, nil
}

func (t *localTransport) Close() error { return nil }
