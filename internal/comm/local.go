package comm

import (
	"context"
	"fmt"
	"sync"
)

type group struct {
	col     *collector
	deliver []chan reply
}

// NewGroup returns size communicators that run collectives between goroutines
// of this process. Element i has rank i.
func NewGroup(size int) ([]Comm, error) {
	if size <= 0 {
		return nil, fmt.Errorf("group size must be positive, got %d", size)
	}
	g := &group{col: newCollector(size), deliver: make([]chan reply, size)}
	comms := make([]Comm, size)
	for i := range comms {
		g.deliver[i] = make(chan reply, 1)
		comms[i] = &localComm{g: g, rank: i}
	}
	return comms, nil
}

type localComm struct {
	g      *group
	rank   int
	mu     sync.Mutex
	seq    uint64
	closed bool
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return len(c.g.deliver) }

func (c *localComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	parts, err := c.collective(ctx, opBcast, root, data)
	if err != nil {
		return nil, err
	}
	return parts[0], nil
}

func (c *localComm) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	return c.collective(ctx, opAllgather, 0, data)
}

func (c *localComm) collective(ctx context.Context, op opKind, root int, data []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.seq++

	// copy so ranks never share a payload buffer
	payload := append([]byte(nil), data...)
	out, done, err := c.g.col.add(contribution{Seq: c.seq, Op: op, Root: root, Rank: c.rank, Data: payload})
	if err != nil {
		return nil, err
	}
	if done {
		for _, ch := range c.g.deliver {
			ch <- out
		}
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("collective %d interrupted: %w", c.seq, ctx.Err())
	case r := <-c.g.deliver[c.rank]:
		return r.result()
	}
}

func (c *localComm) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
