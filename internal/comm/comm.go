package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrClosed is returned by collectives on a closed communicator.
	ErrClosed = errors.New("communicator closed")
	// ErrMismatch is returned when ranks disagree on the collective being run.
	ErrMismatch = errors.New("collective mismatch between ranks")
)

// Comm is one rank's handle on a group of cooperating workers.
type Comm interface {
	Rank() int
	Size() int
	// Bcast returns root's data on every rank. Only root's data argument is used.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)
	// Allgather returns every rank's data, indexed by rank.
	Allgather(ctx context.Context, data []byte) ([][]byte, error)
	Close() error
}

type opKind uint8

const (
	opHello opKind = iota + 1
	opBcast
	opAllgather
)

type contribution struct {
	Seq  uint64 `msgpack:"seq"`
	Op   opKind `msgpack:"op"`
	Root int    `msgpack:"root"`
	Rank int    `msgpack:"rank"`
	Size int    `msgpack:"size"`
	Data []byte `msgpack:"data"`
}

type reply struct {
	Seq  uint64   `msgpack:"seq"`
	Data [][]byte `msgpack:"data"`
	Err  string   `msgpack:"err,omitempty"`
}

type round struct {
	op    opKind
	root  int
	parts [][]byte
	have  []bool
	count int
	err   string
}

// collector matches contributions of one collective across ranks.
type collector struct {
	size   int
	mu     sync.Mutex
	rounds map[uint64]*round
}

func newCollector(size int) *collector {
	return &collector{size: size, rounds: make(map[uint64]*round)}
}

// add records a contribution and returns the reply once every rank has
// contributed to the round.
func (c *collector) add(m contribution) (reply, bool, error) {
	if m.Rank < 0 || m.Rank >= c.size {
		return reply{}, false, fmt.Errorf("rank %d outside group of %d", m.Rank, c.size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rounds[m.Seq]
	if !ok {
		r = &round{op: m.Op, root: m.Root, parts: make([][]byte, c.size), have: make([]bool, c.size)}
		c.rounds[m.Seq] = r
	}
	if r.have[m.Rank] {
		return reply{}, false, fmt.Errorf("rank %d contributed twice to round %d", m.Rank, m.Seq)
	}
	if r.op != m.Op || r.root != m.Root {
		r.err = fmt.Sprintf("%s: round %d", ErrMismatch, m.Seq)
	}
	r.have[m.Rank] = true
	r.parts[m.Rank] = m.Data
	r.count++
	if r.count < c.size {
		return reply{}, false, nil
	}

	delete(c.rounds, m.Seq)
	out := reply{Seq: m.Seq, Err: r.err}
	if r.err == "" {
		switch r.op {
		case opBcast:
			if r.root < 0 || r.root >= c.size {
				out.Err = fmt.Sprintf("broadcast root %d outside group of %d", r.root, c.size)
			} else {
				out.Data = [][]byte{r.parts[r.root]}
			}
		default:
			out.Data = r.parts
		}
	}
	return out, true, nil
}

func (r reply) result() ([][]byte, error) {
	if r.Err != "" {
		return nil, errors.New(r.Err)
	}
	return r.Data, nil
}

// BcastValue broadcasts root's *v to every rank and decodes it into v.
func BcastValue[T any](ctx context.Context, c Comm, root int, v *T) error {
	var payload []byte
	if c.Rank() == root {
		b, err := msgpack.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode broadcast value: %w", err)
		}
		payload = b
	}
	got, err := c.Bcast(ctx, root, payload)
	if err != nil {
		return err
	}
	var out T
	if err := msgpack.Unmarshal(got, &out); err != nil {
		return fmt.Errorf("failed to decode broadcast value: %w", err)
	}
	*v = out
	return nil
}

// AllgatherValues gathers v from every rank, indexed by rank.
func AllgatherValues[T any](ctx context.Context, c Comm, v T) ([]T, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gather value: %w", err)
	}
	parts, err := c.Allgather(ctx, b)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(parts))
	for i, p := range parts {
		if err := msgpack.Unmarshal(p, &out[i]); err != nil {
			return nil, fmt.Errorf("failed to decode value from rank %d: %w", i, err)
		}
	}
	return out, nil
}

// Barrier blocks until every rank has reached it.
func Barrier(ctx context.Context, c Comm) error {
	_, err := c.Allgather(ctx, nil)
	return err
}
