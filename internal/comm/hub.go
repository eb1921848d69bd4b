package comm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

const (
	// maxMessageBytes bounds a single collective payload (one encoded target
	// or one rank's results).
	maxMessageBytes = 1 << 30
	writeWait       = 30 * time.Second
)

// Hub relays collectives between ranks connected over websockets. It does not
// take part in the collectives itself.
type Hub struct {
	size int
	col  *collector
	log  zerolog.Logger

	mu     sync.Mutex
	conns  map[int]*websocket.Conn
	joined int
	left   int
	done   chan struct{}
}

// NewHub creates a hub for a group of size ranks.
func NewHub(size int, log zerolog.Logger) (*Hub, error) {
	if size <= 0 {
		return nil, fmt.Errorf("group size must be positive, got %d", size)
	}
	return &Hub{
		size:  size,
		col:   newCollector(size),
		log:   log.With().Str("component", "comm_hub").Int("size", size).Logger(),
		conns: make(map[int]*websocket.Conn),
		done:  make(chan struct{}),
	}, nil
}

// Done is closed once every rank has joined and disconnected again.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// ServeHTTP upgrades the request and serves one rank until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to accept websocket")
		return
	}
	conn.SetReadLimit(maxMessageBytes)
	ctx := r.Context()

	rank, err := h.register(ctx, conn)
	if err != nil {
		h.log.Warn().Err(err).Msg("Rejected rank")
		_ = writeReply(ctx, conn, reply{Err: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "rejected")
		return
	}
	defer h.unregister(rank)

	log := h.log.With().Int("rank", rank).Logger()
	log.Debug().Msg("Rank joined")

	for {
		var m contribution
		if err := readMessage(ctx, conn, &m); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Warn().Err(err).Msg("Rank connection lost")
			}
			return
		}
		m.Rank = rank

		out, complete, err := h.col.add(m)
		if err != nil {
			log.Error().Err(err).Uint64("seq", m.Seq).Msg("Invalid contribution")
			_ = writeReply(ctx, conn, reply{Seq: m.Seq, Err: err.Error()})
			continue
		}
		if complete {
			h.deliver(ctx, out)
		}
	}
}

func (h *Hub) register(ctx context.Context, conn *websocket.Conn) (int, error) {
	var hello contribution
	if err := readMessage(ctx, conn, &hello); err != nil {
		return 0, fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Op != opHello {
		return 0, errors.New("first message must be a hello")
	}
	if hello.Size != h.size {
		return 0, fmt.Errorf("rank expects group of %d, hub serves %d", hello.Size, h.size)
	}
	if hello.Rank < 0 || hello.Rank >= h.size {
		return 0, fmt.Errorf("rank %d outside group of %d", hello.Rank, h.size)
	}

	h.mu.Lock()
	if _, taken := h.conns[hello.Rank]; taken {
		h.mu.Unlock()
		return 0, fmt.Errorf("rank %d already connected", hello.Rank)
	}
	h.conns[hello.Rank] = conn
	h.joined++
	h.mu.Unlock()

	if err := writeReply(ctx, conn, reply{}); err != nil {
		h.unregister(hello.Rank)
		return 0, fmt.Errorf("failed to acknowledge hello: %w", err)
	}
	return hello.Rank, nil
}

func (h *Hub) unregister(rank int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, rank)
	h.left++
	if h.joined == h.size && h.left == h.size {
		close(h.done)
	}
}

func (h *Hub) deliver(ctx context.Context, out reply) {
	h.mu.Lock()
	conns := make(map[int]*websocket.Conn, len(h.conns))
	for rank, c := range h.conns {
		conns[rank] = c
	}
	h.mu.Unlock()

	for rank, c := range conns {
		if err := writeReply(ctx, c, out); err != nil {
			h.log.Error().Err(err).Int("rank", rank).Uint64("seq", out.Seq).Msg("Failed to deliver collective")
		}
	}
}

// wsComm is a rank connected to a Hub.
type wsComm struct {
	conn *websocket.Conn
	rank int
	size int
	log  zerolog.Logger

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// Dial connects rank to the hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string, rank, size int, log zerolog.Logger) (Comm, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial hub %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageBytes)

	hello := contribution{Op: opHello, Rank: rank, Size: size}
	if err := writeMessage(ctx, conn, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}
	var ack reply
	if err := readMessage(ctx, conn, &ack); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("failed to read hello acknowledgement: %w", err)
	}
	if ack.Err != "" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("hub rejected rank %d: %s", rank, ack.Err)
	}

	return &wsComm{
		conn: conn,
		rank: rank,
		size: size,
		log:  log.With().Str("component", "comm").Int("rank", rank).Logger(),
	}, nil
}

func (c *wsComm) Rank() int { return c.rank }
func (c *wsComm) Size() int { return c.size }

func (c *wsComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	parts, err := c.collective(ctx, opBcast, root, data)
	if err != nil {
		return nil, err
	}
	return parts[0], nil
}

func (c *wsComm) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	return c.collective(ctx, opAllgather, 0, data)
}

func (c *wsComm) collective(ctx context.Context, op opKind, root int, data []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.seq++

	m := contribution{Seq: c.seq, Op: op, Root: root, Rank: c.rank, Size: c.size, Data: data}
	if err := writeMessage(ctx, c.conn, m); err != nil {
		return nil, fmt.Errorf("failed to send collective %d: %w", c.seq, err)
	}
	for {
		var r reply
		if err := readMessage(ctx, c.conn, &r); err != nil {
			return nil, fmt.Errorf("failed to receive collective %d: %w", c.seq, err)
		}
		if r.Seq != c.seq {
			c.log.Warn().Uint64("seq", r.Seq).Uint64("expected", c.seq).Msg("Dropping stale reply")
			continue
		}
		return r.result()
	}
}

func (c *wsComm) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func readMessage(ctx context.Context, conn *websocket.Conn, v any) error {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if typ != websocket.MessageBinary {
		return fmt.Errorf("unexpected %s message", typ)
	}
	return msgpack.Unmarshal(data, v)
}

func writeMessage(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageBinary, data)
}

func writeReply(ctx context.Context, conn *websocket.Conn, r reply) error {
	return writeMessage(ctx, conn, r)
}
