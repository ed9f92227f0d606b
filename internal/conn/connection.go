// Package conn implements the per-socket state machine: a growable
// write buffer drained by a dedicated writer goroutine, and a reader
// goroutine that decodes frames of a caller-chosen shape and reports
// them (or connection closure) back to the owning worker.
package conn

import (
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/adred-codev/pubsub-broker/internal/reactor"
	"github.com/adred-codev/pubsub-broker/internal/wire"
)

// Event is one thing a Connection's reader goroutine reports to its
// owning worker: either a decoded frame of type T, or closure.
type Event[T any] struct {
	Token  reactor.Token
	Frame  T
	Closed bool
}

// Connection owns one accepted socket plus its read and write state.
// The read buffer lives entirely inside the reader goroutine (nothing
// else touches it); the write buffer is shared between whichever
// goroutine calls AddPayload and the dedicated writer goroutine, so it
// is protected by a mutex.
//
// There is no WouldBlock to contend with here: net.Conn's Read and
// Write block their calling goroutine, and each Connection gets one
// goroutine dedicated to each direction, so "non-blocking drain" is
// simply "blocking I/O confined to its own goroutine". AddPayload
// itself never blocks on the network — it only appends to a buffer
// and signals a coalesced wakeup, the same pattern the flush timer
// uses to notify workers.
type Connection[T any] struct {
	Token reactor.Token

	// DiagID is a logging-only correlation identifier, distinct from
	// Token: Token is the dense uint64 used for map keys and roster
	// entries, DiagID is what an operator greps log lines for across
	// a connection's lifetime.
	DiagID uuid.UUID

	conn net.Conn

	mu       sync.Mutex
	writeBuf []byte

	wake      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an accepted socket under the given Token.
func New[T any](token reactor.Token, c net.Conn) *Connection[T] {
	return &Connection[T]{
		Token:  token,
		DiagID: uuid.New(),
		conn:   c,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// AddPayload appends bytes to the write buffer and wakes the writer
// goroutine. The buffer grows without a cap; a slow peer causes it to
// grow rather than drop data — TCP backpressure on the socket write,
// not an application-level flow control policy, is what eventually
// throttles the writer goroutine's calls to Write.
func (c *Connection[T]) AddPayload(p []byte) {
	c.mu.Lock()
	c.writeBuf = append(c.writeBuf, p...)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
		// A wakeup is already pending; it will see the new bytes too.
	}
}

// Close closes the underlying socket at most once. Safe to call from
// any goroutine, any number of times.
func (c *Connection[T]) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// RunWriter drains the write buffer to the socket until Close is
// called. It must run in its own goroutine for the lifetime of the
// connection.
func (c *Connection[T]) RunWriter() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			pending := c.writeBuf
			c.writeBuf = nil
			c.mu.Unlock()

			if len(pending) == 0 {
				break
			}
			if _, err := c.conn.Write(pending); err != nil {
				c.Close()
				return
			}
		}
	}
}

// RunReader reads from the socket, decodes frames of type T with the
// line codec, and pushes one Event per decoded frame onto events. On
// EOF or any I/O error it pushes a single closed Event and returns.
// It must run in its own goroutine for the lifetime of the
// connection.
func (c *Connection[T]) RunReader(events chan<- Event[T]) {
	buf := bytes.NewBuffer(make([]byte, 0, wire.DefaultBufferSize))
	chunk := make([]byte, wire.DefaultBufferSize)

	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				v, ok := wire.Decode[T](buf)
				if !ok {
					break
				}
				events <- Event[T]{Token: c.Token, Frame: v}
			}
		}
		if err != nil {
			if err != io.EOF {
				// Any other I/O error is treated the same as peer
				// close: local recovery only, never surfaced further.
				_ = err
			}
			events <- Event[T]{Token: c.Token, Closed: true}
			return
		}
		if n == 0 && err == nil {
			// net.Conn never returns (0, nil) in practice, but guard
			// against a misbehaving implementation looping forever.
			events <- Event[T]{Token: c.Token, Closed: true}
			return
		}
	}
}
