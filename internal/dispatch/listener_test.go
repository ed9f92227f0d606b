package dispatch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeAcceptor struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (f *fakeAcceptor) Accept(c net.Conn) {
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
}

func (f *fakeAcceptor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func TestListenerRoundRobinsAcrossWorkers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	w1, w2 := &fakeAcceptor{}, &fakeAcceptor{}
	l := New(ln, []Acceptor{w1, w2}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	defer cancel()

	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer c.Close()
	}

	require.Eventually(t, func() bool {
		return w1.count()+w2.count() == 4
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 2, w1.count())
	require.Equal(t, 2, w2.count())
}

func TestListenerStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	w1 := &fakeAcceptor{}
	l := New(ln, []Acceptor{w1}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
