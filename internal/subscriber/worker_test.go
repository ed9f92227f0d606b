package subscriber

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/pubsub-broker/internal/broadcast"
	"github.com/adred-codev/pubsub-broker/internal/wire"
)

func newTestWorker(t *testing.T, bc *broadcast.Broadcast) *Worker {
	t.Helper()
	return New(Config{
		ID:          1,
		Receiver:    bc.Subscriber(),
		AcceptQueue: 4,
		Log:         zerolog.Nop(),
	})
}

func subscribe(t *testing.T, client net.Conn, channel string) {
	t.Helper()
	frame, err := wire.Encode(wire.Subscribe{Channel: channel})
	require.NoError(t, err)
	_, err = client.Write(frame)
	require.NoError(t, err)
}

func readFrame(t *testing.T, client net.Conn) string {
	t.Helper()
	buf := make([]byte, 256)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestSubscriberDeliversOnlyToMatchingChannel(t *testing.T) {
	bc := broadcast.New()
	w := newTestWorker(t, bc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	serverA, clientA := net.Pipe()
	defer clientA.Close()
	w.Accept(serverA)
	subscribe(t, clientA, "x")

	// Give the worker a moment to process the subscribe frame before
	// the publish arrives, since there is no ack on subscribe.
	time.Sleep(20 * time.Millisecond)

	bc.Publish(mustEncode(t, wire.PubMessage{Channel: "x", Payload: "hi"}))

	got := readFrame(t, clientA)
	require.Contains(t, got, "\"payload\":\"hi\"")
}

func TestSubscriberIgnoresOtherChannels(t *testing.T) {
	bc := broadcast.New()
	w := newTestWorker(t, bc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	serverB, clientB := net.Pipe()
	defer clientB.Close()
	w.Accept(serverB)
	subscribe(t, clientB, "y")
	time.Sleep(20 * time.Millisecond)

	bc.Publish(mustEncode(t, wire.PubMessage{Channel: "x", Payload: "hi"}))

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 16)
		clientB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, err := clientB.Read(buf)
		if err == nil {
			t.Error("unexpected delivery for unsubscribed channel")
		}
		close(done)
	}()
	<-done
}

func TestSubscriberFanOutToMultipleConnections(t *testing.T) {
	bc := broadcast.New()
	w := newTestWorker(t, bc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	serverA, clientA := net.Pipe()
	defer clientA.Close()
	serverB, clientB := net.Pipe()
	defer clientB.Close()
	w.Accept(serverA)
	w.Accept(serverB)
	subscribe(t, clientA, "x")
	subscribe(t, clientB, "x")
	time.Sleep(20 * time.Millisecond)

	bc.Publish(mustEncode(t, wire.PubMessage{Channel: "x", Payload: "p"}))

	require.Contains(t, readFrame(t, clientA), "\"payload\":\"p\"")
	require.Contains(t, readFrame(t, clientB), "\"payload\":\"p\"")
}

func TestSubscriberClosureEvictsFromRoster(t *testing.T) {
	bc := broadcast.New()
	w := newTestWorker(t, bc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	serverA, clientA := net.Pipe()
	w.Accept(serverA)
	subscribe(t, clientA, "z")
	time.Sleep(20 * time.Millisecond)

	clientA.Close()
	time.Sleep(20 * time.Millisecond)

	// Publishing after close must not panic or block; there's nothing
	// to observe from the closed client, so we just assert the worker
	// keeps processing by checking it accepts and serves a new one.
	bc.Publish(mustEncode(t, wire.PubMessage{Channel: "z", Payload: "after-close"}))

	serverB, clientB := net.Pipe()
	defer clientB.Close()
	w.Accept(serverB)
	subscribe(t, clientB, "z")
	time.Sleep(20 * time.Millisecond)

	bc.Publish(mustEncode(t, wire.PubMessage{Channel: "z", Payload: "still-alive"}))
	require.Contains(t, readFrame(t, clientB), "still-alive")
}

func TestDuplicateSubscribeProducesDuplicateDelivery(t *testing.T) {
	bc := broadcast.New()
	w := newTestWorker(t, bc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	serverA, clientA := net.Pipe()
	defer clientA.Close()
	w.Accept(serverA)
	subscribe(t, clientA, "dup")
	subscribe(t, clientA, "dup")
	time.Sleep(20 * time.Millisecond)

	bc.Publish(mustEncode(t, wire.PubMessage{Channel: "dup", Payload: "x"}))

	// The two writes may arrive as one read (the writer goroutine can
	// coalesce both AddPayload calls before the client reads) or as
	// two; either way the payload must appear twice in total.
	buf := make([]byte, 256)
	clientA.SetReadDeadline(time.Now().Add(time.Second))
	n, err := clientA.Read(buf)
	require.NoError(t, err)
	got := string(buf[:n])
	if strings.Count(got, "\"payload\":\"x\"") < 2 {
		second := readFrame(t, clientA)
		got += second
	}
	require.GreaterOrEqual(t, strings.Count(got, "\"payload\":\"x\""), 2)
}

func mustEncode(t *testing.T, m wire.PubMessage) []byte {
	t.Helper()
	b, err := wire.Encode(m)
	require.NoError(t, err)
	return b
}
