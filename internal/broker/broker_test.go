package broker

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/pubsub-broker/internal/config"
)

func startBroker(t *testing.T, cfg *config.Config) (pubAddr, subAddr string, stop func()) {
	t.Helper()

	pubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	subLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := New(cfg, pubLn, subLn, zerolog.Nop(), prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	return pubLn.Addr().String(), subLn.Addr().String(), func() {
		b.Shutdown()
		cancel()
	}
}

func testConfig() *config.Config {
	return &config.Config{
		ThreadCount:     2,
		BufferThreshold: 1 << 20,
		PublishTimeout:  10 * time.Millisecond,
		BufferSize:      8192,
	}
}

func TestEndToEndSinglePublisherSingleSubscriber(t *testing.T) {
	pubAddr, subAddr, stop := startBroker(t, testConfig())
	defer stop()

	subConn, err := net.Dial("tcp", subAddr)
	require.NoError(t, err)
	defer subConn.Close()
	_, err = subConn.Write([]byte(`{"channel":"abc"}` + "\n"))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	pubConn, err := net.Dial("tcp", pubAddr)
	require.NoError(t, err)
	defer pubConn.Close()
	_, err = pubConn.Write([]byte(`{"channel":"abc","payload":"hi"}` + "\n"))
	require.NoError(t, err)

	pubConn.SetReadDeadline(time.Now().Add(time.Second))
	ackLine, err := bufio.NewReader(pubConn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, `{"ack":true}`+"\n", ackLine)

	subConn.SetReadDeadline(time.Now().Add(time.Second))
	msgLine, err := bufio.NewReader(subConn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, `{"channel":"abc","payload":"hi"}`+"\n", msgLine)
}

func TestEndToEndFanOutToTwoSubscribers(t *testing.T) {
	pubAddr, subAddr, stop := startBroker(t, testConfig())
	defer stop()

	sub1, err := net.Dial("tcp", subAddr)
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := net.Dial("tcp", subAddr)
	require.NoError(t, err)
	defer sub2.Close()

	for _, c := range []net.Conn{sub1, sub2} {
		_, err := c.Write([]byte(`{"channel":"x"}` + "\n"))
		require.NoError(t, err)
	}
	time.Sleep(30 * time.Millisecond)

	pubConn, err := net.Dial("tcp", pubAddr)
	require.NoError(t, err)
	defer pubConn.Close()
	_, err = pubConn.Write([]byte(`{"channel":"x","payload":"p"}` + "\n"))
	require.NoError(t, err)

	for _, c := range []net.Conn{sub1, sub2} {
		c.SetReadDeadline(time.Now().Add(time.Second))
		line, err := bufio.NewReader(c).ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, `{"channel":"x","payload":"p"}`+"\n", line)
	}
}

func TestEndToEndChannelIsolation(t *testing.T) {
	pubAddr, subAddr, stop := startBroker(t, testConfig())
	defer stop()

	subX, err := net.Dial("tcp", subAddr)
	require.NoError(t, err)
	defer subX.Close()
	subY, err := net.Dial("tcp", subAddr)
	require.NoError(t, err)
	defer subY.Close()

	_, err = subX.Write([]byte(`{"channel":"x"}` + "\n"))
	require.NoError(t, err)
	_, err = subY.Write([]byte(`{"channel":"y"}` + "\n"))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	pubConn, err := net.Dial("tcp", pubAddr)
	require.NoError(t, err)
	defer pubConn.Close()
	_, err = pubConn.Write([]byte(`{"channel":"x","payload":"only-x"}` + "\n"))
	require.NoError(t, err)

	subX.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(subX).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, `{"channel":"x","payload":"only-x"}`+"\n", line)

	subY.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	_, err = subY.Read(buf)
	require.Error(t, err)
}
