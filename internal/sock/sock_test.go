package sock_test

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/go-xfer/internal/sock"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestTryReadWouldBlock(t *testing.T) {
	c, s := tcpPair(t)
	conn := sock.Wrap(c)
	buf := make([]byte, 16)

	_, err := conn.TryRead(buf)
	require.ErrorIs(t, err, sock.ErrWouldBlock)

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	ev, err := sock.Wait(conn, sock.EventRead, time.Second)
	require.NoError(t, err)
	require.True(t, ev.Has(sock.EventRead))

	n, err := conn.TryRead(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	s.Close()
	_, err = sock.Wait(conn, sock.EventRead, time.Second)
	require.NoError(t, err)
	_, err = conn.TryRead(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTryWrite(t *testing.T) {
	c, s := tcpPair(t)
	conn := sock.Wrap(c)
	ev, err := sock.Wait(conn, sock.EventWrite, time.Second)
	require.NoError(t, err)
	require.True(t, ev.Has(sock.EventWrite))

	n, err := conn.TryWrite([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestAlive(t *testing.T) {
	c, s := tcpPair(t)
	assert.True(t, sock.Alive(c))

	s.Write([]byte("x"))
	time.Sleep(10 * time.Millisecond)
	assert.True(t, sock.Alive(c), "unread data must not count as closed")

	buf := make([]byte, 1)
	c.Read(buf)
	s.Close()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, sock.Alive(c))
}

func TestAliveConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		c, s := tcpPair(t)
		s.Write([]byte("x"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, sock.Alive(c))
			}
		}()
	}
	wg.Wait()
}

func TestPipeConnFallsBack(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := sock.Wrap(a)

	_, err := conn.TryRead(make([]byte, 4))
	require.ErrorIs(t, err, sock.ErrWouldBlock)
	ev, err := sock.Wait(conn, sock.EventRead|sock.EventWrite, 0)
	require.NoError(t, err)
	assert.Equal(t, sock.EventRead|sock.EventWrite, ev)
	assert.True(t, sock.Alive(a))
}

func TestCursor(t *testing.T) {
	c := sock.NewCursor([]byte("world"))
	buf := make([]byte, 2)
	assert.Equal(t, 2, c.Read(buf))
	assert.Equal(t, "wo", string(buf))
	assert.Equal(t, 3, c.Len())

	c.Unread([]byte("wo"))
	assert.Equal(t, "world", string(c.Bytes()))
	c.Unread([]byte("hello "))
	assert.Equal(t, "hello world", string(c.Bytes()))

	taken := c.Take()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, "hello world", string(taken.Bytes()))
}
