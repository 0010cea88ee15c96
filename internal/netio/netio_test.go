package netio

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyhand/tunnel-client/pkg/tunnelerr"
)

func TestDialTimeout_Success(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	conn, err := DialTimeout(context.Background(), "127.0.0.1", uint16(addr.Port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	assert.NotNil(t, conn.LocalAddr())
}

func TestDialTimeout_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listening now

	_, err = DialTimeout(context.Background(), "127.0.0.1", uint16(addr.Port), 2*time.Second)
	require.Error(t, err)
	assert.Equal(t, tunnelerr.ConnectionRefused, tunnelerr.KindOf(err))
}

func TestConn_SendAndStartReading(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverGotData := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 32)
		n, _ := conn.Read(buf)
		serverGotData <- append([]byte(nil), buf[:n]...)
		conn.Write([]byte("reply"))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	conn, err := DialTimeout(context.Background(), "127.0.0.1", uint16(addr.Port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	gotReply := make(chan []byte, 1)
	conn.StartReading(func(data []byte) {
		gotReply <- append([]byte(nil), data...)
	}, func(tunnelerr.Kind) {})

	require.NoError(t, conn.Send([]byte("hello")))

	select {
	case got := <-serverGotData:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received data")
	}

	select {
	case got := <-gotReply:
		assert.Equal(t, "reply", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("client never received reply")
	}
}

func TestConn_Close_Idempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	conn, err := DialTimeout(context.Background(), "127.0.0.1", uint16(addr.Port), 2*time.Second)
	require.NoError(t, err)

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}
