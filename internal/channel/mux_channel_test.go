package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender is a scripted MuxSender for exercising MuxChannel's Read/Write
// without a real transport.
type fakeSender struct {
	mu          sync.Mutex
	sent        [][]byte
	requestAcks [][]byte
	closes      []bool
	consumed    int
}

func (f *fakeSender) SendData(id uint16, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSender) SendRequestAck(id uint16, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.requestAcks = append(f.requestAcks, cp)
	return nil
}

func (f *fakeSender) SendClose(id uint16, rst bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, rst)
	return nil
}

func (f *fakeSender) ConsumeWindow(id uint16, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed += n
}

func TestMuxChannel_DeliverThenRead(t *testing.T) {
	sender := &fakeSender{}
	ch := NewMuxChannel(7, sender)
	assert.Equal(t, uint16(7), ch.ID())

	ch.Deliver([]byte("hello"))

	buf := make([]byte, 16)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, 5, sender.consumed)
}

func TestMuxChannel_DeliverEofThenRead(t *testing.T) {
	sender := &fakeSender{}
	ch := NewMuxChannel(1, sender)
	ch.DeliverEof()

	buf := make([]byte, 16)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, ch.IsEof())
}

func TestMuxChannel_WriteBeforeRelayingSendsRequestAck(t *testing.T) {
	sender := &fakeSender{}
	ch := NewMuxChannel(2, sender)

	require.NoError(t, ch.Write([]byte("method response")))
	require.Len(t, sender.requestAcks, 1)
	assert.Equal(t, "method response", string(sender.requestAcks[0]))
	assert.Empty(t, sender.sent, "negotiation-phase writes must not use Data frames")
}

func TestMuxChannel_WriteAfterMarkRelayingSendsData(t *testing.T) {
	sender := &fakeSender{}
	ch := NewMuxChannel(2, sender)
	ch.MarkRelaying()

	require.NoError(t, ch.Write([]byte("payload")))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "payload", string(sender.sent[0]))
	assert.Empty(t, sender.requestAcks)
}

func TestMuxChannel_SendEofIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	ch := NewMuxChannel(3, sender)

	require.NoError(t, ch.SendEof())
	require.NoError(t, ch.SendEof())
	assert.Len(t, sender.closes, 1, "second SendEof must be a no-op")
}

func TestMuxChannel_CloseUnblocksRead(t *testing.T) {
	sender := &fakeSender{}
	ch := NewMuxChannel(4, sender)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Read(make([]byte, 4))
		done <- err
	}()

	require.NoError(t, ch.Close())

	err := <-done
	assert.ErrorIs(t, err, ErrClosed())
}

func TestMuxChannel_WriteAfterCloseFails(t *testing.T) {
	sender := &fakeSender{}
	ch := NewMuxChannel(5, sender)
	require.NoError(t, ch.Close())

	err := ch.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed())
}
