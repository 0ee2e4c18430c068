package transportfsm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	dialErr   error
	dialCount int
	closed    bool
	written   [][]byte
	keepAlive int

	readCh chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 16)}
}

func (c *fakeConn) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialCount++
	return c.dialErr
}

func (c *fakeConn) Read(buf []byte) (int, error) {
	data, ok := <-c.readCh
	if !ok {
		return 0, errors.New("closed")
	}
	n := copy(buf, data)
	return n, nil
}

func (c *fakeConn) Write(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	c.written = append(c.written, cp)
	return len(buf), nil
}

func (c *fakeConn) WriteKeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlive++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.readCh)
	}
	return nil
}

func waitForState(t *testing.T, f *FSM, want State) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if f.State() == want {
			return
		}
		select {
		case <-deadline:
			require.Failf(t, "state never reached", "want=%s got=%s", want, f.State())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestFSMConnectsAndDelivers(t *testing.T) {
	conn := newFakeConn()
	var frames [][]byte
	var mu sync.Mutex

	f := New(conn, Options{}, func(data []byte) {
		mu.Lock()
		frames = append(frames, data)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go f.Start(ctx)

	waitForState(t, f, StateConnected)

	conn.readCh <- []byte("OPTIONS sip:a@b SIP/2.0\r\n\r\n")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, f.Send([]byte("ping")))

	cancel()
	<-f.Done()
	waitForState(t, f, StateDisconnected)
}

func TestFSMReconnectsOnReadError(t *testing.T) {
	conn := newFakeConn()
	f := New(conn, Options{ReconnectDelay: time.Millisecond, ReconnectMaxDelay: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Start(ctx)

	waitForState(t, f, StateConnected)

	conn.Close()

	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.dialCount >= 2
	}, time.Second, time.Millisecond)
}

func TestFSMGivesUpAfterMaxAttempts(t *testing.T) {
	conn := newFakeConn()
	conn.dialErr = errors.New("refused")

	f := New(conn, Options{
		ReconnectDelay:        time.Millisecond,
		ReconnectMaxDelay:     time.Millisecond,
		MaxReconnectAttempts: 3,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Start(ctx)

	assert.Eventually(t, func() bool {
		return f.State() == StateDisconnected
	}, time.Second, time.Millisecond)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, 3, conn.dialCount)
}

func TestFSMSendFailsWhenNotConnected(t *testing.T) {
	conn := newFakeConn()
	f := New(conn, Options{}, nil)
	err := f.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
