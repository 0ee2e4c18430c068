// Package transportfsm implements the single, outbound connection a user
// agent keeps open to its registrar/proxy: Disconnected/Connecting/
// Connected/Disconnecting, with reconnection backoff and keep-alive.
//
// This is deliberately distinct from sip.TransportLayer, which is a
// multi-listener, multi-network server-side transport. A UA client leg has
// exactly one logical connection at a time and needs to reconnect and
// re-register when it drops; that lifecycle is what this package models,
// built in the same switch-based transition-table idiom the transaction
// FSMs use rather than a generic FSM library, since it sits on the same hot
// path (every keep-alive tick and read loop drives it).
package transportfsm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type input int

const (
	inputNone input = iota
	inputConnect
	inputConnected
	inputConnectFailed
	inputReadError
	inputKeepAliveTimeout
	inputClose
	inputClosed
)

// State is the FSM's externally observable state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by Send once the FSM has been told to Close.
	ErrClosed = errors.New("transportfsm: closed")
)

// Connection is the thing transportfsm dials, reads keep-alive frames
// from, and writes outbound bytes through. A default WebSocket-backed
// implementation is grounded on sip.transportWS/WSConnection; any other
// socket layer (TLS, plain TCP) can implement this instead, honoring the
// "transport I/O is an external collaborator" contract while this package
// still ships a working default for the WS case.
type Connection interface {
	// Dial establishes the connection. Blocking; respects ctx cancellation.
	Dial(ctx context.Context) error
	// Read blocks for the next inbound frame; returns io.EOF-class errors
	// on disconnect.
	Read(buf []byte) (int, error)
	// Write sends a frame.
	Write(buf []byte) (int, error)
	// WriteKeepAlive sends a transport-level keep-alive (double-CRLF for
	// the SIP-over-WS binding).
	WriteKeepAlive() error
	Close() error
}

// Options configures reconnection and keep-alive behavior.
type Options struct {
	// KeepAliveInterval is how often WriteKeepAlive is called while
	// Connected. Zero disables keep-alives.
	KeepAliveInterval time.Duration
	// ReconnectDelay is the initial backoff before a reconnect attempt.
	ReconnectDelay time.Duration
	// ReconnectMaxDelay caps exponential backoff growth.
	ReconnectMaxDelay time.Duration
	// MaxReconnectAttempts is the number of consecutive failed attempts
	// before the FSM gives up and stays Disconnected. Zero means retry
	// forever.
	MaxReconnectAttempts int
	Logger                *slog.Logger
	// Metrics, if set, receives every state transition via
	// TransportStateChanged. Nil is a valid no-op, same convention as
	// sipmetrics.Collector everywhere else.
	Metrics metricsRecorder
}

// metricsRecorder is satisfied by *sipmetrics.Collector without importing
// it here, keeping transportfsm usable standalone (e.g. in tests that
// construct an FSM directly against a fake Connection).
type metricsRecorder interface {
	TransportStateChanged(states []string, current string)
}

var allStateNames = []string{
	StateDisconnected.String(),
	StateConnecting.String(),
	StateConnected.String(),
	StateDisconnecting.String(),
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 500 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// OnFrame is invoked with every inbound application frame (a parsed SIP
// message's raw bytes) while Connected.
type OnFrame func(data []byte)

// FSM drives one Connection through its lifecycle. Not safe for concurrent
// use except via the exported methods, which serialize against an internal
// mutex the way sip.baseTx's fsmMu guards its own transition table.
type FSM struct {
	mu      sync.Mutex
	state   State
	fsmFunc func(input) input

	conn    Connection
	opts    Options
	onFrame OnFrame
	onState func(State)

	attempts int
	delay    time.Duration

	readBuf []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an FSM around conn, starting Disconnected.
func New(conn Connection, opts Options, onFrame OnFrame) *FSM {
	f := &FSM{
		conn:    conn,
		opts:    opts.withDefaults(),
		onFrame: onFrame,
		state:   StateDisconnected,
		readBuf: make([]byte, 65536),
	}
	f.fsmFunc = f.stateDisconnected
	f.delay = f.opts.ReconnectDelay
	return f
}

// OnStateChange registers a callback invoked on every state transition.
func (f *FSM) OnStateChange(cb func(State)) {
	f.mu.Lock()
	f.onState = cb
	f.mu.Unlock()
}

func (f *FSM) setState(s State) {
	if f.state == s {
		return
	}
	f.state = s
	if f.opts.Metrics != nil {
		f.opts.Metrics.TransportStateChanged(allStateNames, s.String())
	}
	if f.onState != nil {
		cb := f.onState
		go cb(s)
	}
}

func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Start begins connecting and runs until Close is called or ctx is done.
// Blocking; callers typically run it in its own goroutine.
func (f *FSM) Start(ctx context.Context) {
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	defer close(f.done)

	f.spin(inputConnect)

	<-f.ctx.Done()

	f.mu.Lock()
	f.spinUnsafe(inputClose)
	f.mu.Unlock()
}

// Close tears down the current connection and stops reconnection attempts.
func (f *FSM) Close() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Done reports when Start has returned.
func (f *FSM) Done() <-chan struct{} {
	return f.done
}

func (f *FSM) spin(in input) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spinUnsafe(in)
}

func (f *FSM) spinUnsafe(in input) {
	for i := in; i != inputNone; {
		i = f.fsmFunc(i)
	}
}

// --- states ---

func (f *FSM) stateDisconnected(in input) input {
	switch in {
	case inputConnect:
		f.setState(StateConnecting)
		f.fsmFunc = f.stateConnecting
		go f.actDial()
		return inputNone
	case inputClose:
		return inputNone
	default:
		return inputNone
	}
}

func (f *FSM) stateConnecting(in input) input {
	switch in {
	case inputConnected:
		f.setState(StateConnected)
		f.fsmFunc = f.stateConnected
		f.attempts = 0
		f.delay = f.opts.ReconnectDelay
		go f.actStartIO()
		return inputNone
	case inputConnectFailed:
		f.attempts++
		if f.opts.MaxReconnectAttempts > 0 && f.attempts >= f.opts.MaxReconnectAttempts {
			f.setState(StateDisconnected)
			f.fsmFunc = f.stateDisconnected
			return inputNone
		}
		go f.actScheduleReconnect()
		return inputNone
	case inputClose:
		f.setState(StateDisconnected)
		f.fsmFunc = f.stateDisconnected
		return inputNone
	default:
		return inputNone
	}
}

func (f *FSM) stateConnected(in input) input {
	switch in {
	case inputReadError, inputKeepAliveTimeout:
		f.setState(StateDisconnecting)
		f.fsmFunc = f.stateDisconnecting
		go f.actCloseThenReconnect()
		return inputNone
	case inputClose:
		f.setState(StateDisconnecting)
		f.fsmFunc = f.stateDisconnecting
		go f.actCloseFinal()
		return inputNone
	default:
		return inputNone
	}
}

func (f *FSM) stateDisconnecting(in input) input {
	switch in {
	case inputConnect:
		f.setState(StateConnecting)
		f.fsmFunc = f.stateConnecting
		go f.actDial()
		return inputNone
	case inputClosed:
		f.setState(StateDisconnected)
		f.fsmFunc = f.stateDisconnected
		return inputNone
	default:
		return inputNone
	}
}

// --- actions ---

func (f *FSM) actDial() {
	if err := f.conn.Dial(f.ctx); err != nil {
		f.opts.Logger.Warn("transportfsm: dial failed", "error", err)
		f.spin(inputConnectFailed)
		return
	}
	f.spin(inputConnected)
}

func (f *FSM) actScheduleReconnect() {
	delay := f.delay
	f.delay *= 2
	if f.delay > f.opts.ReconnectMaxDelay {
		f.delay = f.opts.ReconnectMaxDelay
	}

	select {
	case <-f.ctx.Done():
		return
	case <-time.After(delay):
	}
	f.spin(inputConnect)
}

func (f *FSM) actStartIO() {
	go f.readLoop()
	if f.opts.KeepAliveInterval > 0 {
		go f.keepAliveLoop()
	}
}

func (f *FSM) readLoop() {
	for {
		n, err := f.conn.Read(f.readBuf)
		if err != nil {
			if f.State() == StateConnected {
				f.spin(inputReadError)
			}
			return
		}
		if n == 0 {
			continue
		}
		if f.onFrame != nil {
			data := make([]byte, n)
			copy(data, f.readBuf[:n])
			f.onFrame(data)
		}
	}
}

func (f *FSM) keepAliveLoop() {
	t := time.NewTicker(f.opts.KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-t.C:
			if f.State() != StateConnected {
				return
			}
			if err := f.conn.WriteKeepAlive(); err != nil {
				f.opts.Logger.Warn("transportfsm: keep-alive failed", "error", err)
				f.spin(inputKeepAliveTimeout)
				return
			}
		}
	}
}

func (f *FSM) actCloseThenReconnect() {
	f.conn.Close()

	// A connection that drops right after connecting (flapping) must still
	// back off, or a failing Read/keep-alive loop spins the dialer hot.
	select {
	case <-f.ctx.Done():
		return
	case <-time.After(f.opts.ReconnectDelay):
	}
	f.spin(inputConnect)
}

func (f *FSM) actCloseFinal() {
	f.conn.Close()
	f.spin(inputClosed)
}

// Send writes data over the current connection. Returns ErrClosed if the
// FSM is not Connected.
func (f *FSM) Send(data []byte) error {
	if f.State() != StateConnected {
		return ErrClosed
	}
	_, err := f.conn.Write(data)
	return err
}
