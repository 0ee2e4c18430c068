package transportfsm

import (
	"context"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSConnection is the default Connection, grounded on sip/transport_ws.go's
// dial/read/write handling of the RFC 7118 SIP-over-WebSocket binding.
type WSConnection struct {
	Addr    string
	Dialer  ws.Dialer
	Reader  ws.State

	conn net.Conn
}

// NewWSConnection builds a client-side WebSocket connection to addr
// (host:port), advertising the "sip" subprotocol.
func NewWSConnection(addr string) *WSConnection {
	d := ws.DefaultDialer
	d.Protocols = []string{"sip"}
	return &WSConnection{
		Addr:   addr,
		Dialer: d,
		Reader: ws.StateClientSide,
	}
}

func (c *WSConnection) Dial(ctx context.Context) error {
	conn, _, _, err := c.Dialer.Dial(ctx, "ws://"+c.Addr)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *WSConnection) Read(buf []byte) (int, error) {
	reader := wsutil.NewReader(c.conn, c.Reader)
	n := 0
	for {
		header, err := reader.NextFrame()
		if err != nil {
			return n, err
		}

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return n, net.ErrClosed
			}
			if err := reader.Discard(); err != nil {
				return n, err
			}
			continue
		}

		if header.OpCode&ws.OpText == 0 {
			if err := reader.Discard(); err != nil {
				return n, err
			}
			continue
		}

		read, err := reader.Read(buf[n:])
		n += read
		if err != nil {
			return n, err
		}

		if header.Fin {
			return n, nil
		}
	}
}

func (c *WSConnection) Write(buf []byte) (int, error) {
	fs := ws.MaskFrameInPlace(ws.NewFrame(ws.OpText, true, buf))
	if err := ws.WriteFrame(c.conn, fs); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// WriteKeepAlive sends the double-CRLF ping as a text frame, matching
// sip/transport_ws.go's read-side handling of the same bytes.
func (c *WSConnection) WriteKeepAlive() error {
	_, err := c.Write([]byte("\r\n\r\n"))
	return err
}

func (c *WSConnection) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
