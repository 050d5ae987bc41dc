package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/engine"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/protocol"
)

const defaultHandshakeTimeout = 10 * time.Second

var ErrClientClosed = errors.New("signaling: connection closed")

type DialOptions struct {
	HandshakeTimeout time.Duration
	Header           http.Header

	// MaxMessageBytes bounds inbound frames from the hub. Defaults to 64KiB.
	MaxMessageBytes int64

	// WriteTimeout bounds a single Send. Defaults to 1s.
	WriteTimeout time.Duration
}

// ClientConn is the participant end of a signaling socket. Send may be called
// from any goroutine; Recv must be called from one goroutine at a time.
type ClientConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ engine.Transport = (*ClientConn)(nil)

// Dial connects to a hub signaling endpoint such as ws://127.0.0.1:3000/signal.
func Dial(ctx context.Context, url string, opts DialOptions) (*ClientConn, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = wsWriteWait
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(opts.MaxMessageBytes)

	return &ClientConn{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		closed:       make(chan struct{}),
	}, nil
}

func (c *ClientConn) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv blocks for the next hub message. Pings from the hub are answered by
// gorilla's default ping handler while Recv is reading.
func (c *ClientConn) Recv() (protocol.Message, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return protocol.Message{}, ErrClientClosed
			default:
			}
			return protocol.Message{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return protocol.ParseMessage(data, protocol.HubToClient)
	}
}

// Close sends a normal closure frame once and releases the socket.
func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Dialer adapts Dial to engine.Dialer.
type Dialer struct {
	URL     string
	Options DialOptions
}

var _ engine.Dialer = Dialer{}

func (d Dialer) Dial(ctx context.Context) (engine.Transport, error) {
	return Dial(ctx, d.URL, d.Options)
}
