package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lipc-project/lipc-engine/internal/envelope"
	"github.com/lipc-project/lipc-engine/internal/message"
	"github.com/lipc-project/lipc-engine/internal/metrics"
)

const (
	// outboundQueue bounds the per-connection send buffer. Overflow means the
	// client stopped reading; the connection is closed rather than letting
	// the queue grow.
	outboundQueue = 64

	heartbeatEvery = 10 * time.Second
	pongBudget     = 15 * time.Second
	writeWait      = 10 * time.Second
)

// Conn is one upgraded WebSocket connection after the envelope handshake.
// Implements router.Conn.
type Conn struct {
	s   *Server
	ws  *websocket.Conn
	env *envelope.Envelope
	ip  string

	out       chan message.Message
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	userID string

	lastPong atomic.Int64 // unix nanos
	log      zerolog.Logger
}

func newConn(s *Server, ws *websocket.Conn, ip string) *Conn {
	return &Conn{
		s:      s,
		ws:     ws,
		ip:     ip,
		out:    make(chan message.Message, outboundQueue),
		closed: make(chan struct{}),
		log:    s.log.With().Str("remote", ip).Logger(),
	}
}

// serve runs the handshake and both pumps, then performs teardown. Blocks
// until the connection is gone.
func (c *Conn) serve(ctx context.Context) {
	if err := c.handshake(); err != nil {
		c.log.Debug().Err(err).Msg("handshake failed")
		c.ws.Close()
		return
	}
	c.touchPong()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(ctx) })
	g.Go(func() error { return c.writePump(ctx) })
	err := g.Wait()

	c.Close("connection closed")
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Debug().Err(err).Msg("connection ended")
	}

	// Teardown order: session first so the user looks offline, then the call
	// layer, then rate-limit state. A displaced connection no longer owns the
	// session and must not disturb calls on its replacement.
	if userID := c.UserID(); userID != "" {
		if c.s.reg.Unregister(userID, c) {
			metrics.ActiveSessions.Set(float64(c.s.reg.Count()))
			c.s.pub.SessionOffline(userID)
			c.s.coord.Disconnected(userID)
		}
	}
	c.s.limiter.Forget(c.ip)
}

// handshake sends the server hello and derives the connection key from the
// client's reply, all within HandshakeTimeout.
func (c *Conn) handshake() error {
	hs, err := envelope.NewHandshake()
	if err != nil {
		return err
	}
	hello, err := hs.ServerHello()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(envelope.HandshakeTimeout)
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		return err
	}
	c.ws.SetReadDeadline(deadline)
	_, reply, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	env, err := hs.Finish(reply)
	if err != nil {
		return err
	}
	c.env = env

	c.ws.SetReadDeadline(time.Time{})
	c.ws.SetWriteDeadline(time.Time{})
	return nil
}

func (c *Conn) readPump(ctx context.Context) error {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if !c.s.limiter.Allow(c.ip) {
			c.Close("rate limit exceeded")
			return errors.New("rate limit exceeded")
		}

		plain, err := c.env.OpenRaw(raw)
		if err != nil {
			// A frame we cannot authenticate means the peer lost the key or
			// someone is probing; the channel is unrecoverable either way.
			metrics.DecryptFailuresTotal.Inc()
			c.Close("undecryptable frame")
			return err
		}
		metrics.FramesTotal.WithLabelValues("in").Inc()

		m, err := message.Decode(plain)
		if err != nil {
			c.Send(message.NewError("error", message.CodeSchemaError, "malformed message"))
			continue
		}

		switch m.MsgType {
		case message.TypePing:
			// Client-initiated liveness: answer and refresh the budget.
			c.touchPong()
			c.Send(message.New(message.TypePong, nil))
		case message.TypePong:
			c.touchPong()
		case message.TypeHandshake:
			// The key is already established on this connection.
			c.Send(message.NewError(m.MsgType, message.CodeSchemaError, "handshake already complete"))
		default:
			c.s.router.Dispatch(ctx, c, m)
		}
	}
}

func (c *Conn) writePump(ctx context.Context) error {
	hb := time.NewTicker(heartbeatEvery)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case m := <-c.out:
			if err := c.write(m); err != nil {
				return err
			}
		case <-hb.C:
			if time.Since(c.lastPongAt()) > pongBudget {
				c.Close("heartbeat timed out")
				return errors.New("heartbeat timed out")
			}
			if err := c.write(message.New(message.TypePing, nil)); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) write(m message.Message) error {
	raw, err := c.env.SealJSON(m)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("out").Inc()
	return nil
}

// Send enqueues without blocking. A full queue closes the connection: the
// client has stopped draining and every later frame would arrive stale.
func (c *Conn) Send(m message.Message) bool {
	select {
	case c.out <- m:
		return true
	case <-c.closed:
		return false
	default:
		c.Close("outbound queue overflow")
		return false
	}
}

// SendTimeout blocks up to d for queue space; used by best-effort paths that
// prefer dropping one frame over closing the connection.
func (c *Conn) SendTimeout(m message.Message, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case c.out <- m:
		return true
	case <-c.closed:
		return false
	case <-t.C:
		return false
	}
}

// Close tears the connection down once; reason is logged, never sent.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.log.Info().Str("reason", reason).Str("user_id", c.UserID()).Msg("closing connection")
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.ws.Close()
		close(c.closed)
	})
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) BindUser(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

func (c *Conn) RemoteAddr() string { return c.ip }

func (c *Conn) touchPong() { c.lastPong.Store(time.Now().UnixNano()) }

func (c *Conn) lastPongAt() time.Time { return time.Unix(0, c.lastPong.Load()) }
