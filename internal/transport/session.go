// Package transport owns the single persistent websocket between the two peers.
//
// Text messages carry control updates, binary messages carry frames or error
// replies. A dedicated reader goroutine drains the socket so that a receive
// which gives up at its deadline leaves the connection intact; whatever arrives
// later is simply the next message returned by Receive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dstream/internal/control"
	"dstream/internal/types"
)

var (
	ErrConnect  = errors.New("connect failed")
	ErrClosed   = errors.New("connection closed")
	ErrTimeout  = errors.New("receive timed out")
	ErrInFlight = errors.New("a frame is already awaiting a reply")
)

const (
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultMaxMessageSize = 16 << 20
	inboxSize             = 8
)

type Role int

const (
	// RoleProducer sessions allow one outstanding frame at a time.
	RoleProducer Role = iota
	RoleTransform
)

type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	Role           Role
	WriteWait      time.Duration
	PongWait       time.Duration
	DialTimeout    time.Duration
	MaxMessageSize int64
}

func (o *Options) defaults() {
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
}

func (o Options) pingEvery() time.Duration {
	return (o.PongWait * 9) / 10
}

type Kind int

const (
	KindControl Kind = iota
	KindFrame
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindFrame:
		return "frame"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one inbound message, classified by websocket frame type.
type Message struct {
	Kind    Kind
	Payload []byte
	// Control is set for well-formed control messages; ControlErr otherwise.
	Control    control.Update
	ControlErr error
	// RemoteError is the text of an error reply.
	RemoteError string
}

type inbound struct {
	messageType int
	data        []byte
}

type Session struct {
	id      string
	conn    *websocket.Conn
	opts    Options
	writeMu sync.Mutex

	state    atomic.Int32
	inFlight atomic.Bool

	inbox     chan inbound
	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Dial connects to a transform peer at url (ws://host:port/ws).
func Dial(ctx context.Context, url string, opts Options) (*Session, error) {
	opts.defaults()
	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, url, err)
	}
	return newSession(conn, opts), nil
}

// Accept upgrades an HTTP request into a transform-side session.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Session, error) {
	opts.defaults()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSession(conn, opts), nil
}

func newSession(conn *websocket.Conn, opts Options) *Session {
	s := &Session{
		id:    uuid.NewString(),
		conn:  conn,
		opts:  opts,
		inbox: make(chan inbound, inboxSize),
		done:  make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	conn.SetReadLimit(opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go s.readLoop()
	go s.pingLoop()
	s.state.Store(int32(StateReady))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) readLoop() {
	defer close(s.inbox)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = err
			s.Close()
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case s.inbox <- inbound{messageType: messageType, data: data}:
		case <-s.done:
			return
		}
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.opts.pingEvery())
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *Session) SendControl(msg types.ControlMessage) error {
	payload, err := control.Marshal(msg)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, payload)
}

// SendFrame writes an encoded frame. Producer sessions refuse a second frame
// until the first is answered or abandoned.
func (s *Session) SendFrame(payload []byte) error {
	if s.opts.Role == RoleProducer && !s.inFlight.CompareAndSwap(false, true) {
		return ErrInFlight
	}
	if err := s.write(websocket.BinaryMessage, payload); err != nil {
		s.inFlight.Store(false)
		return err
	}
	return nil
}

func (s *Session) SendError(message string) error {
	return s.write(websocket.BinaryMessage, control.MarshalError(message))
}

// InFlight reports whether a sent frame is still awaiting its reply.
func (s *Session) InFlight() bool { return s.inFlight.Load() }

// Abandon stops waiting for the outstanding frame. The peer is not told; its
// reply, if any, will be the next message received.
func (s *Session) Abandon() { s.inFlight.Store(false) }

// Receive returns the next message, ErrTimeout after timeout (0 waits
// forever), or ErrClosed once the connection is gone.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case in, ok := <-s.inbox:
		if !ok {
			return Message{}, s.closedErr()
		}
		msg := classify(in)
		if msg.Kind != KindControl {
			s.inFlight.Store(false)
		}
		return msg, nil
	case <-expired:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func classify(in inbound) Message {
	if in.messageType == websocket.TextMessage {
		update, err := control.Parse(in.data)
		if err != nil {
			// Some peers send error replies as text.
			if text, ok := control.ParseError(in.data); ok {
				return Message{Kind: KindError, Payload: in.data, RemoteError: text}
			}
			return Message{Kind: KindControl, Payload: in.data, ControlErr: err}
		}
		return Message{Kind: KindControl, Payload: in.data, Control: update}
	}
	if text, ok := control.ParseError(in.data); ok {
		return Message{Kind: KindError, Payload: in.data, RemoteError: text}
	}
	return Message{Kind: KindFrame, Payload: in.data}
}

func (s *Session) closedErr() error {
	if s.readErr == nil || websocket.IsCloseError(s.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, s.readErr)
}

func (s *Session) write(messageType int, payload []byte) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close sends a close frame and releases the socket. Safe to call repeatedly.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
		close(s.done)
	})
	return err
}
