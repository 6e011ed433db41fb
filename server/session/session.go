package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/nkayisi/tm20-terminal/modules"
	"github.com/nkayisi/tm20-terminal/utils"
)

// State of one terminal connection. Only Registered/Online sessions
// are addressable by SN.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateRegistered
	StateOnline
	StateOffline
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return `connecting`
	case StateConnected:
		return `connected`
	case StateRegistered:
		return `registered`
	case StateOnline:
		return `online`
	case StateOffline:
		return `offline`
	case StateClosed:
		return `closed`
	}
	return `unknown`
}

const (
	// MailboxSize bounds the outbound queue per terminal.
	MailboxSize    = 64
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

var (
	ErrSessionClosed = errors.New(`session: closed`)
	ErrMailboxFull   = errors.New(`session: mailbox full`)
	ErrSendTimeout   = errors.New(`session: send timeout`)
)

type envelope struct {
	t   int
	msg []byte
}

// Session owns one terminal socket: one reader, one writer, and a
// bounded mailbox between callers and the writer.
type Session struct {
	SN         string
	TerminalID int64

	conn     *ws.Conn
	remoteIP string
	output   chan *envelope
	quit     chan struct{}
	open     bool
	rwmutex  sync.RWMutex

	state       atomic.Int32
	connectedAt time.Time
	lastMessage atomic.Int64

	messageCount atomic.Uint64
	errorCount   atomic.Uint64
}

func New(conn *ws.Conn, remoteIP string) *Session {
	s := &Session{
		conn:        conn,
		remoteIP:    remoteIP,
		output:      make(chan *envelope, MailboxSize),
		quit:        make(chan struct{}),
		open:        true,
		connectedAt: time.Now().UTC(),
	}
	s.state.Store(int32(StateConnecting))
	s.lastMessage.Store(utils.Unix)
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) SetState(st State) {
	s.state.Store(int32(st))
}

// Touch records inbound traffic; the idle cutoff measures from here.
func (s *Session) Touch() {
	s.lastMessage.Store(utils.Unix)
	s.messageCount.Add(1)
}

func (s *Session) LastMessageAt() time.Time {
	return time.Unix(s.lastMessage.Load(), 0).UTC()
}

func (s *Session) IdleFor() time.Duration {
	return time.Duration(utils.Unix-s.lastMessage.Load()) * time.Second
}

func (s *Session) RecordError() {
	s.errorCount.Add(1)
}

func (s *Session) closed() bool {
	s.rwmutex.RLock()
	defer s.rwmutex.RUnlock()
	return !s.open
}

func (s *Session) IsClosed() bool {
	return s.closed()
}

// Enqueue hands a frame to the writer without blocking; a full
// mailbox fails fast.
func (s *Session) Enqueue(msg []byte) error {
	if s.closed() {
		return ErrSessionClosed
	}
	select {
	case s.output <- &envelope{t: ws.TextMessage, msg: msg}:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	default:
		s.errorCount.Add(1)
		return ErrMailboxFull
	}
}

// TimedEnqueue waits for mailbox room up to timeout.
func (s *Session) TimedEnqueue(msg []byte, timeout time.Duration) error {
	if s.closed() {
		return ErrSessionClosed
	}
	select {
	case s.output <- &envelope{t: ws.TextMessage, msg: msg}:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	case <-time.After(timeout):
		s.errorCount.Add(1)
		return ErrSendTimeout
	}
}

// Close requests a graceful shutdown: a close frame rides the mailbox
// behind any queued traffic, so pending frames still flush.
func (s *Session) Close() {
	if s.closed() {
		return
	}
	if s.conn == nil {
		s.CloseNow()
		return
	}
	select {
	case s.output <- &envelope{t: ws.CloseMessage, msg: []byte{}}:
	default:
		s.CloseNow()
	}
}

// CloseNow tears the socket down immediately.
func (s *Session) CloseNow() {
	s.closeSocket()
}

func (s *Session) closeSocket() {
	s.rwmutex.Lock()
	if !s.open {
		s.rwmutex.Unlock()
		return
	}
	s.open = false
	if s.conn != nil {
		s.conn.Close()
	}
	close(s.quit)
	s.rwmutex.Unlock()
	s.SetState(StateClosed)
}

func (s *Session) writeRaw(env *envelope) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(env.t, env.msg)
}

// WritePump is the single socket writer. onSent fires for every text
// frame that reached the wire.
func (s *Session) WritePump(onSent func([]byte)) {
	defer s.closeSocket()
	for {
		select {
		case env := <-s.output:
			if err := s.writeRaw(env); err != nil {
				s.errorCount.Add(1)
				return
			}
			if env.t == ws.CloseMessage {
				return
			}
			if onSent != nil && env.t == ws.TextMessage {
				onSent(env.msg)
			}
		case <-s.quit:
			return
		}
	}
}

// ReadPump is the single socket reader; handler runs inline so that
// inbound frames of one terminal are processed in arrival order.
func (s *Session) ReadPump(handler func([]byte)) {
	defer s.closeSocket()
	s.conn.SetReadLimit(maxMessageSize)
	for {
		t, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if t == ws.TextMessage {
			handler(message)
		}
	}
}

// StartHeartbeat closes the socket once no message has arrived within
// timeout. The protocol never pings proactively; the terminal's own
// traffic is the liveness signal.
func (s *Session) StartHeartbeat(interval, timeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.IdleFor() > timeout {
					s.CloseNow()
					return
				}
			case <-s.quit:
				return
			}
		}
	}()
}

func (s *Session) Info() modules.Device {
	return modules.Device{
		SN:            s.SN,
		State:         s.State().String(),
		RemoteIP:      s.remoteIP,
		ConnectedAt:   s.connectedAt.Format(time.RFC3339),
		LastMessageAt: s.LastMessageAt().Format(time.RFC3339),
		MessageCount:  s.messageCount.Load(),
		ErrorCount:    s.errorCount.Load(),
	}
}
