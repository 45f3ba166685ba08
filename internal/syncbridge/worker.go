package syncbridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markb/tableside/internal/log"
)

// ErrWorkerClosed is returned when posting to a closed worker.
var ErrWorkerClosed = errors.New("syncbridge: worker closed")

// Worker is one background worker connection.
type Worker interface {
	// Post delivers m to the worker.
	Post(ctx context.Context, m Message) error
	// Messages yields messages from the worker. It is closed when the
	// worker goes away.
	Messages() <-chan Message
}

// ChanWorker is an in-process Worker backed by channels.
type ChanWorker struct {
	inbox  chan Message
	outbox chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// NewChanWorker creates a worker whose channels hold up to buffer messages.
func NewChanWorker(buffer int) *ChanWorker {
	return &ChanWorker{
		inbox:  make(chan Message, buffer),
		outbox: make(chan Message, buffer),
		done:   make(chan struct{}),
	}
}

// Post implements Worker.
func (w *ChanWorker) Post(ctx context.Context, m Message) error {
	select {
	case <-w.done:
		return ErrWorkerClosed
	default:
	}
	select {
	case w.outbox <- m:
		return nil
	case <-w.done:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages implements Worker.
func (w *ChanWorker) Messages() <-chan Message {
	return w.inbox
}

// Send injects a message as if the worker had sent it.
func (w *ChanWorker) Send(m Message) {
	w.inbox <- m
}

// Outbox returns the messages posted to the worker.
func (w *ChanWorker) Outbox() <-chan Message {
	return w.outbox
}

// Close ends the worker side.
func (w *ChanWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		close(w.inbox)
	})
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxWorkerMessageSize = 64 * 1024
)

// WSWorker is a Worker over a websocket connection.
type WSWorker struct {
	conn     *websocket.Conn
	messages chan Message
	send     chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSWorker wraps conn and starts its pumps. The worker closes itself
// when the peer disconnects.
func NewWSWorker(conn *websocket.Conn) *WSWorker {
	w := &WSWorker{
		conn:     conn,
		messages: make(chan Message, 16),
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go w.readPump()
	go w.writePump()
	return w
}

// Post implements Worker.
func (w *WSWorker) Post(ctx context.Context, m Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	select {
	case <-w.done:
		return ErrWorkerClosed
	default:
	}
	select {
	case w.send <- data:
		return nil
	case <-w.done:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages implements Worker.
func (w *WSWorker) Messages() <-chan Message {
	return w.messages
}

// Done is closed when the connection ends.
func (w *WSWorker) Done() <-chan struct{} {
	return w.done
}

// Close closes the connection.
func (w *WSWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.conn.Close()
	})
}

func (w *WSWorker) readPump() {
	defer func() {
		w.Close()
		close(w.messages)
	}()

	w.conn.SetReadLimit(maxWorkerMessageSize)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("syncbridge: worker read error", "error", err.Error())
			}
			return
		}
		m, err := DecodeMessage(data)
		if err != nil {
			log.Warn("syncbridge: dropping worker message", "error", err.Error())
			continue
		}
		select {
		case w.messages <- m:
		case <-w.done:
			return
		}
	}
}

func (w *WSWorker) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.Close()
	}()

	for {
		select {
		case <-w.done:
			return
		case data := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
