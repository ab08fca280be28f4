package statusservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/messages"
)

// Publisher sends worker progress events to subscribed websocket clients.
// Every connection gets its own buffered sender, events for a slow client are dropped.
type Publisher struct {
	conns        WSConnHandler
	writeTimeout time.Duration
	idle         time.Duration
	bufferSize   int

	lock    sync.Mutex
	senders map[WsConn]*sender
}

// sender is the only writer of its connection
type sender struct {
	conn WsConn
	ch   chan *messages.ProgressEvent
}

// NewPublisher creates publisher
func NewPublisher(conns WSConnHandler) (*Publisher, error) {
	if conns == nil {
		return nil, fmt.Errorf("no WSHandler")
	}
	return &Publisher{conns: conns, writeTimeout: 10 * time.Second, idle: time.Minute, bufferSize: 64,
		senders: map[WsConn]*sender{}}, nil
}

// Publish implements worker.EventPublisher, it never waits for a client
func (p *Publisher) Publish(ctx context.Context, ev *messages.ProgressEvent) {
	conns, found := p.conns.GetConnections(ev.ID)
	if !found {
		goapp.Log.Debug().Str("ID", ev.ID).Msg("no ws subscribers")
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, c := range conns {
		s, ok := p.senders[c]
		if !ok {
			s = &sender{conn: c, ch: make(chan *messages.ProgressEvent, p.bufferSize)}
			p.senders[c] = s
			go p.run(s)
		}
		select {
		case s.ch <- ev:
		default:
			goapp.Log.Warn().Str("ID", ev.ID).Int("chunk", ev.ChunkIndex).Msg("ws client too slow, event dropped")
		}
	}
}

func (p *Publisher) run(s *sender) {
	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	for {
		select {
		case ev := <-s.ch:
			if err := p.write(s.conn, ev); err != nil {
				goapp.Log.Warn().Err(err).Str("ID", ev.ID).Msg("closing ws connection")
				_ = s.conn.Close()
				p.remove(s)
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(p.idle)
		case <-timer.C:
			p.lock.Lock()
			if len(s.ch) > 0 {
				p.lock.Unlock()
				timer.Reset(p.idle)
				continue
			}
			delete(p.senders, s.conn)
			p.lock.Unlock()
			return
		}
	}
}

func (p *Publisher) remove(s *sender) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.senders[s.conn] == s {
		delete(p.senders, s.conn)
	}
}

func (p *Publisher) write(c WsConn, ev *messages.ProgressEvent) error {
	if err := c.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return fmt.Errorf("can't set write deadline: %w", err)
	}
	if err := c.WriteJSON(ev); err != nil {
		return fmt.Errorf("can't write to websocket: %w", err)
	}
	return nil
}

func (p *Publisher) senderCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.senders)
}
