package statusservice

import (
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
)

// WsConn is interface for websocket handling in status service
type WsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
}

// WSConnKeeper keeps job subscriptions of websocket connections.
// A client subscribes by sending a job ID, one connection may follow several jobs.
type WSConnKeeper struct {
	jobConns map[string]map[WsConn]struct{}
	connJobs map[WsConn]map[string]struct{}
	lock     sync.Mutex
	idle     time.Duration
}

// NewWSConnKeeper creates manager, connection is dropped after idle time without messages
func NewWSConnKeeper(idle time.Duration) *WSConnKeeper {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &WSConnKeeper{jobConns: map[string]map[WsConn]struct{}{},
		connJobs: map[WsConn]map[string]struct{}{}, idle: idle}
}

// HandleConnection reads subscriptions until the connection is closed or idle
func (kp *WSConnKeeper) HandleConnection(conn WsConn) error {
	defer kp.drop(conn)
	defer conn.Close()
	readCh := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(readCh)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				goapp.Log.Debug().Err(err).Msg("ws read")
				return
			}
			if id := strings.TrimSpace(string(message)); id != "" {
				select {
				case readCh <- id:
				case <-done:
					return
				}
			}
		}
	}()

	timer := time.NewTimer(kp.idle)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			goapp.Log.Debug().Msg("ws idle timeout")
			return nil
		case id, ok := <-readCh:
			if !ok {
				return nil
			}
			kp.subscribe(conn, id)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(kp.idle)
		}
	}
}

func (kp *WSConnKeeper) subscribe(conn WsConn, id string) {
	goapp.Log.Info().Str("ID", goapp.Sanitize(id)).Msg("ws subscribe")
	kp.lock.Lock()
	defer kp.lock.Unlock()
	jobs, ok := kp.connJobs[conn]
	if !ok {
		jobs = map[string]struct{}{}
		kp.connJobs[conn] = jobs
	}
	jobs[id] = struct{}{}
	conns, ok := kp.jobConns[id]
	if !ok {
		conns = map[WsConn]struct{}{}
		kp.jobConns[id] = conns
	}
	conns[conn] = struct{}{}
}

func (kp *WSConnKeeper) drop(conn WsConn) {
	kp.lock.Lock()
	defer kp.lock.Unlock()
	for id := range kp.connJobs[conn] {
		conns := kp.jobConns[id]
		delete(conns, conn)
		if len(conns) == 0 {
			delete(kp.jobConns, id)
		}
	}
	delete(kp.connJobs, conn)
	goapp.Log.Debug().Int("active", len(kp.connJobs)).Msg("ws dropped")
}

// GetConnections returns connections subscribed to the job
func (kp *WSConnKeeper) GetConnections(id string) ([]WsConn, bool) {
	kp.lock.Lock()
	defer kp.lock.Unlock()
	cm, ok := kp.jobConns[id]
	if !ok {
		return nil, false
	}
	res := make([]WsConn, 0, len(cm))
	for c := range cm {
		res = append(res, c)
	}
	return res, true
}
