package workerrm

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/vine/master/pkg/syncx/queue"
	"github.com/determined-ai/vine/master/pkg/vproto"
	"github.com/determined-ai/vine/master/pkg/ws"
)

type workerConn = ws.Conn[vproto.ManagerMessage, vproto.WorkerMessage]

// socketOutbox buffers messages for one worker in an unbounded queue and pumps them onto its
// websocket, so a slow worker never blocks the dispatch loop.
type socketOutbox struct {
	log    *log.Entry
	conn   *workerConn
	queue  *queue.Queue[vproto.WorkerMessage]
	closed chan struct{}
	once   sync.Once
}

func newSocketOutbox(conn *workerConn, entry *log.Entry) *socketOutbox {
	o := &socketOutbox{
		log:    entry,
		conn:   conn,
		queue:  queue.New[vproto.WorkerMessage](),
		closed: make(chan struct{}),
	}
	go o.pump()
	return o
}

func (o *socketOutbox) Send(msg vproto.WorkerMessage) {
	o.queue.Put(msg)
}

func (o *socketOutbox) Close(reason string) {
	o.once.Do(func() {
		o.log.Debugf("closing outbox: %s", reason)
		close(o.closed)
		go func() {
			if err := o.conn.Close(); err != nil {
				o.log.WithError(err).Debug("error closing worker connection")
			}
		}()
	})
}

func (o *socketOutbox) pump() {
	for {
		select {
		case <-o.closed:
			return
		case <-o.conn.Done:
			return
		case <-o.queue.Signal():
		}
		for {
			msg, ok := o.queue.TryGet()
			if !ok {
				break
			}
			select {
			case o.conn.Outbox <- msg:
			case <-o.closed:
				return
			case <-o.conn.Done:
				return
			}
		}
	}
}

// MemoryOutbox records sent messages. It stands in for a connection where no socket exists.
type MemoryOutbox struct {
	mu       sync.Mutex
	messages []vproto.WorkerMessage
	closed   bool
	reason   string
}

// Send implements sproto.Outbox.
func (m *MemoryOutbox) Send(msg vproto.WorkerMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// Close implements sproto.Outbox.
func (m *MemoryOutbox) Close(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed, m.reason = true, reason
	}
}

// Take returns and forgets the messages sent so far.
func (m *MemoryOutbox) Take() []vproto.WorkerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages
	m.messages = nil
	return msgs
}

// Closed returns whether Close was called and with what reason.
func (m *MemoryOutbox) Closed() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.reason
}
