package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// outboundQueueCapacity bounds the per-Session outbound socket queue,
// deliberately finite so a slow or disconnected client can't grow the
// queue without bound; overflow behavior is explicit (§9 backpressure
// note) rather than left to an unbounded channel.
const outboundQueueCapacity = 1024

const websocketCloseCodeGoingAway = websocket.CloseGoingAway

// MessageType enumerates the outbound WebSocket envelope's `type` field
// (§6).
type MessageType string

const (
	TypeJobStarted     MessageType = "job_started"
	TypeJobProgress    MessageType = "job_progress"
	TypeJobComplete    MessageType = "job_complete"
	TypeError          MessageType = "error"
	TypeReadyAck       MessageType = "ready_ack"
	TypeBatchInit      MessageType = "batch-init"
	TypeBatchProgress  MessageType = "batch-progress"
	TypeBatchComplete  MessageType = "batch-complete"
	TypeBatchCanceling MessageType = "batch-canceling"
)

// envelopeVersion is the fixed `version` field every outbound message
// carries (§6).
const envelopeVersion = "1.0.0"

// Envelope is the fixed outer shape of every outbound WebSocket message.
type Envelope struct {
	Type      MessageType `json:"type"`
	JobID     string      `json:"jobId"`
	Pipeline  string      `json:"pipeline,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Version   string      `json:"version"`
	Payload   any         `json:"payload"`
}

// outboundMessage is one queued envelope plus the overflow-policy tag the
// writer pump uses to decide what to drop under pressure.
type outboundMessage struct {
	envelope Envelope
	kind     outboundKind
}

type outboundKind int

const (
	kindNormal outboundKind = iota
	kindKeepAlive
	kindProgress
	kindTerminal // job_complete / error: never dropped
)

// outboundQueue is the bounded, FIFO-per-Session outbound channel with the
// §9 overflow policy: drop queued keep-alives first, then coalesce
// adjacent progress messages, never drop a terminal message.
type outboundQueue struct {
	mu     sync.Mutex
	buf    []outboundMessage
	notify chan struct{}
	closed bool
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{buf: make([]outboundMessage, 0, capacity), notify: make(chan struct{}, 1)}
}

func (q *outboundQueue) push(msg outboundMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.buf) >= outboundQueueCapacity {
		if !q.dropOneLocked(msg.kind) {
			// Nothing droppable and queue is full of terminal/normal
			// messages: this is an extreme backlog: drop the oldest
			// non-terminal message to bound memory, never the newest.
			for i, m := range q.buf {
				if m.kind != kindTerminal {
					q.buf = append(q.buf[:i], q.buf[i+1:]...)
					break
				}
			}
		}
	}
	if msg.kind == kindProgress {
		// Coalesce: if the tail is also a progress message, replace it
		// rather than growing the queue.
		if n := len(q.buf); n > 0 && q.buf[n-1].kind == kindProgress {
			q.buf[n-1] = msg
			q.signal()
			return
		}
	}
	q.buf = append(q.buf, msg)
	q.signal()
}

// dropOneLocked evicts one message to make room for an incoming message of
// the given kind. Keep-alives go first, then it coalesces progress
// messages into the incoming one. Returns false if nothing was evicted.
func (q *outboundQueue) dropOneLocked(incoming outboundKind) bool {
	for i, m := range q.buf {
		if m.kind == kindKeepAlive {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			return true
		}
	}
	if incoming == kindProgress {
		for i, m := range q.buf {
			if m.kind == kindProgress {
				q.buf = append(q.buf[:i], q.buf[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (q *outboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available or the queue is closed.
func (q *outboundQueue) pop(done <-chan struct{}) (outboundMessage, bool) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			msg := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return outboundMessage{}, false
		}
		select {
		case <-q.notify:
		case <-done:
			return outboundMessage{}, false
		}
	}
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
}

// socketState holds the single WebSocket connection a Session owns for its
// lifetime, guarded by its own mutex since socket plumbing (accept/write
// pump lifecycle) is orthogonal to job-state serialization.
type socketState struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{}
	closed  chan struct{}
	pumpsOn bool
}

func newSocketState() *socketState {
	return &socketState{ready: make(chan struct{}), closed: make(chan struct{})}
}

func (w *socketState) closeLocked(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = w.conn.Close()
	w.conn = nil
	select {
	case <-w.closed:
	default:
		close(w.closed)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// UpgradeSocket validates the handshake (Upgrade header already checked by
// the caller per §6; jobId/authToken checked here) and, on success, takes
// ownership of the connection and starts its read/write pumps. Rejects a
// second concurrent upgrade for the same jobId (§9 (iv)).
func (s *Session) UpgradeSocket(w http.ResponseWriter, r *http.Request, authToken string) error {
	var valid bool
	s.do(func(st *sessionState) { valid = s.validAuth(st, authToken) })
	if !valid {
		return ErrTokenInvalid
	}

	s.socket.mu.Lock()
	if s.socket.conn != nil {
		s.socket.mu.Unlock()
		return ErrSocketInUse
	}
	s.socket.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("session: upgrade failed: %w", err)
	}

	s.socket.mu.Lock()
	if s.socket.conn != nil {
		s.socket.mu.Unlock()
		_ = conn.Close()
		return ErrSocketInUse
	}
	s.socket.conn = conn
	s.socket.ready = make(chan struct{})
	s.socket.closed = make(chan struct{})
	s.socket.pumpsOn = true
	s.socket.mu.Unlock()

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

func (s *Session) writePump(conn *websocket.Conn) {
	done := s.socket.closed
	for {
		msg, ok := s.outbound.pop(done)
		if !ok {
			return
		}
		raw, err := json.Marshal(msg.envelope)
		if err != nil {
			if s.logger != nil {
				s.logger.Errorw("session: marshal outbound envelope", "jobId", s.jobID, "error", err)
			}
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			// Send failure to a closed socket: logged, swallowed, Job
			// untouched (§4.E failure semantics).
			if s.logger != nil {
				s.logger.Warnw("session: outbound write failed, dropping", "jobId", s.jobID, "error", err)
			}
			return
		}
	}
}

func (s *Session) readPump(conn *websocket.Conn) {
	defer s.socket.closeLocked(websocketCloseCodeGoingAway, "")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			continue // inbound: only {type:"ready"} is recognized, rest ignored (§6)
		}
		if msg.Type == "ready" {
			s.socket.mu.Lock()
			select {
			case <-s.socket.ready:
			default:
				close(s.socket.ready)
			}
			s.socket.mu.Unlock()
		}
	}
}

// ReadyOutcome is WaitForReady's result.
type ReadyOutcome string

const (
	ReadyOK           ReadyOutcome = "ready"
	ReadyTimedOut     ReadyOutcome = "timedOut"
	ReadyDisconnected ReadyOutcome = "disconnected"
)

// WaitForReady blocks until the client sends {type:"ready"}, the socket
// closes, or timeout elapses, then (on success) replies with ready_ack
// before returning (§4.E).
func (s *Session) WaitForReady(ctx context.Context, timeout time.Duration) ReadyOutcome {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s.socket.mu.Lock()
	ready := s.socket.ready
	closed := s.socket.closed
	s.socket.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		job := s.GetJobState()
		s.enqueue(Envelope{
			Type:      TypeReadyAck,
			JobID:     s.jobID,
			Pipeline:  job.Pipeline,
			Timestamp: nowMillis(),
			Version:   envelopeVersion,
			Payload: map[string]any{
				"jobId":   s.jobID,
				"ts":      nowMillis(),
				"version": job.Version,
			},
		}, kindNormal)
		return ReadyOK
	case <-closed:
		return ReadyDisconnected
	case <-timer.C:
		return ReadyTimedOut
	case <-ctx.Done():
		return ReadyTimedOut
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (s *Session) enqueue(env Envelope, kind outboundKind) {
	s.outbound.push(outboundMessage{envelope: env, kind: kind})
}

func (s *Session) terminalOrSkip() bool {
	job := s.GetJobState()
	return job.Status.terminal()
}

// SendStarted enqueues a job_started envelope.
func (s *Session) SendStarted(pipeline string, payload any) {
	s.enqueue(Envelope{Type: TypeJobStarted, JobID: s.jobID, Pipeline: pipeline, Timestamp: nowMillis(), Version: envelopeVersion, Payload: payload}, kindNormal)
}

// SendProgress enqueues a job_progress envelope. After a terminal
// transition this is a no-op (§8 invariant 4).
func (s *Session) SendProgress(pipeline string, payload any) {
	if s.terminalOrSkip() {
		if s.logger != nil {
			s.logger.Warnw("session: SendProgress after terminal state, dropping", "jobId", s.jobID)
		}
		return
	}
	s.enqueue(Envelope{Type: TypeJobProgress, JobID: s.jobID, Pipeline: pipeline, Timestamp: nowMillis(), Version: envelopeVersion, Payload: payload}, kindProgress)
}

// SendComplete enqueues a job_complete envelope and schedules the socket
// to close one second later to let the write flush (§4.E).
func (s *Session) SendComplete(pipeline string, payload any) {
	s.enqueue(Envelope{Type: TypeJobComplete, JobID: s.jobID, Pipeline: pipeline, Timestamp: nowMillis(), Version: envelopeVersion, Payload: payload}, kindTerminal)
	s.scheduleSocketClose()
}

// SendError enqueues an error envelope and schedules the socket to close
// one second later.
func (s *Session) SendError(pipeline string, payload any) {
	s.enqueue(Envelope{Type: TypeError, JobID: s.jobID, Pipeline: pipeline, Timestamp: nowMillis(), Version: envelopeVersion, Payload: payload}, kindTerminal)
	s.scheduleSocketClose()
}

func (s *Session) scheduleSocketClose() {
	go func() {
		time.Sleep(time.Second)
		s.socket.closeLocked(websocket.CloseNormalClosure, "job finished")
	}()
}
