package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/pulse/async"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 4096

	snapshotLimit = 500
)

// streamMessage is one frame of the job stream. A snapshot of the owner's
// active jobs is sent first, then one "job" frame per state change.
type streamMessage struct {
	Type string       `json:"type"` // "snapshot" or "job"
	Jobs []*async.Job `json:"jobs,omitempty"`
	Job  *async.Job   `json:"job,omitempty"`
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// HandleJobStream pushes the owner's job updates over a websocket
func (s *Server) HandleJobStream(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)

	// Snapshot before subscribing can miss an update in between; subscribing
	// first and snapshotting second only risks a duplicate, which is harmless.
	queue := s.deps.Supervisor.Queue()
	updates := queue.Subscribe()

	active, err := s.activeJobs(r, owner)
	if err != nil {
		queue.Unsubscribe(updates)
		s.writeServiceError(w, r, err)
		return
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		queue.Unsubscribe(updates)
		s.logger.Warnw("Websocket upgrade failed", logger.FieldOwnerID, owner, logger.FieldError, err)
		return
	}

	s.clients.Add(1)
	s.wg.Add(1)
	s.logger.Debugw("Job stream opened", logger.FieldOwnerID, owner, "clients", s.clients.Load())

	done := make(chan struct{})
	go s.readPump(conn, done)

	go func() {
		defer s.wg.Done()
		defer s.clients.Add(-1)
		defer queue.Unsubscribe(updates)
		defer conn.Close()

		s.writePump(conn, owner, active, updates, done)
		s.logger.Debugw("Job stream closed", logger.FieldOwnerID, owner)
	}()
}

func (s *Server) activeJobs(r *http.Request, owner string) ([]*async.Job, error) {
	jobs, err := s.deps.Supervisor.List(r.Context(), async.JobFilter{OwnerID: owner, Limit: snapshotLimit})
	if err != nil {
		return nil, err
	}
	active := make([]*async.Job, 0, len(jobs))
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			active = append(active, j)
		}
	}
	return active, nil
}

// readPump drains the connection so pongs and close frames are processed
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("Job stream read error", logger.FieldError, err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, owner string, active []*async.Job, updates <-chan *async.Job, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(streamMessage{Type: "snapshot", Jobs: active}); err != nil {
		return
	}

	for {
		select {
		case job, ok := <-updates:
			if !ok {
				return
			}
			if job.OwnerID != owner {
				continue
			}
			job.Data = nil // work lists can be large and never change
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(streamMessage{Type: "job", Job: job}); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return

		case <-s.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
