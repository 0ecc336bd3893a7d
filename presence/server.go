package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// Authorizer resolves the user behind a presence connection.
type Authorizer func(r *http.Request) (userID string, err error)

// Config configures a presence Server.
type Config struct {
	// Addr to listen on, e.g. "localhost:8001". Port 0 picks a free port.
	Addr string
	// Authorize is optional; without it connections are anonymous.
	Authorize Authorizer
	// OriginPatterns are passed to websocket.Accept. Defaults to any origin.
	OriginPatterns []string
}

// Server exposes a Hub over websocket at /presence?note_id=N.
//
// Every text message a client sends is relayed to the other subscribers of
// the same note, stamped with the client's user id. Join and leave
// messages are published when a connection opens and closes.
type Server struct {
	hub      *Hub
	cfg      Config
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a server publishing through hub.
func NewServer(hub *Hub, cfg Config) *Server {
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = []string{"*"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{hub: hub, cfg: cfg, ctx: ctx, cancel: cancel}
}

// Handler returns the HTTP handler, for mounting on an existing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/presence", s.handleWebSocket)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return serr.Wrap(err, "failed to listen for presence connections")
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Info("Presence server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogErr(err, "presence server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop cancels every connection and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return serr.Wrap(err, "presence server shutdown failed")
	}
	s.wg.Wait()
	logger.Info("Presence server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	noteID, err := strconv.ParseInt(r.URL.Query().Get("note_id"), 10, 64)
	if err != nil || noteID <= 0 {
		http.Error(w, "note_id is required", http.StatusBadRequest)
		return
	}

	userID := ""
	if s.cfg.Authorize != nil {
		if userID, err = s.cfg.Authorize(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		logger.LogErr(err, "presence websocket upgrade failed")
		return
	}

	sub := s.hub.Subscribe(noteID)
	logger.Debug("Presence subscriber joined", "note_id", noteID, "user_id", userID,
		"subscribers", s.hub.Count(noteID))
	s.hub.publish(noteID, Message{Type: TypeJoin, UserID: userID}, sub)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	go s.writeLoop(ctx, conn, sub)
	s.readLoop(ctx, conn, sub, userID)

	s.hub.Unsubscribe(sub)
	s.hub.publish(noteID, Message{Type: TypeLeave, UserID: userID}, nil)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	logger.Debug("Presence subscriber left", "note_id", noteID, "user_id", userID)
}

// readLoop relays client messages until the connection or server closes.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription, userID string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			continue
		}
		msg.UserID = userID
		msg.Timestamp = time.Time{}
		s.hub.publish(sub.NoteID, msg, sub)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
