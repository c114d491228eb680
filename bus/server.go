package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeWait   = 10 * time.Second
	sendBufSize = 256
)

// Server exposes a Broker to WebSocket clients.
//
//	GET /ws        websocket endpoint speaking Frame JSON
//	GET /health    liveness and session count
//	GET /retained  topics holding a retained message
type Server struct {
	broker *Broker
	logger *zap.Logger
	router *mux.Router
}

// NewServer creates a broker endpoint. A nil logger disables logging.
func NewServer(broker *Broker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{broker: broker, logger: logger, router: mux.NewRouter()}
	s.router.HandleFunc("/ws", s.handleWS).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/retained", s.handleRetained).Methods("GET")
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.broker.Sessions(),
	})
}

func (s *Server) handleRetained(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"topics": s.broker.Retained()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleWS runs one client session: connect handshake, then a read loop
// feeding the broker and a write pump draining the session's outbound queue.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var hello Frame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		conn.Close(websocket.StatusProtocolError, "expected connect")
		return
	}
	if hello.Op != OpConnect || hello.ClientID == "" {
		wsjson.Write(ctx, conn, &Frame{Op: OpError, Error: "first frame must be connect with a client id"})
		conn.Close(websocket.StatusPolicyViolation, "expected connect")
		return
	}

	out := make(chan Frame, sendBufSize)
	enqueue := func(f Frame) {
		select {
		case out <- f:
		case <-ctx.Done():
		}
	}

	session := s.broker.Attach(hello.ClientID, hello.Will, func(topic string, payload []byte) {
		enqueue(Frame{Op: OpMessage, Topic: topic, Payload: payload})
	})
	log := s.logger.With(zap.String("client_id", hello.ClientID))
	log.Info("session attached", zap.Bool("will", hello.Will != nil))

	if err := wsjson.Write(ctx, conn, &Frame{Op: OpConnAck, ClientID: hello.ClientID}); err != nil {
		session.Close(false)
		return
	}

	go s.writePump(ctx, conn, out, log)

	clean := false
	defer func() {
		session.Close(clean)
		conn.Close(websocket.StatusNormalClosure, "")
		log.Info("session detached", zap.Bool("clean", clean))
	}()

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == -1 {
				log.Debug("read error", zap.Error(err))
			}
			return
		}

		switch f.Op {
		case OpSubscribe:
			if !ValidFilter(f.Topic) {
				enqueue(Frame{Op: OpError, ID: f.ID, Error: ErrInvalidFilter.Error()})
				continue
			}
			session.Subscribe(f.Topic, f.QoS)
			enqueue(Frame{Op: OpSubAck, ID: f.ID, Topic: f.Topic, QoS: f.QoS})

		case OpPublish:
			if !ValidTopic(f.Topic) {
				enqueue(Frame{Op: OpError, ID: f.ID, Error: ErrInvalidTopic.Error()})
				continue
			}
			s.broker.Publish(f.Topic, f.Payload, f.Retain)
			if f.QoS > AtMostOnce {
				enqueue(Frame{Op: OpPubAck, ID: f.ID, Topic: f.Topic})
			}

		case OpDisconnect:
			clean = true
			return

		default:
			enqueue(Frame{Op: OpError, ID: f.ID, Error: "unknown op: " + f.Op})
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, out <-chan Frame, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := wsjson.Write(wctx, conn, &f)
			cancel()
			if err != nil {
				log.Debug("write error", zap.Error(err))
				return
			}
		}
	}
}
