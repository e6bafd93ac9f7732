package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"clinic-queue/internal/status"
	"clinic-queue/models"
	"clinic-queue/monitoring"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

// Conn is the part of a sockjs.Session the server needs.
type Conn interface {
	Recv() (string, error)
	Send(msg string) error
	Close(code uint32, reason string) error
	Request() *http.Request
}

// SnapshotSource returns the last persisted snapshot of a session.
type SnapshotSource interface {
	Snapshot(ctx context.Context, sessionID string) (models.EtaSnapshot, error)
}

// SocketServer speaks the session:* protocol. It only reads persisted state;
// recomputation happens in the job worker.
type SocketServer struct {
	hub       *Hub
	snapshots SnapshotSource
	resolver  Resolver
	now       func() time.Time
	logger    *slog.Logger
}

func NewSocketServer(hub *Hub, snapshots SnapshotSource, resolver Resolver) *SocketServer {
	return &SocketServer{
		hub:       hub,
		snapshots: snapshots,
		resolver:  resolver,
		now:       time.Now,
		logger:    slog.With("component", "socket"),
	}
}

// Handler mounts the server under prefix.
func (s *SocketServer) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		s.Serve(session)
	})
}

// Serve runs one connection until the peer goes away.
func (s *SocketServer) Serve(conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity := IdentityFromRequest(ctx, s.resolver, conn.Request())
	client := NewClient(uuid.NewString(), 16, identity)
	logger := s.logger.With("client_id", client.ID, "user_id", identity.ID, "role", identity.Role)

	monitoring.ConnectionOpened()
	logger.Debug("Connection opened")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range client.Send {
			if err := conn.Send(string(msg)); err != nil {
				logger.Debug("Send failed", "error", err)
			}
		}
	}()

	defer func() {
		s.hub.LeaveAll(client)
		close(client.Send)
		<-done
		monitoring.ConnectionClosed()
		logger.Debug("Connection closed")
	}()

	for {
		raw, err := conn.Recv()
		if err != nil {
			return
		}
		msg, ok := ParseInbound([]byte(raw))
		if !ok {
			client.Send <- encodeError("unrecognised message")
			continue
		}
		switch msg.Event {
		case EventJoin:
			s.join(ctx, client, msg.SessionID, logger)
		case EventLeave:
			s.hub.Leave(msg.SessionID, client)
		case EventPing:
			client.Send <- encodePong(msg.SessionID, s.now())
		}
	}
}

func (s *SocketServer) join(ctx context.Context, client *Client, sessionID string, logger *slog.Logger) {
	// Join before reading so a push landing in between is not lost; the
	// client keeps whichever snapshot has the higher version.
	joined := s.hub.Join(sessionID, client)
	snapshot, err := s.snapshots.Snapshot(ctx, sessionID)
	if err != nil {
		if joined {
			s.hub.Leave(sessionID, client)
		}
		if errors.Is(err, status.ErrNotFound) {
			client.Send <- encodeError("session not found")
			return
		}
		logger.Error("Snapshot lookup failed", "session_id", sessionID, "error", err)
		client.Send <- encodeError("snapshot unavailable")
		return
	}
	if joined {
		logger.Info("Joined session", "session_id", sessionID)
	}
	// Re-joining is how a client recovers missed pushes.
	data, err := EncodeEtaUpdate(snapshot)
	if err != nil {
		logger.Error("Encode snapshot failed", "session_id", sessionID, "error", err)
		return
	}
	client.Send <- data
}
