package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"plaza/internal/models"
	"plaza/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const feedWriteWait = 10 * time.Second

type socketEvent struct {
	Type    string `json:"type"`
	Count   *int   `json:"count,omitempty"`
	Posts   any    `json:"posts,omitempty"`
	Message string `json:"message,omitempty"`
}

func wsUserID(conn *websocket.Conn) string {
	id, _ := conn.Locals("userID").(string)
	return id
}

// NotificationsSocket streams live notifications to the authenticated user.
// The first frame carries the unread count.
func (s *Server) NotificationsSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		log := observability.NewWSLogger("notifications")
		ctx := context.Background()

		userID := wsUserID(conn)
		if userID == "" {
			_ = conn.Close()
			return
		}

		client, err := s.rt.Hub.Register(userID, conn)
		if err != nil {
			log.LogError(ctx, userID, err, "register")
			_ = conn.WriteJSON(socketEvent{Type: "error", Message: err.Error()})
			_ = conn.Close()
			return
		}

		if n, err := s.svc.Notifications.UnreadCount(ctx, userID); err == nil {
			if frame, err := json.Marshal(socketEvent{Type: "unread", Count: &n}); err == nil {
				_ = client.TrySend(frame)
			}
		}

		go client.WritePump()
		client.ReadPump()
	})
}

// FeedSocket pushes the following feed every time a followed author's posts
// change. The follow set is read once, when the socket opens.
func (s *Server) FeedSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		log := observability.NewWSLogger("feed")
		userID := wsUserID(conn)
		if userID == "" {
			_ = conn.Close()
			return
		}
		defer func() { _ = conn.Close() }()

		limit, _ := strconv.Atoi(conn.Query("limit"))

		ctx, cancel := context.WithCancel(s.shutdownCtx)
		defer cancel()

		snaps, err := s.svc.Feed.WatchFollowing(ctx, userID, limit)
		if err != nil {
			log.LogError(ctx, userID, err, "watch")
			_ = conn.WriteJSON(socketEvent{Type: "error", Message: models.ErrorCode(err)})
			return
		}
		log.LogConnect(ctx, userID)

		// The client sends nothing; reading only detects the close.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for snap := range snaps {
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if snap.Err != nil {
				observability.GlobalLogger.WarnContext(ctx, "live feed ended",
					slog.String("user_id", userID), slog.String("error", snap.Err.Error()))
				_ = conn.WriteJSON(socketEvent{Type: "error", Message: models.ErrorCode(snap.Err)})
				return
			}
			if err := conn.WriteJSON(socketEvent{Type: "feed", Posts: snap.Posts}); err != nil {
				return
			}
		}
		log.LogDisconnect(ctx, userID, "closed")
	})
}
