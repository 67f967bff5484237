package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docsync/internal/collab"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	maxFrameSize = 1 << 20
)

// handleSync upgrades first and verifies afterwards so that a rejected client
// learns why from the close code.
func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.corsOrigin, r.Header.Get("Origin"))
		},
	}
	wc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer wc.Close()

	documentID := mux.Vars(r)["documentId"]
	query := r.URL.Query()
	client, session, err := s.service.Connect(r.Context(), ConnectParams{
		DocumentID: documentID,
		Token:      query.Get("token"),
		Name:       query.Get("name"),
		Color:      query.Get("color"),
	})
	if err != nil {
		code, reason := closeCode(err)
		s.logger.Info("sync connection rejected",
			zap.String("document_id", documentID),
			zap.Int("close_code", code),
			zap.Error(err),
		)
		writeClose(wc, code, reason)
		return
	}

	c := &conn{
		wc:      wc,
		client:  client,
		session: session,
		service: s.service,
		logger:  s.logger.With(zap.String("document_id", documentID), zap.String("connection_id", client.ID)),
	}
	c.logger.Info("sync connection opened", zap.String("user_id", client.UserID), zap.Stringer("level", client.Level()))

	stop := make(chan struct{})
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.write(stop)
	}()

	if err := c.read(r.Context()); err != nil {
		c.logger.Warn("sync connection read failed", zap.Error(err))
	}
	s.service.Detach(client)
	close(stop)
	<-written
	c.logger.Info("sync connection closed")
}

type conn struct {
	wc      *websocket.Conn
	client  *collab.Client
	session *collab.Session
	service *Service
	logger  *zap.Logger
}

func (c *conn) read(ctx context.Context) error {
	c.wc.SetReadLimit(maxFrameSize)
	_ = c.wc.SetReadDeadline(time.Now().Add(pongWait))
	c.wc.SetPongHandler(func(string) error {
		return c.wc.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		op, raw, err := c.wc.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil // client went away
		}
		_ = c.wc.SetReadDeadline(time.Now().Add(pongWait))

		if op != websocket.TextMessage {
			c.reject("UNSUPPORTED_FRAME", "binary frames are not supported")
			continue
		}
		frame, err := collab.DecodeFrame(raw)
		if err != nil {
			c.reject("MALFORMED_FRAME", err.Error())
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *conn) dispatch(ctx context.Context, frame collab.Frame) {
	switch frame.Type {
	case collab.FrameUpdate:
		if err := c.session.Submit(ctx, c.client, frame.Update); err != nil {
			if !errors.Is(err, collab.ErrForbidden) && !errors.Is(err, collab.ErrUnauthorized) {
				c.logger.Debug("update rejected", zap.Error(err))
			}
			c.reject(frameErrorCode(err), err.Error())
		}
	case collab.FrameSync:
		c.session.Sync(c.client, frame.StateVector)
	case collab.FramePresence:
		var data []byte
		if frame.Presence != nil {
			data = frame.Presence.Data
		}
		c.session.Presence(c.client, data)
	case collab.FrameRefresh:
		claims, err := c.service.Refresh(c.client, frame.Token)
		if err != nil {
			c.reject(frameErrorCode(err), "token refresh rejected")
			return
		}
		level := claims.Level
		refreshed, err := collab.EncodeFrame(collab.Frame{
			Type:        collab.FrameRefreshed,
			AccessLevel: &level,
			ExpiresIn:   int64(time.Until(claims.ExpiresAt).Seconds()),
		})
		if err == nil {
			c.client.Enqueue(refreshed)
		}
		c.logger.Debug("token refreshed", zap.Stringer("level", level), zap.Time("expires_at", claims.ExpiresAt))
	default:
		c.reject("UNKNOWN_FRAME", "unknown frame type "+frame.Type)
	}
}

// reject reports a refused client frame without closing the connection.
func (c *conn) reject(code, message string) {
	c.client.Enqueue(collab.ErrorFrame(code, message))
}

// write is the only goroutine writing to the websocket once the connection
// is attached.
func (c *conn) write(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.client.Send():
			_ = c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = c.wc.Close()
				return
			}
		case <-ticker.C:
			_ = c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.wc.Close()
				return
			}
		case <-c.client.Done():
			switch c.client.CloseReason() {
			case collab.CloseSlowConsumer:
				writeClose(c.wc, websocket.CloseTryAgainLater, "slow consumer")
			default:
				writeClose(c.wc, websocket.CloseServiceRestart, "server shutting down")
			}
			_ = c.wc.Close()
			return
		case <-stop:
			writeClose(c.wc, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func writeClose(wc *websocket.Conn, code int, reason string) {
	_ = wc.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
}

func originAllowed(corsOrigin, origin string) bool {
	if corsOrigin == "*" || origin == "" {
		return true
	}
	return strings.EqualFold(strings.TrimRight(origin, "/"), strings.TrimRight(corsOrigin, "/"))
}
