package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"task-fanout/domain"
	"task-fanout/protocol"
)

// serveWS authenticates the caller, upgrades to a websocket and runs the
// subscription protocol until the channel closes.
func (s *Server) serveWS(c echo.Context) error {
	token, err := bearerTokenFromRequest(c.Request())
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	userID, err := s.auth.UserIDFromToken(token)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		s.logger.WithError(err).WithField("user", userID).Warn("ws: upgrade failed")
		return nil
	}

	conn := newWSConn(ws, s.connCfg)
	conn.onSlow = s.metrics.slowConsumers.Inc
	id := s.conns.Register(conn)
	entry := s.logger.WithFields(log.Fields{"conn": id, "user": userID})
	entry.Debug("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.conns.Unregister(id)
		entry.Debug("client disconnected")
	}()

	session := protocol.NewSession(id, userID, s.conns, s.authz, s.validate, s.logger)
	go conn.writeLoop()

	err = conn.readLoop(func(msg []byte) {
		reqCtx, cancelReq := context.WithTimeout(ctx, s.authzTimeout)
		reply := session.HandleFrame(reqCtx, msg)
		cancelReq()

		if rej, ok := reply.Data.(domain.Rejection); ok {
			s.metrics.rejected.WithLabelValues(rej.Reason).Inc()
		}
		frame, err := reply.Encode()
		if err != nil {
			entry.WithError(err).Error("ws: encode reply")
			return
		}
		if err := conn.Send(frame); err != nil {
			entry.WithError(err).Debug("ws: reply not delivered")
		}
	})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		entry.WithError(err).Debug("ws: read loop ended")
	}
	return nil
}
