package api

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"task-fanout/ingest"
)

const postEventMaxSize = 1 << 20

// postEvent accepts a committed mutation from the CRUD layer and queues its
// event. It answers 202 as soon as the event is queued.
func (s *Server) postEvent(c echo.Context) error {
	if !serviceTokenMatches(c.Request().Header.Get(echo.HeaderAuthorization), s.serviceToken) {
		s.metrics.ingested.WithLabelValues("unauthorized").Inc()
		return c.String(http.StatusUnauthorized, "invalid service token")
	}

	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postEventMaxSize))
	var env ingest.Envelope
	if err := dec.Decode(&env); err != nil {
		s.metrics.ingested.WithLabelValues("invalid").Inc()
		return c.String(http.StatusBadRequest, "invalid body")
	}
	ev, err := s.decoder.Event(env)
	if err != nil {
		s.metrics.ingested.WithLabelValues("invalid").Inc()
		return c.String(http.StatusBadRequest, err.Error())
	}

	if !s.emitter.Emit(c.Request().Context(), ev) {
		s.metrics.ingested.WithLabelValues("dropped").Inc()
		return c.String(http.StatusServiceUnavailable, "event queue saturated")
	}
	s.metrics.ingested.WithLabelValues("accepted").Inc()
	return c.NoContent(http.StatusAccepted)
}
