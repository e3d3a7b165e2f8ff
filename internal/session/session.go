// Package session implements the per-client connection handler: read one
// subscribe request, compile it, subscribe its operands through the
// registry, run an evaluator, and forward results back as JSON text frames.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"candlexpr/internal/apperr"
	"candlexpr/internal/compiler"
	"candlexpr/internal/evaluator"
	"candlexpr/internal/logger"
	"candlexpr/internal/metrics"
	"candlexpr/internal/model"
	"candlexpr/internal/registry"
	"candlexpr/internal/resultbus"
)

const (
	readLimitBytes  = 4096
	writeDeadline   = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = 30 * time.Second
	resultQueueSize = 64
)

// Session owns one accepted client connection end to end.
type Session struct {
	conn     *websocket.Conn
	registry *registry.Registry
	bus      *resultbus.Bus
	metrics  *metrics.Metrics
	health   *metrics.HealthStatus

	ctx  context.Context
	send chan []byte
}

// New wraps an already-upgraded client connection. Each session gets its own
// trace ID, keyed by the connection's remote address, threaded through every
// log line emitted for its lifetime.
func New(conn *websocket.Conn, reg *registry.Registry, bus *resultbus.Bus, m *metrics.Metrics, health *metrics.HealthStatus) *Session {
	traceID := logger.GenerateTraceID(conn.RemoteAddr().String(), time.Now())
	return &Session{
		conn:     conn,
		registry: reg,
		bus:      bus,
		metrics:  m,
		health:   health,
		ctx:      logger.WithTraceID(context.Background(), traceID),
		send:     make(chan []byte, resultQueueSize),
	}
}

// logAttrs appends this session's trace ID to a set of slog key/value pairs.
func (s *Session) logAttrs(pairs ...any) []any {
	return append(pairs, logger.LogWithTrace(s.ctx)...)
}

// Run blocks for the lifetime of the client connection: reads the first
// request, compiles and evaluates it, and pumps results back. Returns once
// the session has fully torn down.
func (s *Session) Run() {
	if s.metrics != nil {
		s.metrics.ActiveSessionsGauge.Inc()
		defer s.metrics.ActiveSessionsGauge.Dec()
	}
	if s.health != nil {
		s.health.IncActiveSessions()
		defer s.health.DecActiveSessions()
	}

	defer s.conn.Close()

	go s.writePump()

	req, err := s.readRequest()
	if err != nil {
		s.sendError(0, err)
		close(s.send)
		return
	}

	plan, err := compiler.Compile(req.Stream)
	if err != nil {
		s.sendError(req.ID, err)
		close(s.send)
		return
	}

	subs, err := s.subscribeAll(plan, req)
	if err != nil {
		s.sendError(req.ID, err)
		close(s.send)
		return
	}
	defer s.releaseAll(plan, subs)

	ev := evaluator.New(plan, subs)
	results := make(chan model.ResultMessage, resultQueueSize)

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- ev.Run(results) }()

	for {
		select {
		case res := <-results:
			s.forward(res)
		case err := <-done:
			if s.metrics != nil {
				s.metrics.EvaluatorLifetimeDur.Observe(time.Since(started).Seconds())
			}
			if err != nil {
				slog.Warn("session: evaluator terminated with error", s.logAttrs("stream", req.Stream, "err", err)...)
				if s.metrics != nil {
					s.metrics.SessionErrorsTotal.WithLabelValues(taxonomyLabel(err)).Inc()
				}
			}
			close(s.send)
			return
		}
	}
}

// readRequest reads messages until the first text frame and parses it as a
// ClientRequest. Non-text, non-close frames are ignored.
func (s *Session) readRequest() (model.ClientRequest, error) {
	s.conn.SetReadLimit(readLimitBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return model.ClientRequest{}, fmt.Errorf("session: read request: %w", apperr.ErrIO)
		}
		if msgType == websocket.CloseMessage {
			return model.ClientRequest{}, fmt.Errorf("session: client closed before request: %w", apperr.ErrIO)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req model.ClientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return model.ClientRequest{}, fmt.Errorf("session: decode request: %w", apperr.ErrInvalidMessage)
		}
		return req, nil
	}
}

func (s *Session) subscribeAll(plan *compiler.ExpressionPlan, req model.ClientRequest) (map[string]evaluator.Source, error) {
	subs := make(map[string]evaluator.Source, len(plan.Operands))
	for _, operand := range plan.Operands {
		sub, err := s.registry.Subscribe(operand, req.ID, req.Method)
		if err != nil {
			for _, already := range plan.Operands {
				if attached, ok := subs[already]; ok {
					if sc, ok := attached.(*registry.SubscriberChannel); ok {
						s.registry.Release(already, sc)
					}
				}
			}
			return nil, err
		}
		subs[operand] = sub
	}
	if s.metrics != nil {
		s.metrics.SubscriptionsTotal.Add(float64(len(plan.Operands)))
	}
	return subs, nil
}

func (s *Session) releaseAll(plan *compiler.ExpressionPlan, subs map[string]evaluator.Source) {
	for _, operand := range plan.Operands {
		sc, ok := subs[operand].(*registry.SubscriberChannel)
		if !ok {
			continue
		}
		if err := s.registry.Release(operand, sc); err != nil {
			slog.Warn("session: release failed", s.logAttrs("operand", operand, "err", err)...)
		}
	}
}

func (s *Session) forward(res model.ResultMessage) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Warn("session: marshal result failed", s.logAttrs("err", err)...)
		return
	}
	select {
	case s.send <- data:
		if s.metrics != nil {
			s.metrics.ResultsEmittedTotal.Inc()
		}
	default:
		slog.Warn("session: client send buffer full, dropping result", s.logAttrs("stream", res.Stream)...)
	}
	if s.bus != nil {
		s.bus.Publish(res)
	}
}

func (s *Session) sendError(reqID uint32, err error) {
	data, merr := json.Marshal(model.ErrorMessage{ID: reqID, Error: err.Error()})
	if merr != nil {
		return
	}
	select {
	case s.send <- data:
	default:
	}
	if s.metrics != nil {
		s.metrics.SessionErrorsTotal.WithLabelValues(taxonomyLabel(err)).Inc()
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func taxonomyLabel(err error) string {
	for _, kind := range []struct {
		err   error
		label string
	}{
		{apperr.ErrIO, "io"},
		{apperr.ErrWebSocket, "websocket"},
		{apperr.ErrWebSocketConnect, "websocket_connect"},
		{apperr.ErrWebSocketTimeout, "websocket_timeout"},
		{apperr.ErrWebSocketWrite, "websocket_write"},
		{apperr.ErrSerde, "serde"},
		{apperr.ErrParseFloat, "parse_float"},
		{apperr.ErrParsingStream, "parsing_stream"},
		{apperr.ErrMismatchedTimestamps, "mismatched_timestamps"},
		{apperr.ErrDivisionByZero, "division_by_zero"},
		{apperr.ErrKeyNotFound, "key_not_found"},
		{apperr.ErrInvalidMessage, "invalid_message"},
	} {
		if errors.Is(err, kind.err) {
			return kind.label
		}
	}
	return "unknown"
}
