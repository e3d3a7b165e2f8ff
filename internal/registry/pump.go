package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"candlexpr/internal/apperr"
	"candlexpr/internal/model"
)

// dialUpstream opens a connection to the Binance-compatible combined stream
// endpoint and sends the SUBSCRIBE frame naming this single stream id. reqID
// and method are carried verbatim from the triggering client request into
// the upstream frame. The connect attempt is bounded by timeout; expiry
// surfaces as ErrWebSocketTimeout.
func dialUpstream(upstreamURL, id string, reqID uint32, method string, timeout time.Duration) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}

	conn, _, err := dialer.Dial(upstreamURL, nil)
	if err != nil {
		if err == websocket.ErrBadHandshake {
			return nil, fmt.Errorf("dial %s: %w", upstreamURL, apperr.ErrWebSocketConnect)
		}
		return nil, fmt.Errorf("dial %s: %w", upstreamURL, apperr.ErrWebSocketTimeout)
	}

	sub := model.BinanceSubscription{
		ID:     reqID,
		Method: method,
		Params: []string{id},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", id, apperr.ErrWebSocketWrite)
	}

	return conn, nil
}

// runPump reads frames from conn, parses each as an upstream candle event,
// and multicasts the resulting Candle to every subscriber currently attached
// to e, in attach order. A full subscriber buffer is marked failed and
// skipped; the pump keeps serving the others. On Close or read error, every
// attached subscriber is torn down and the entry is removed from the
// registry map. This covers the upstream-initiated failure path: Release
// already removes the entry synchronously on voluntary teardown, so this
// removal is an idempotent backstop keyed by entry identity, and
// entry.markTornDown ensures the gauge/health bookkeeping only ever fires
// once regardless of which path gets there first.
func (r *Registry) runPump(id string, e *entry, conn *websocket.Conn) {
	e.cancel = func() { conn.Close() }

	defer func() {
		conn.Close()
		failAll(e, fmt.Errorf("pump %s: upstream closed: %w", id, apperr.ErrWebSocket))

		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()

		if e.markTornDown() {
			if r.metrics != nil {
				r.metrics.ActiveUpstreamsGauge.Dec()
			}
			if r.health != nil {
				r.health.DecActiveUpstreams()
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("registry: pump read ended", "stream", id, "err", err)
			return
		}

		switch msgType {
		case websocket.PingMessage, websocket.PongMessage, websocket.BinaryMessage:
			continue
		}

		candle, err := parseUpstreamCandle(data)
		if err != nil {
			slog.Warn("registry: pump parse failure", "stream", id, "err", err)
			continue
		}
		if candle == nil {
			continue
		}

		if r.metrics != nil {
			r.metrics.CandlesRelayedTotal.Inc()
		}
		if r.health != nil {
			r.health.SetLastCandleAt(time.Now())
		}

		for _, sub := range e.loadSubs() {
			if !sub.tryDeliver(*candle) {
				sub.fail(fmt.Errorf("pump %s: subscriber buffer full: %w", id, apperr.ErrWebSocket))
				e.removeSub(sub)
			}
		}
	}
}

func failAll(e *entry, err error) {
	for _, sub := range e.loadSubs() {
		sub.fail(err)
	}
}

// parseUpstreamCandle decodes one combined-stream frame. Returns (nil, nil)
// for frames that decode but carry no kline payload (e.g. non-kline event
// types on the same combined stream).
func parseUpstreamCandle(data []byte) (*model.Candle, error) {
	var env model.UpstreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode upstream frame: %w", apperr.ErrSerde)
	}

	k := env.Data.Kline
	if k.StartTime == 0 && k.Open == "" {
		return nil, nil
	}

	o, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parse open %q: %w", k.Open, apperr.ErrParseFloat)
	}
	c, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parse close %q: %w", k.Close, apperr.ErrParseFloat)
	}
	h, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parse high %q: %w", k.High, apperr.ErrParseFloat)
	}
	l, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parse low %q: %w", k.Low, apperr.ErrParseFloat)
	}

	return &model.Candle{T: k.StartTime, O: o, C: c, H: h, L: l}, nil
}
