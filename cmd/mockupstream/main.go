// Command mockupstream is a local dev double for the Binance-compatible
// combined stream candlexpr talks to. It accepts one WebSocket connection
// per stream, reads the SUBSCRIBE frame to learn which symbol@kline_interval
// to simulate, and then emits a random-walk synthetic kline every second —
// useful for exercising candlexpr without network access to the real
// upstream.
package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"candlexpr/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	addr := getEnv("MOCKUPSTREAM_ADDR", ":9443")
	tick := getEnvDuration("MOCKUPSTREAM_TICK", time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		handleConn(w, r, tick)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[mockupstream] serving at %s", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[mockupstream] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[mockupstream] shutting down...")
}

func handleConn(w http.ResponseWriter, r *http.Request, tick time.Duration) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[mockupstream] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	var sub model.BinanceSubscription
	if err := conn.ReadJSON(&sub); err != nil {
		log.Printf("[mockupstream] read subscribe error: %v", err)
		return
	}
	if len(sub.Params) == 0 {
		log.Printf("[mockupstream] subscribe with no params, closing")
		return
	}
	stream := sub.Params[0]
	symbol, interval := splitStreamID(stream)
	log.Printf("[mockupstream] streaming synthetic klines for %s (interval=%s)", symbol, interval)

	walker := newRandomWalk(100.0)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for t := range ticker.C {
		bar := walker.next()
		env := model.UpstreamEnvelope{
			Data: model.UpstreamCandleEvent{
				EventType: "kline",
				EventTime: uint64(t.UnixMilli()),
				Symbol:    strings.ToUpper(symbol),
				Kline: model.UpstreamKlinePart{
					StartTime: uint64(t.UnixMilli()),
					Open:      formatPrice(bar.O),
					Close:     formatPrice(bar.C),
					High:      formatPrice(bar.H),
					Low:       formatPrice(bar.L),
				},
			},
		}

		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("[mockupstream] write error: %v", err)
			return
		}
	}
}

// splitStreamID splits "btcusdt@kline_1m" into ("btcusdt", "1m").
func splitStreamID(stream string) (symbol, interval string) {
	parts := strings.SplitN(stream, "@kline_", 2)
	if len(parts) != 2 {
		return stream, ""
	}
	return parts[0], parts[1]
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

type randomWalk struct {
	last float64
}

func newRandomWalk(start float64) *randomWalk {
	return &randomWalk{last: start}
}

func (w *randomWalk) next() model.Candle {
	o := w.last
	delta := (rand.Float64() - 0.5) * o * 0.002
	c := o + delta
	h := o
	if c > h {
		h = c
	}
	l := o
	if c < l {
		l = c
	}
	w.last = c
	return model.Candle{O: o, C: c, H: h, L: l}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	seconds, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return seconds
}
