// Command candlexpr runs the Listener: it binds a client-facing WebSocket
// endpoint, wires the upstream registry, metrics and optional Redis result
// fan-out, and spawns one session per accepted connection.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"

	"candlexpr/config"
	"candlexpr/internal/logger"
	"candlexpr/internal/metrics"
	"candlexpr/internal/registry"
	"candlexpr/internal/resultbus"
	"candlexpr/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[candlexpr] starting...")

	logger.Init("candlexpr", slog.LevelInfo)

	cfg := config.Load()

	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := resultbus.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if bus != nil {
		log.Printf("[candlexpr] result fan-out enabled: %s", cfg.RedisAddr)
		defer bus.Close()
	}

	reg := registry.New(cfg.UpstreamURL, cfg.ConnectTimeout, m, health)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[candlexpr] ws upgrade error: %v", err)
			return
		}
		s := session.New(conn, reg, bus, m, health)
		go s.Run()
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[candlexpr] serving at %s, upstream %s", cfg.ListenAddr, cfg.UpstreamURL)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[candlexpr] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[candlexpr] shutting down...")
	cancel()
	srv.Shutdown(context.Background())
	metricsSrv.Stop(context.Background())
}
