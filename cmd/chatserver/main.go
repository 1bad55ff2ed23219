package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agrilink/chat-app/internal/api"
	"github.com/agrilink/chat-app/internal/config"
	"github.com/agrilink/chat-app/internal/media"
	"github.com/agrilink/chat-app/internal/messaging"
	"github.com/agrilink/chat-app/internal/metrics"
	"github.com/agrilink/chat-app/internal/presence"
	"github.com/agrilink/chat-app/internal/ratelimit"
	"github.com/agrilink/chat-app/internal/session"
	"github.com/agrilink/chat-app/internal/store"
	"github.com/agrilink/chat-app/internal/ws"
)

func main() {
	cfg := config.Load()

	// --- Message store ---
	var msgStore store.Store
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgresStore(ctx, store.DefaultPostgresConfig(cfg.DatabaseURL))
		cancel()
		if err != nil {
			log.Fatalf("failed to open message store: %v", err)
		}
		msgStore = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory message store")
		msgStore = store.NewMemoryStore()
	}

	// --- Media ---
	ingestor, err := media.NewIngestor(cfg.Media)
	if err != nil {
		log.Fatalf("failed to prepare upload dir: %v", err)
	}

	// --- Redis ---
	var sessionStore *session.Store
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
	}

	// --- NATS ---
	// Message events only feed the moderator, so the server runs without them.
	natsClient, err := messaging.NewNATSClient(cfg.NATS)
	if err != nil {
		log.Printf("NATS unavailable, message events disabled: %v", err)
		natsClient = nil
	}

	log.Printf("agrichat server starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  read_timeout:    %s", cfg.Server.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.Server.WriteTimeout)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  database:        %t", cfg.DatabaseURL != "")
	log.Printf("  upload_dir:      %s (max %d bytes)", cfg.Media.Dir, ingestor.MaxBytes())
	log.Printf("  rate_limit:      %t", cfg.RateLimit && sessionStore != nil)
	log.Printf("  server_name:     %s", cfg.ServerName)

	registry := presence.NewRegistry()
	handlers := newRelayHandlers(registry)
	handlers.sessions = sessionStore

	apiHandler := api.NewHandler(msgStore, ingestor, registry)
	if sessionStore != nil {
		apiHandler.SetSessions(sessionStore)
	}
	if natsClient != nil {
		apiHandler.SetPublisher(natsClient, cfg.ServerName)
		if err := natsClient.SubscribeFlagged(func(ev messaging.FlaggedEvent) {
			metrics.MessagesFlagged.WithLabelValues(ev.Reason).Inc()
			log.Printf("[moderation] message=%s sender=%s flagged reason=%s term=%q strikes=%d",
				ev.MessageID, ev.SenderID, ev.Reason, ev.Term, ev.Strikes)
		}); err != nil {
			log.Printf("failed to subscribe to moderation verdicts: %v", err)
		}
	}
	if cfg.RateLimit && sessionStore != nil {
		limiter := ratelimit.NewLimiter(sessionStore.Client())
		handlers.limiter = limiter
		apiHandler.SetLimiter(limiter)
	}

	dispatcher := ws.NewMessageDispatcher()
	handlers.register(dispatcher)

	server := ws.NewServer(cfg.Server, sessionStore, dispatcher.Dispatch)
	server.SetOnDisconnect(handlers.onDisconnect)
	server.HandlePrefix("/api/", apiHandler.Router())
	server.HandlePrefix("/"+media.PublicPrefix+"/", ingestor.Handler())
	server.Handle("/metrics", metrics.Handler())

	server.AddHealthCheck("store", msgStore.Ping)
	if sessionStore != nil {
		server.AddHealthCheck("redis", sessionStore.Ping)
	}
	server.SetStats(func() map[string]int {
		return map[string]int{"online_users": registry.Count()}
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		registry.Clear()
		if err := msgStore.Close(); err != nil {
			log.Printf("message store close error: %v", err)
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
