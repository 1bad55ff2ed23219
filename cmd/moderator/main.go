package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrilink/chat-app/internal/config"
	"github.com/agrilink/chat-app/internal/messaging"
	"github.com/agrilink/chat-app/internal/moderation"
)

func main() {
	log.Println("Starting agrichat moderation service...")

	cfg := config.Load()

	// Redis is optional here: without it verdicts carry no strike count.
	var strikes *moderation.Strikes
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Printf("[moderator] redis unavailable, strikes disabled: %v", err)
			rdb.Close()
		} else {
			strikes = moderation.NewStrikes(rdb)
			defer rdb.Close()
		}
	}

	natsConfig := cfg.NATS
	natsConfig.Name = cfg.ServerName + "-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	filter := moderation.NewFilter()

	err = natsClient.SubscribeMessageCreated("moderators", func(ev messaging.MessageCreatedEvent) {
		flag, ok := filter.Screen(ev.Message)
		if !ok {
			return
		}
		if strikes != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			n, err := strikes.Add(ctx, flag.SenderID)
			cancel()
			if err != nil {
				log.Printf("[moderator] %v", err)
			}
			flag.Strikes = n
		}

		log.Printf("[moderator] FLAGGED message=%s sender=%s reason=%s term=%q strikes=%d",
			flag.MessageID, flag.SenderID, flag.Reason, flag.Term, flag.Strikes)
		if err := natsClient.PublishFlagged(flag); err != nil {
			log.Printf("[moderator] failed to publish verdict: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to message events: %v", err)
	}

	log.Printf("agrichat moderation service running")
	log.Printf("  redis_addr: %s", cfg.RedisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
