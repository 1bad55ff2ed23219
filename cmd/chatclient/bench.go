package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agrilink/chat-app/internal/client"
	"github.com/agrilink/chat-app/internal/protocol"
)

// runBench connects farmer/expert pairs and has each farmer send a series of
// messages the way the mobile client does: store over REST, then relay. It
// reports store latency and the time from relay to receipt by the expert.
func runBench(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	server := fs.String("server", "http://localhost:5000", "Chat server base URL")
	pairs := fs.Int("pairs", 10, "Number of farmer/expert pairs")
	messages := fs.Int("messages", 20, "Messages sent by each farmer")
	interval := fs.Duration("interval", 200*time.Millisecond, "Delay between messages of one farmer")
	metricsURL := fs.String("metrics", "", "Server /metrics URL to scrape (optional)")
	fs.Parse(args)

	url := wsURL(*server)
	fmt.Printf("Bench: %d pairs x %d messages against %s (interval=%s)\n", *pairs, *messages, *server, *interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := NewCollector()
	if *metricsURL != "" {
		scraper := NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	api := client.NewAPIClient(*server)
	var wg sync.WaitGroup
	for i := 1; i <= *pairs; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runPair(ctx, api, url, n, *messages, *interval, collector)
		}(i)
	}
	wg.Wait()

	collector.Report()
}

func runPair(ctx context.Context, api *client.APIClient, url string, n, messages int, interval time.Duration, collector *Collector) {
	farmerID := fmt.Sprintf("bench-farmer-%d", n)
	expertID := fmt.Sprintf("bench-expert-%d", n)

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	farmer, latency, err := connectAndJoin(connCtx, url, farmerID, "farmer")
	cancel()
	if err != nil {
		fmt.Printf("  [pair %d] farmer: %v\n", n, err)
		collector.AddError()
		return
	}
	defer farmer.Close()
	collector.AddConnect(latency)

	connCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
	expert, latency, err := connectAndJoin(connCtx, url, expertID, "expert")
	cancel()
	if err != nil {
		fmt.Printf("  [pair %d] expert: %v\n", n, err)
		collector.AddError()
		return
	}
	defer expert.Close()
	collector.AddConnect(latency)

	var (
		mu     sync.Mutex
		sentAt = make(map[string]time.Time)
	)
	received := make(chan struct{}, messages)
	expert.On(protocol.TypeReceiveMessage, func(raw json.RawMessage) {
		var m protocol.ReceiveMessageMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.SenderID != farmerID {
			return
		}
		mu.Lock()
		t, ok := sentAt[m.Message]
		delete(sentAt, m.Message)
		mu.Unlock()
		if ok {
			collector.AddRelay(time.Since(t))
			received <- struct{}{}
		}
	})
	farmer.On(protocol.TypeRateLimited, func(json.RawMessage) { collector.AddRateLimited() })

	sent := 0
	for i := 1; i <= messages; i++ {
		if ctx.Err() != nil {
			break
		}
		text := fmt.Sprintf("bench %d/%d from %s", i, messages, farmerID)

		start := time.Now()
		stored, err := api.CreateText(ctx, farmerID, expertID, text)
		if err != nil {
			collector.AddError()
			continue
		}
		collector.AddStore(time.Since(start))

		mu.Lock()
		sentAt[text] = time.Now()
		mu.Unlock()
		err = farmer.Emit(protocol.TypeSendMessage, protocol.SendMessageMsg{
			SenderID:    farmerID,
			ReceiverID:  expertID,
			Message:     stored.Content.Wire(),
			MessageType: string(stored.Type),
		})
		if err != nil {
			collector.AddError()
		} else {
			sent++
		}

		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}

	// Give the last relays a moment to arrive.
	deadline := time.After(5 * time.Second)
	for got := 0; got < sent; got++ {
		select {
		case <-received:
		case <-deadline:
			fmt.Printf("  [pair %d] %d/%d relayed messages never arrived\n", n, sent-got, sent)
			return
		case <-ctx.Done():
			return
		}
	}
}

// connectAndJoin dials the server, joins as userID and waits for the joined
// acknowledgement. The returned latency covers dial and join.
func connectAndJoin(ctx context.Context, url, userID, role string) (*client.Transport, time.Duration, error) {
	start := time.Now()
	tr, err := client.Dial(ctx, client.DefaultTransportConfig(url))
	if err != nil {
		return nil, 0, err
	}

	joined := make(chan struct{}, 1)
	unsubscribe := tr.On(protocol.TypeJoined, func(json.RawMessage) {
		select {
		case joined <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := tr.Join(userID, role); err != nil {
		tr.Close()
		return nil, 0, err
	}
	select {
	case <-joined:
		return tr, time.Since(start), nil
	case <-ctx.Done():
		tr.Close()
		return nil, 0, fmt.Errorf("join %s: %w", userID, ctx.Err())
	}
}
