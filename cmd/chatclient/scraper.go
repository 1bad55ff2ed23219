package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// metricSnapshot holds the tracked server metrics at a point in time.
// Labelled series are summed.
type metricSnapshot struct {
	timestamp       time.Time
	connections     float64
	onlineUsers     float64
	relayEvents     float64
	messagesCreated float64
	rateLimited     float64
	httpSum         float64
	httpCount       float64
}

// Scraper periodically fetches the server's /metrics endpoint and records
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return metricSnapshot{}, fmt.Errorf("parse metrics: %w", err)
	}
	return snapshotOf(families), nil
}

func snapshotOf(families map[string]*dto.MetricFamily) metricSnapshot {
	snap := metricSnapshot{timestamp: time.Now()}
	for name, mf := range families {
		for _, m := range mf.GetMetric() {
			switch name {
			case "agrichat_connections_total":
				snap.connections += m.GetGauge().GetValue()
			case "agrichat_online_users":
				snap.onlineUsers += m.GetGauge().GetValue()
			case "agrichat_relay_events_total":
				snap.relayEvents += m.GetCounter().GetValue()
			case "agrichat_messages_created_total":
				snap.messagesCreated += m.GetCounter().GetValue()
			case "agrichat_rate_limited_total":
				snap.rateLimited += m.GetCounter().GetValue()
			case "agrichat_http_request_seconds":
				snap.httpSum += m.GetHistogram().GetSampleSum()
				snap.httpCount += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return snap
}

// Report prints the initial, final, delta and peak value of each metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	type row struct {
		label   string
		extract func(metricSnapshot) float64
	}
	rows := []row{
		{"Connections", func(s metricSnapshot) float64 { return s.connections }},
		{"Online Users", func(s metricSnapshot) float64 { return s.onlineUsers }},
		{"Relay Events", func(s metricSnapshot) float64 { return s.relayEvents }},
		{"Messages Stored", func(s metricSnapshot) float64 { return s.messagesCreated }},
		{"Rate Limited", func(s metricSnapshot) float64 { return s.rateLimited }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}

	fmt.Println()
	printHistogramAvg("HTTP Latency", first.httpSum, first.httpCount, last.httpSum, last.httpCount)
}

// printHistogramAvg prints the average over the _sum/_count deltas between
// the first and last snapshot.
func printHistogramAvg(label string, sumFirst, countFirst, sumLast, countLast float64) {
	deltaSum := sumLast - sumFirst
	deltaCount := countLast - countFirst
	if deltaCount > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", label, deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", label)
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
