package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/projecthub/realtime/internal/client/transport"
	"github.com/projecthub/realtime/internal/loadstats"
)

// runSeed prints the project membership the load users need.
func runSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	users := fs.Int("users", 200, "Number of load users")
	prefix := fs.String("prefix", "load-", "User id prefix")
	project := fs.Int64("project", 1, "Project id")
	fs.Parse(args)

	ids := make([]string, *users)
	for i := range ids {
		ids[i] = userID(*prefix, i)
	}
	fmt.Printf("SEED_PROJECTS=%d=%s\n", *project, strings.Join(ids, ","))
}

// runSaturate opens the requested number of connections over the ramp-up
// period, then holds them open while counting drops.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "Server root URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	prefix := fs.String("prefix", "load-", "User id prefix")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)
	if *connections <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "--connections and --concurrency must be positive")
		os.Exit(2)
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *server, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	conns := make([]*transport.Transport, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)

	interrupted := false
	for launched := 0; launched < *connections && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-ticker.C:
			i := launched
			launched++
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				tr, err := connect(connCtx, *server, userID(*prefix, i), collector, nil)
				if err != nil {
					return
				}
				mu.Lock()
				conns = append(conns, tr)
				mu.Unlock()
			}()
		}
	}
	ticker.Stop()
	wg.Wait()
	fmt.Printf("Ramp-up complete: %d/%d connections (%d errors)\n",
		collector.ConnectionCount(), *connections, collector.ErrorCount())

	if !interrupted {
		fmt.Printf("\n--- Hold phase (%s) ---\n", *hold)
		var dropped atomic.Int64
		holdTicker := time.NewTicker(5 * time.Second)
		deadline := time.After(*hold)
	holding:
		for {
			select {
			case <-ctx.Done():
				break holding
			case <-deadline:
				break holding
			case <-holdTicker.C:
				mu.Lock()
				down := int64(0)
				for _, tr := range conns {
					if tr.State() != transport.Connected {
						down++
					}
				}
				mu.Unlock()
				dropped.Store(down)
				fmt.Printf("  [hold] open: %d  dropped: %d\n", int64(collector.ConnectionCount())-down, down)
			}
		}
		holdTicker.Stop()
		fmt.Printf("Hold complete: %d dropped\n", dropped.Load())
	}

	mu.Lock()
	for _, tr := range conns {
		tr.Close()
	}
	mu.Unlock()
	scraper.Stop()
	collector.Report(os.Stdout)
}
