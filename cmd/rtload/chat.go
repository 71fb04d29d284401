package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/projecthub/realtime/internal/chat"
	"github.com/projecthub/realtime/internal/client/dataapi"
	"github.com/projecthub/realtime/internal/client/transport"
	"github.com/projecthub/realtime/internal/loadstats"
	"github.com/projecthub/realtime/internal/protocol"
)

// chatCounters are shared by every pair for progress reporting.
type chatCounters struct {
	sent, recv, active, completed, failed atomic.Int64
}

type pairConfig struct {
	server   string
	project  int64
	duration time.Duration
	interval time.Duration
	payload  string
}

// runChat runs pairs of users through connect -> create conversation ->
// join -> exchange messages -> leave. Every message carries its send time so
// the receiving side can measure end-to-end delivery latency.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "Server root URL")
	project := fs.Int64("project", 1, "Project the load users belong to")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	prefix := fs.String("prefix", "load-", "User id prefix")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for starting pairs")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)
	if *pairs <= 0 || *msgSize <= 0 {
		fmt.Fprintln(os.Stderr, "--pairs and --msg-size must be positive")
		os.Exit(2)
	}

	fmt.Printf("Chat test: %d pairs (%d users) on %s project=%d (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, *pairs*2, *server, *project, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	cfg := pairConfig{
		server:   *server,
		project:  *project,
		duration: *chatDuration,
		interval: *msgInterval,
		payload:  strings.Repeat("abcdefgh", *msgSize/8+1)[:*msgSize],
	}

	var counters chatCounters
	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  recv: %d  failed: %d\n",
					counters.active.Load(), counters.completed.Load(), *pairs,
					counters.sent.Load(), counters.recv.Load(), counters.failed.Load())
			case <-progressStop:
				return
			}
		}
	}()

	stagger := *rampUp / time.Duration(*pairs)
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		a, b := userID(*prefix, 2*i), userID(*prefix, 2*i+1)
		delay := time.Duration(i) * stagger

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer counters.completed.Add(1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if err := runPair(ctx, cfg, a, b, collector, &counters); err != nil {
				counters.failed.Add(1)
				collector.AddError()
				fmt.Printf("  [chat] pair %s/%s failed: %v\n", a, b, err)
			}
		}()
	}
	wg.Wait()
	close(progressStop)
	elapsed := time.Since(start)

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs completed:   %d / %d\n", int64(*pairs)-counters.failed.Load(), *pairs)
	fmt.Printf("Total msg sent:    %d\n", counters.sent.Load())
	fmt.Printf("Total msg recv:    %d\n", counters.recv.Load())
	fmt.Printf("Test duration:     %s\n", elapsed.Round(time.Millisecond))
	if sent := counters.sent.Load(); sent > 0 && elapsed > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(sent)/elapsed.Seconds())
	}

	scraper.Stop()
	collector.Report(os.Stdout)
}

// runPair drives one pair through a shared GROUP conversation.
func runPair(ctx context.Context, cfg pairConfig, a, b string, collector *loadstats.Collector, counters *chatCounters) error {
	counters.active.Add(1)
	defer counters.active.Add(-1)

	receiver := func(self string) func(string, interface{}) {
		return func(msgType string, msg interface{}) {
			m, ok := msg.(protocol.MessageMsg)
			if !ok || msgType != protocol.TypeMessageNew || m.SenderID == self {
				return
			}
			counters.recv.Add(1)
			if sentAt, ok := sentTime(m.Content); ok {
				collector.AddDelivery(time.Since(sentAt))
			}
		}
	}

	users := []string{a, b}
	streams := make([]*transport.Transport, len(users))
	apis := make([]*dataapi.Client, len(users))
	for i, u := range users {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		tr, err := connect(connCtx, cfg.server, u, collector, receiver(u))
		cancel()
		if err != nil {
			closeAll(streams)
			return fmt.Errorf("connect %s: %w", u, err)
		}
		streams[i] = tr
		apis[i] = dataapi.New(cfg.server, u)
	}
	defer closeAll(streams)

	conv, _, err := apis[0].CreateConversation(ctx, chat.NewConversation{
		Type:      chat.TypeGroup,
		Name:      "load " + a + "/" + b,
		ProjectID: cfg.project,
		Members:   []string{b},
	})
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	for _, tr := range streams {
		if err := tr.Send(protocol.TypeConversationJoin, protocol.ConversationRoomMsg{ConversationID: conv.ID}); err != nil {
			return fmt.Errorf("join conversation %d: %w", conv.ID, err)
		}
	}
	// Let both joins land before the first send.
	time.Sleep(250 * time.Millisecond)

	chatCtx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := range users {
		api := apis[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.interval)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
					start := time.Now()
					content := strconv.FormatInt(start.UnixNano(), 10) + " " + cfg.payload
					if _, err := api.SendMessage(chatCtx, conv.ID, content); err != nil {
						if chatCtx.Err() == nil {
							collector.AddError()
						}
						continue
					}
					collector.AddSend(time.Since(start))
					counters.sent.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	for _, tr := range streams {
		_ = tr.Send(protocol.TypeConversationLeave, protocol.ConversationRoomMsg{ConversationID: conv.ID})
	}
	return nil
}

// sentTime reads the send timestamp prefix of a load message.
func sentTime(content string) (time.Time, bool) {
	head, _, ok := strings.Cut(content, " ")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func closeAll(streams []*transport.Transport) {
	for _, tr := range streams {
		if tr != nil {
			tr.Close()
		}
	}
}
