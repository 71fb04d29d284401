package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/projecthub/realtime/internal/api"
	"github.com/projecthub/realtime/internal/directory"
	"github.com/projecthub/realtime/internal/messaging"
	"github.com/projecthub/realtime/internal/metrics"
	"github.com/projecthub/realtime/internal/ratelimit"
	"github.com/projecthub/realtime/internal/room"
	"github.com/projecthub/realtime/internal/router"
	"github.com/projecthub/realtime/internal/session"
	"github.com/projecthub/realtime/internal/store"
	"github.com/projecthub/realtime/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	routerConfig := router.DefaultConfig()
	if v := os.Getenv("LANE_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			routerConfig.LaneIdleTimeout = d
		}
	}
	if v := os.Getenv("MESSAGE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= store.MaxPageSize {
			routerConfig.PageSize = n
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "rt-1"
	}

	natsURL := os.Getenv("NATS_URL")
	redisAddr := os.Getenv("REDIS_ADDR")
	databaseURL := os.Getenv("DATABASE_URL")
	devAuth := os.Getenv("DEV_AUTH") == "1"
	runMigrations := os.Getenv("RUN_MIGRATIONS") == "1"
	seed, err := parseSeed(os.Getenv("SEED_PROJECTS"))
	if err != nil {
		log.Fatalf("invalid SEED_PROJECTS: %v", err)
	}

	log.Printf("Realtime server starting")
	log.Printf("  listen_addr:       %s", config.ListenAddr)
	log.Printf("  worker_pool:       %d", config.WorkerPoolSize)
	log.Printf("  max_connections:   %d", config.MaxConnections)
	log.Printf("  read_timeout:      %s", config.ReadTimeout)
	log.Printf("  write_timeout:     %s", config.WriteTimeout)
	log.Printf("  lane_idle_timeout: %s", routerConfig.LaneIdleTimeout)
	log.Printf("  message_page_size: %d", routerConfig.PageSize)
	log.Printf("  nats_url:          %s", orNone(natsURL))
	log.Printf("  redis_addr:        %s", orNone(redisAddr))
	log.Printf("  database:          %s", storageName(databaseURL))
	log.Printf("  run_migrations:    %v", runMigrations)
	log.Printf("  dev_auth:          %v", devAuth)
	log.Printf("  seeded_projects:   %d", len(seed))
	log.Printf("  server_name:       %s", serverName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	var (
		st store.Store
		pg *store.Postgres
	)
	if databaseURL != "" {
		pg, err = store.OpenPostgres(ctx, databaseURL)
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		if runMigrations {
			if err := store.Migrate(pg.DB()); err != nil {
				log.Fatalf("failed to run migrations: %v", err)
			}
			log.Printf("migrations applied")
		}
		st = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}
	for projectID, members := range seed {
		if err := seedProject(ctx, st, projectID, members); err != nil {
			log.Fatalf("failed to seed project %d: %v", projectID, err)
		}
		log.Printf("seeded project=%d members=%d", projectID, len(members))
	}

	// --- Redis: identity, connection records, rate limits ---
	var (
		auth         ws.Authenticator
		sessionStore *session.Store
		limiter      *ratelimit.Limiter
	)
	switch {
	case redisAddr != "":
		var err error
		sessionStore, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		auth = sessionStore
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	case devAuth:
		log.Printf("DEV_AUTH=1: bearer tokens are accepted as user ids")
		auth = session.StaticAuthenticator{}
	default:
		log.Fatalf("REDIS_ADDR is required unless DEV_AUTH=1")
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "realtime-" + serverName
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, auth, sessionStore, dispatcher.Dispatch)

	rooms := room.NewRegistry()
	rt := router.New(routerConfig, st, directory.New(st, time.Minute), rooms, router.NewFanout(rooms, server, natsClient))
	if limiter != nil {
		rt.WithLimiter(limiter)
	}
	if sessionStore != nil {
		rt.WithRoomRecorder(sessionStore)
	}
	rt.Register(dispatcher)
	server.SetOnDisconnect(rt.OnDisconnect)

	server.Router().Handle("/metrics", metrics.Handler())
	api.New(rt, auth).Mount(server.Router())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}

	if natsClient != nil {
		natsClient.Close()
	}
	if sessionStore != nil {
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
	}
	if pg != nil {
		if err := pg.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}
	log.Printf("server stopped")
}

// parseSeed reads "1=alice,bob;2=carol" into project memberships.
func parseSeed(v string) (map[int64][]string, error) {
	out := make(map[int64][]string)
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, list, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("missing '=' in %q", part)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid project id %q", idStr)
		}
		for _, m := range strings.Split(list, ",") {
			if m = strings.TrimSpace(m); m != "" {
				out[id] = append(out[id], m)
			}
		}
	}
	return out, nil
}

func seedProject(ctx context.Context, st store.Store, projectID int64, members []string) error {
	switch s := st.(type) {
	case *store.Memory:
		s.SetProjectMembers(projectID, members...)
		return nil
	case *store.Postgres:
		return s.SetProjectMembers(ctx, projectID, members...)
	}
	return fmt.Errorf("store %T cannot be seeded", st)
}

func orNone(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

func storageName(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "postgres"
}
