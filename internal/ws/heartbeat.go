package ws

import (
	"context"
	"log"
	"time"

	"github.com/gobwas/ws"

	"github.com/projecthub/realtime/internal/metrics"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed ping before eviction (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// deadline is how long a connection may stay silent before it is evicted.
func (c HeartbeatConfig) deadline() time.Duration {
	return c.Interval + c.Timeout
}

// runHeartbeat sweeps connections every Interval until the server stops.
func (s *Server) runHeartbeat(cfg HeartbeatConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(cfg, now)
		}
	}
}

// sweep evicts silent connections, which drops their room memberships
// through the disconnect hook, and pings the rest.
func (s *Server) sweep(cfg HeartbeatConfig, now time.Time) {
	live, stale := partitionStale(s.Connections().All(), now, cfg.deadline())

	for _, c := range stale {
		log.Printf("ws: heartbeat timeout conn=%s user=%s last_activity=%s ago",
			c.ID, c.UserID, now.Sub(c.LastActive()).Round(time.Second))
		metrics.HeartbeatEvictions.Inc()
		s.RemoveConnection(c)
	}

	for _, c := range live {
		if s.sessionStore != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.sessionStore.RefreshTTL(ctx, c.ID); err != nil {
				log.Printf("ws: heartbeat refresh failed conn=%s: %v", c.ID, err)
			}
			cancel()
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s user=%s: %v", c.ID, c.UserID, err)
			metrics.HeartbeatEvictions.Inc()
			s.RemoveConnection(c)
		}
	}
}

// partitionStale splits conns by whether they were active within deadline
// of now.
func partitionStale(conns []*Connection, now time.Time, deadline time.Duration) (live, stale []*Connection) {
	for _, c := range conns {
		if now.Sub(c.LastActive()) > deadline {
			stale = append(stale, c)
			continue
		}
		live = append(live, c)
	}
	return live, stale
}

// WritePing sends a protocol-level ping frame, serialized with application
// writes by the connection's write mutex.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
