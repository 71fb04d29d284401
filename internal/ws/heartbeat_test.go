package ws

import (
	"testing"
	"time"
)

func TestPartitionStale(t *testing.T) {
	cfg := HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
	now := time.Now()

	at := func(id string, ago time.Duration) *Connection {
		c := &Connection{ID: id}
		c.lastActive = now.Add(-ago).UnixNano()
		return c
	}
	conns := []*Connection{
		at("fresh", time.Second),
		at("edge", cfg.deadline()),
		at("silent", cfg.deadline()+time.Millisecond),
		at("gone", time.Hour),
	}

	live, stale := partitionStale(conns, now, cfg.deadline())
	if len(live) != 2 || live[0].ID != "fresh" || live[1].ID != "edge" {
		t.Errorf("unexpected live set: %v", ids(live))
	}
	if len(stale) != 2 || stale[0].ID != "silent" || stale[1].ID != "gone" {
		t.Errorf("unexpected stale set: %v", ids(stale))
	}
}

func TestTouchKeepsConnectionLive(t *testing.T) {
	c := &Connection{ID: "c1"}
	if _, stale := partitionStale([]*Connection{c}, time.Now(), time.Minute); len(stale) != 1 {
		t.Fatal("a connection that never sent a frame should be stale")
	}
	c.Touch()
	if live, _ := partitionStale([]*Connection{c}, time.Now(), time.Minute); len(live) != 1 {
		t.Error("expected a touched connection to be live")
	}
}

func ids(conns []*Connection) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID
	}
	return out
}
