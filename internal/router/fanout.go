package router

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/projecthub/realtime/internal/chat"
	"github.com/projecthub/realtime/internal/messaging"
	"github.com/projecthub/realtime/internal/metrics"
	"github.com/projecthub/realtime/internal/room"
)

// Sender writes an encoded server event to one local connection.
// ws.Server implements it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Fanout delivers room events to every joined connection. Without NATS the
// delivery is process-local; with NATS, events are published on the room
// subject and each instance delivers to its own members when the event comes
// back on its subscription.
type Fanout struct {
	rooms  *room.Registry
	sender Sender
	nats   *messaging.NATSClient

	mu         sync.Mutex
	subscribed map[room.Key]bool
}

// NewFanout creates a Fanout. nc may be nil.
func NewFanout(rooms *room.Registry, sender Sender, nc *messaging.NATSClient) *Fanout {
	return &Fanout{
		rooms:      rooms,
		sender:     sender,
		nats:       nc,
		subscribed: make(map[room.Key]bool),
	}
}

// Publish sends data to every connection joined to key except the
// connection with id except (empty for none).
func (f *Fanout) Publish(key room.Key, except string, data []byte) error {
	if f.nats == nil {
		f.deliver(key, except, data)
		return nil
	}

	payload, err := json.Marshal(chat.RoomEvent{
		Kind:   key.Kind,
		RoomID: key.ID,
		Except: except,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("router: encode room event: %w", err)
	}
	if err := f.nats.Publish(key.Subject(), payload); err != nil {
		return fmt.Errorf("router: publish %s: %w", key, err)
	}
	return nil
}

// Sync opens or closes the NATS subscription for key so that it exists
// exactly while the room has local members.
func (f *Fanout) Sync(key room.Key) {
	metrics.JoinedRooms.Set(float64(f.rooms.Count()))
	if f.nats == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	want := len(f.rooms.Members(key)) > 0
	if want == f.subscribed[key] {
		return
	}

	subject := key.Subject()
	if want {
		if err := f.nats.Subscribe(subject, f.onRoomEvent); err != nil {
			log.Printf("[fanout] subscribe room=%s failed: %v", key, err)
			return
		}
		if err := f.nats.Flush(); err != nil {
			log.Printf("[fanout] flush after subscribe room=%s: %v", key, err)
		}
		f.subscribed[key] = true
		return
	}

	if err := f.nats.Unsubscribe(subject); err != nil {
		log.Printf("[fanout] unsubscribe room=%s failed: %v", key, err)
	}
	delete(f.subscribed, key)
}

func (f *Fanout) onRoomEvent(payload []byte) {
	var ev chat.RoomEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("[fanout] bad room event: %v", err)
		return
	}
	f.deliver(room.Key{Kind: ev.Kind, ID: ev.RoomID}, ev.Except, ev.Data)
}

func (f *Fanout) deliver(key room.Key, except string, data []byte) {
	for _, connID := range f.rooms.Members(key) {
		if connID == except {
			continue
		}
		if err := f.sender.SendMessage(connID, data); err != nil {
			log.Printf("[fanout] deliver room=%s conn=%s failed: %v", key, connID, err)
			continue
		}
		metrics.FanoutDeliveries.Inc()
	}
}
