package realtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"

	"taskdash/internal/redis"
)

// relayChannel is the shared pub/sub channel that fans change events out to
// every server instance, so a session connected to one process still hears
// about mutations committed through another.
const relayChannel = "taskdash:task-events"

type relayMessage struct {
	Instance string `json:"instance"`
	Event    Event  `json:"event"`
}

type relay struct {
	client   *redis.Client
	instance string
	logger   *log.Logger
	cancel   context.CancelFunc
}

// StartRelay attaches a redis-backed relay to the gateway. Locally published
// events are mirrored to the relay channel; events arriving from other
// instances enter the local dispatch queue. An empty instanceID gets a
// random one.
func (g *Gateway) StartRelay(client *redis.Client, instanceID string) error {
	if instanceID == "" {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		instanceID = hex.EncodeToString(buf)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &relay{client: client, instance: instanceID, logger: g.logger, cancel: cancel}

	pubsub := client.Subscribe(ctx, relayChannel)
	if pubsub == nil {
		cancel()
		return nil
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rm relayMessage
				if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
					g.logger.Printf("realtime: relay decode failed: %v", err)
					continue
				}
				if rm.Instance == instanceID {
					// Our own publish already went through the local queue.
					continue
				}
				g.enqueue(rm.Event)
			}
		}
	}()

	g.relayMu.Lock()
	g.relay = r
	g.relayMu.Unlock()
	return nil
}

func (r *relay) publish(ev Event) {
	payload, err := json.Marshal(relayMessage{Instance: r.instance, Event: ev})
	if err != nil {
		r.logger.Printf("realtime: relay marshal failed: %v", err)
		return
	}
	if err := r.client.Publish(context.Background(), relayChannel, payload); err != nil {
		r.logger.Printf("realtime: relay publish failed: %v", err)
	}
}

func (r *relay) stop() {
	r.cancel()
}
