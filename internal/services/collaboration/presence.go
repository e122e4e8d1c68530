package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"codepair/internal/models"

	"github.com/redis/go-redis/v9"
)

/*
LEARNING: CROSS-NODE FAN-OUT WITH REDIS PUB/SUB

A single hub only reaches sockets connected to this process. With more
than one server node, participants of the same session can land on
different nodes, so every event is also published to a Redis channel
and each node relays foreign messages into its local rooms.

Awareness states are mirrored into a Redis hash with a TTL, so a node
can answer "who is here" even for participants connected elsewhere.
*/

const (
	presenceChannel = "codepair:events"
	awarenessTTL    = 2 * time.Minute
)

// relayEnvelope wraps a published frame with its origin node so a node
// can ignore its own publications.
type relayEnvelope struct {
	Node      string          `json:"node"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
}

// PresenceStore mirrors awareness state into Redis and fans events out
// across server nodes.
type PresenceStore struct {
	client *redis.Client
	nodeID string
}

// NewPresenceStore connects the store to Redis. The node id
// distinguishes this process from its peers.
func NewPresenceStore(client *redis.Client, nodeID string) *PresenceStore {
	return &PresenceStore{client: client, nodeID: nodeID}
}

func awarenessKey(sessionID string) string {
	return fmt.Sprintf("codepair:awareness:%s", sessionID)
}

// SetAwareness mirrors one client's presence state.
func (ps *PresenceStore) SetAwareness(ctx context.Context, sessionID string, state *models.AwarenessState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}

	key := awarenessKey(sessionID)
	if err := ps.client.HSet(ctx, key, state.ClientID, data).Err(); err != nil {
		log.Printf("⚠️  Failed to mirror awareness: %v", err)
		return
	}
	ps.client.Expire(ctx, key, awarenessTTL)
}

// Awareness reads every mirrored presence state for a session.
func (ps *PresenceStore) Awareness(ctx context.Context, sessionID string) (map[string]*models.AwarenessState, error) {
	raw, err := ps.client.HGetAll(ctx, awarenessKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read awareness: %w", err)
	}

	out := make(map[string]*models.AwarenessState, len(raw))
	for clientID, data := range raw {
		var state models.AwarenessState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			continue
		}
		out[clientID] = &state
	}
	return out, nil
}

// Publish sends a frame to every node, including this one; Relay
// filters our own out.
func (ps *PresenceStore) Publish(sessionID string, message []byte) {
	env := relayEnvelope{Node: ps.nodeID, SessionID: sessionID, Message: message}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	if err := ps.client.Publish(context.Background(), presenceChannel, data).Err(); err != nil {
		log.Printf("⚠️  Failed to publish to Redis: %v", err)
	}
}

// Relay subscribes to the shared channel and forwards frames published
// by other nodes into this hub's local rooms. Runs until the pub/sub
// connection closes.
func (ps *PresenceStore) Relay(hub *Hub) {
	pubsub := ps.client.Subscribe(context.Background(), presenceChannel)
	defer pubsub.Close()

	log.Println("✓ Redis relay subscribed")

	for msg := range pubsub.Channel() {
		var env relayEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		if env.Node == ps.nodeID {
			continue
		}
		hub.Broadcast(env.SessionID, env.Message, nil)
	}
}
