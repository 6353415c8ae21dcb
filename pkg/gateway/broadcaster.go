package gateway

import (
	"sync/atomic"
	"time"

	"github.com/harun/tether/pkg/runtime"
	"github.com/rs/zerolog"
)

// EventBroadcaster stamps outgoing frames with a gateway-wide sequence
// number. It pumps each client's sink and fans server events out to
// every authenticated client.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := b.frame(event, "", data)
	sent, failed := 0, 0
	for _, client := range b.clients.GetAuthenticatedClients() {
		if client.State() == StateDisconnected {
			continue
		}
		if err := client.WriteJSON(msg); err != nil {
			failed++
			b.logger.Warn().Err(err).Str("client_id", client.ID).Str("event", event).Msg("Failed to broadcast to client")
			continue
		}
		sent++
	}
	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("success", sent).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// Pump forwards the client's runtime events until its sink is closed.
// Events drained after the client disconnected are discarded.
func (b *EventBroadcaster) Pump(client *Client) {
	for evt := range client.sink.Events() {
		if client.State() == StateDisconnected {
			continue
		}
		if err := client.WriteJSON(b.runtimeFrame(evt)); err != nil {
			b.logger.Debug().Err(err).Str("client_id", client.ID).Str("event", evt.Name).Msg("Failed to forward event")
		}
	}
}

func (b *EventBroadcaster) runtimeFrame(evt runtime.Event) EventMessage {
	msg := b.frame(evt.Name, evt.SessionID, evt.Data)
	if !evt.Time.IsZero() {
		msg.Timestamp = evt.Time.UnixMilli()
	}
	return msg
}

func (b *EventBroadcaster) frame(event, sessionID string, data interface{}) EventMessage {
	return EventMessage{
		Type:      "event",
		Event:     event,
		SessionID: sessionID,
		Seq:       b.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}
