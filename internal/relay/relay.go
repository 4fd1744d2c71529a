package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/dgnsrekt/cdp_observer/internal/types"
)

// Relay publishes admitted envelopes to an SSE Broker. It is registered as a
// session listener.
type Relay struct {
	broker *Broker
}

// NewRelay creates a relay feeding broker.
func NewRelay(broker *Broker) *Relay {
	return &Relay{broker: broker}
}

// OnEnvelope encodes env once and fans it out. Nothing is encoded while no
// client is connected.
func (r *Relay) OnEnvelope(env types.Envelope) {
	if r.broker.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		slog.Debug("relay: encode envelope failed", "target_id", env.TargetID, "error", err)
		return
	}
	r.broker.Publish(Event{TargetID: env.TargetID, Kind: string(env.Kind()), Payload: string(data)})
}
