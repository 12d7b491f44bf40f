// Package broadcast delivers room-wide notifications.
package broadcast

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/adityaadpandey/storylocks/internals/lease"
	appmetrics "github.com/adityaadpandey/storylocks/internals/metrics"
	"github.com/adityaadpandey/storylocks/internals/room"
)

type Fanout struct {
	rooms  *room.Registry
	logger *zap.Logger
}

func New(rooms *room.Registry, logger *zap.Logger) *Fanout {
	return &Fanout{rooms: rooms, logger: logger}
}

// Broadcast serializes msg once and sends it to every member of the room at
// call time. Members whose Send fails are removed from the room; the others
// still receive the message. It returns the number of successful deliveries.
func (f *Fanout) Broadcast(key lease.RoomKey, msg any) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("Failed to marshal broadcast", zap.String("room", key.String()), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, o := range f.rooms.Members(key) {
		if err := o.Send(payload); err != nil {
			f.rooms.Leave(key, o)
			appmetrics.RecordDelivery(false)
			f.logger.Debug("Dropped member after failed delivery",
				zap.String("room", key.String()),
				zap.String("clientID", o.ID()),
				zap.Error(err),
			)
			continue
		}
		appmetrics.RecordDelivery(true)
		delivered++
	}
	return delivered
}
