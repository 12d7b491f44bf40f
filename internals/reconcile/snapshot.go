// Package reconcile builds the room state a client needs to resync after
// joining: every live lease, flagged with whether the client owns it.
package reconcile

import (
	"time"

	"github.com/adityaadpandey/storylocks/internals/lease"
	appmetrics "github.com/adityaadpandey/storylocks/internals/metrics"
)

// LockView is one locked character as presented to a specific viewer.
// Characters that are not locked are omitted from a snapshot entirely.
type LockView struct {
	CharID string `json:"charId"`
	Locked bool   `json:"locked"`
	IsSelf bool   `json:"isSelf"`
}

// BuildSnapshot lists the live leases of a room for the given viewer.
// Expired leases found during the scan are evicted from the store.
func BuildSnapshot(store *lease.Store, room lease.RoomKey, viewer lease.Owner, now time.Time) []LockView {
	entries, evicted := store.SnapshotLive(room, now)
	if evicted > 0 {
		appmetrics.RecordExpired("lazy", evicted)
	}

	views := make([]LockView, 0, len(entries))
	for _, e := range entries {
		views = append(views, LockView{
			CharID: e.CharID,
			Locked: true,
			IsSelf: viewer != "" && e.Owner == viewer,
		})
	}
	appmetrics.SnapshotSize.Observe(float64(len(views)))
	return views
}
