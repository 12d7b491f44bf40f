package lease

import "fmt"

// RoomKey identifies one collaborative surface: a slide of a story within a session.
type RoomKey struct {
	SessionID string
	StoryID   string
	Slide     int
}

func (k RoomKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.SessionID, k.StoryID, k.Slide)
}

// Lock returns the lock key for a character placed in this room.
func (k RoomKey) Lock(charID string) LockKey {
	return LockKey{Room: k, CharID: charID}
}

// LockKey is the unit of exclusivity: one character within a room.
type LockKey struct {
	Room   RoomKey
	CharID string
}

func (k LockKey) String() string {
	return fmt.Sprintf("%s/%s", k.Room, k.CharID)
}
