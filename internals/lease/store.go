package lease

import (
	"sort"
	"sync"
	"time"
)

// DefaultTTL is the lease lifetime used when none is configured.
const DefaultTTL = 20 * time.Second

// Owner is the opaque device identity that holds a lease.
type Owner string

// Lease is a time-bounded exclusive ownership record for one lock key.
type Lease struct {
	Owner     Owner
	ExpiresAt time.Time
}

// Live reports whether the lease is still in force at now.
func (l Lease) Live(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// Entry is one live lease as seen by a room scan.
type Entry struct {
	CharID string
	Owner  Owner
}

// Store is the authoritative table of leases. All methods are safe for
// concurrent use; a single mutex covers the whole table so that the
// check-and-set in TryClaim is atomic.
type Store struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[RoomKey]map[string]Lease // room -> charID -> lease
	count  int
}

// NewStore creates an empty store. A non-positive ttl falls back to DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:    ttl,
		leases: make(map[RoomKey]map[string]Lease),
	}
}

// TTL returns the lease lifetime granted by claims and renewals.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// TryClaim installs a lease for owner if no live lease exists for key.
// An expired lease is replaced. An empty owner is never granted a lease.
func (s *Store) TryClaim(key LockKey, owner Owner, now time.Time) bool {
	if owner == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.getLocked(key); ok && cur.Live(now) {
		return false
	}
	s.putLocked(key, Lease{Owner: owner, ExpiresAt: now.Add(s.ttl)})
	return true
}

// Renew extends a live lease held by owner to now+TTL. Leases held by
// someone else, expired leases and missing leases are left alone.
func (s *Store) Renew(key LockKey, owner Owner, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.getLocked(key)
	if !ok || !cur.Live(now) || cur.Owner != owner {
		return false
	}
	// Expiry never moves backwards, even if now does.
	if next := now.Add(s.ttl); next.After(cur.ExpiresAt) {
		cur.ExpiresAt = next
	}
	s.leases[key.Room][key.CharID] = cur
	return true
}

// Release removes a live lease held by owner.
func (s *Store) Release(key LockKey, owner Owner, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.getLocked(key)
	if !ok || !cur.Live(now) || cur.Owner != owner {
		return false
	}
	s.deleteLocked(key)
	return true
}

// Get returns the live lease for key, if any. It does not evict.
func (s *Store) Get(key LockKey, now time.Time) (Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.getLocked(key)
	if !ok || !cur.Live(now) {
		return Lease{}, false
	}
	return cur, true
}

// SnapshotLive lists the live leases of a room sorted by character ID and
// evicts every expired lease it passes over. The second return value is the
// number of evicted leases.
func (s *Store) SnapshotLive(room RoomKey, now time.Time) ([]Entry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chars := s.leases[room]
	out := make([]Entry, 0, len(chars))
	evicted := 0
	for charID, l := range chars {
		if !l.Live(now) {
			delete(chars, charID)
			s.count--
			evicted++
			continue
		}
		out = append(out, Entry{CharID: charID, Owner: l.Owner})
	}
	if len(chars) == 0 {
		delete(s.leases, room)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CharID < out[j].CharID })
	return out, evicted
}

// EvictExpired removes every expired lease in the store and returns their keys.
func (s *Store) EvictExpired(now time.Time) []LockKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LockKey
	for room, chars := range s.leases {
		for charID, l := range chars {
			if l.Live(now) {
				continue
			}
			delete(chars, charID)
			s.count--
			out = append(out, room.Lock(charID))
		}
		if len(chars) == 0 {
			delete(s.leases, room)
		}
	}
	return out
}

// Len returns the number of stored leases, including expired ones not yet evicted.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Store) getLocked(key LockKey) (Lease, bool) {
	chars, ok := s.leases[key.Room]
	if !ok {
		return Lease{}, false
	}
	l, ok := chars[key.CharID]
	return l, ok
}

func (s *Store) putLocked(key LockKey, l Lease) {
	chars, ok := s.leases[key.Room]
	if !ok {
		chars = make(map[string]Lease)
		s.leases[key.Room] = chars
	}
	if _, exists := chars[key.CharID]; !exists {
		s.count++
	}
	chars[key.CharID] = l
}

func (s *Store) deleteLocked(key LockKey) {
	chars, ok := s.leases[key.Room]
	if !ok {
		return
	}
	if _, exists := chars[key.CharID]; exists {
		delete(chars, key.CharID)
		s.count--
	}
	if len(chars) == 0 {
		delete(s.leases, key.Room)
	}
}
