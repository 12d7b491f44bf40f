package lease

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	room = RoomKey{SessionID: "abc123", StoryID: "three-pigs", Slide: 2}
	ogre = room.Lock("ogre")
)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func TestNewStoreDefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, NewStore(0).TTL())
	assert.Equal(t, 5*time.Second, NewStore(5*time.Second).TTL())
}

func TestTryClaim(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Store)
		owner Owner
		now   time.Time
		want  bool
	}{
		{
			name:  "free key",
			owner: "dev-a",
			now:   at(0),
			want:  true,
		},
		{
			name:  "live lease held by another owner",
			setup: func(s *Store) { s.TryClaim(ogre, "dev-a", at(0)) },
			owner: "dev-b",
			now:   at(5),
			want:  false,
		},
		{
			name:  "live lease held by the same owner",
			setup: func(s *Store) { s.TryClaim(ogre, "dev-a", at(0)) },
			owner: "dev-a",
			now:   at(5),
			want:  false,
		},
		{
			name:  "lease expiring exactly now",
			setup: func(s *Store) { s.TryClaim(ogre, "dev-a", at(0)) },
			owner: "dev-b",
			now:   at(20),
			want:  true,
		},
		{
			name:  "expired lease reclaimed by previous owner",
			setup: func(s *Store) { s.TryClaim(ogre, "dev-a", at(0)) },
			owner: "dev-a",
			now:   at(21),
			want:  true,
		},
		{
			name:  "empty owner",
			owner: "",
			now:   at(0),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(20 * time.Second)
			if tt.setup != nil {
				tt.setup(s)
			}
			assert.Equal(t, tt.want, s.TryClaim(ogre, tt.owner, tt.now))

			if tt.want {
				l, ok := s.Get(ogre, tt.now)
				require.True(t, ok)
				assert.Equal(t, tt.owner, l.Owner)
				assert.Equal(t, tt.now.Add(20*time.Second), l.ExpiresAt)
			}
		})
	}
}

func TestTryClaimRejectedLeavesStateUntouched(t *testing.T) {
	s := NewStore(20 * time.Second)
	require.True(t, s.TryClaim(ogre, "dev-a", at(0)))
	require.False(t, s.TryClaim(ogre, "dev-b", at(10)))

	l, ok := s.Get(ogre, at(10))
	require.True(t, ok)
	assert.Equal(t, Owner("dev-a"), l.Owner)
	assert.Equal(t, at(20), l.ExpiresAt)
}

func TestRenew(t *testing.T) {
	s := NewStore(20 * time.Second)
	require.True(t, s.TryClaim(ogre, "dev-a", at(0)))

	assert.False(t, s.Renew(ogre, "dev-b", at(5)), "foreign owner")
	assert.False(t, s.Renew(room.Lock("goblin"), "dev-a", at(5)), "no lease")

	require.True(t, s.Renew(ogre, "dev-a", at(15)))
	l, _ := s.Get(ogre, at(15))
	assert.Equal(t, at(35), l.ExpiresAt)

	// Still live at 34 thanks to the heartbeat, gone at 35.
	_, ok := s.Get(ogre, at(34))
	assert.True(t, ok)
	assert.False(t, s.Renew(ogre, "dev-a", at(35)), "expired lease")
}

func TestRenewNeverShortensExpiry(t *testing.T) {
	s := NewStore(20 * time.Second)
	require.True(t, s.TryClaim(ogre, "dev-a", at(10)))

	// A heartbeat stamped earlier than the claim must not pull expiry back.
	require.True(t, s.Renew(ogre, "dev-a", at(5)))
	l, _ := s.Get(ogre, at(5))
	assert.Equal(t, at(30), l.ExpiresAt)
}

func TestRelease(t *testing.T) {
	s := NewStore(20 * time.Second)
	require.True(t, s.TryClaim(ogre, "dev-a", at(0)))

	assert.False(t, s.Release(ogre, "dev-b", at(5)), "foreign owner")
	assert.True(t, s.Release(ogre, "dev-a", at(10)))
	assert.False(t, s.Release(ogre, "dev-a", at(10)), "second release is a no-op")
	assert.Equal(t, 0, s.Len())

	assert.True(t, s.TryClaim(ogre, "dev-b", at(11)))
}

func TestReleaseExpiredIsIgnored(t *testing.T) {
	s := NewStore(20 * time.Second)
	require.True(t, s.TryClaim(ogre, "dev-a", at(0)))
	assert.False(t, s.Release(ogre, "dev-a", at(25)))
}

func TestSnapshotLive(t *testing.T) {
	s := NewStore(20 * time.Second)
	other := RoomKey{SessionID: "abc123", StoryID: "three-pigs", Slide: 3}

	require.True(t, s.TryClaim(room.Lock("wolf"), "dev-b", at(10)))
	require.True(t, s.TryClaim(room.Lock("goblin"), "dev-a", at(0)))
	require.True(t, s.TryClaim(ogre, "dev-a", at(5)))
	require.True(t, s.TryClaim(other.Lock("ogre"), "dev-c", at(0)))

	got, evicted := s.SnapshotLive(room, at(22))
	assert.Equal(t, 1, evicted, "goblin expired at 20")
	assert.Equal(t, []Entry{
		{CharID: "ogre", Owner: "dev-a"},
		{CharID: "wolf", Owner: "dev-b"},
	}, got)

	// The expired entry is gone from the table, the other room is untouched.
	assert.Equal(t, 3, s.Len())
	_, ok := s.Get(other.Lock("ogre"), at(19))
	assert.True(t, ok)
}

func TestSnapshotLiveEmptyRoom(t *testing.T) {
	s := NewStore(20 * time.Second)
	got, evicted := s.SnapshotLive(room, at(0))
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, evicted)
}

func TestEvictExpired(t *testing.T) {
	s := NewStore(20 * time.Second)
	other := RoomKey{SessionID: "zz", StoryID: "x", Slide: 0}

	require.True(t, s.TryClaim(ogre, "dev-a", at(0)))
	require.True(t, s.TryClaim(other.Lock("cat"), "dev-b", at(0)))
	require.True(t, s.TryClaim(room.Lock("wolf"), "dev-b", at(10)))

	evicted := s.EvictExpired(at(20))
	assert.ElementsMatch(t, []LockKey{ogre, other.Lock("cat")}, evicted)
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.EvictExpired(at(20)))
}

func TestConcurrentClaimsYieldOneWinner(t *testing.T) {
	s := NewStore(20 * time.Second)

	const contenders = 64
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if s.TryClaim(ogre, Owner(string(rune('a'+i%26))+"-dev"), at(0)) {
				winners.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
