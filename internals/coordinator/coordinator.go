// Package coordinator runs the lock protocol for each connected client:
// identification, claims, releases and heartbeats against the shared lease
// store, with room notifications through the broadcast fan-out.
package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adityaadpandey/storylocks/internals/broadcast"
	"github.com/adityaadpandey/storylocks/internals/lease"
	appmetrics "github.com/adityaadpandey/storylocks/internals/metrics"
	"github.com/adityaadpandey/storylocks/internals/reconcile"
	"github.com/adityaadpandey/storylocks/internals/room"
	"github.com/adityaadpandey/storylocks/internals/signaling"
)

const DefaultMaxIDLength = 128

type Coordinator struct {
	leases *lease.Store
	rooms  *room.Registry
	fanout *broadcast.Fanout
	logger *zap.Logger

	// notifyMu orders lease changes with the frames that announce them, so
	// every observer sees status updates for a key in store order.
	notifyMu sync.Mutex

	now       func() time.Time
	rateLimit rate.Limit
	rateBurst int
	maxIDLen  int
}

type Option func(*Coordinator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithRateLimit caps inbound frames per connection. A non-positive rate
// disables limiting.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Coordinator) {
		if perSec <= 0 {
			c.rateLimit = rate.Inf
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.rateLimit = rate.Limit(perSec)
		c.rateBurst = burst
	}
}

func WithMaxIDLength(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxIDLen = n
		}
	}
}

func New(leases *lease.Store, rooms *room.Registry, fanout *broadcast.Fanout, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		leases:    leases,
		rooms:     rooms,
		fanout:    fanout,
		logger:    logger,
		now:       time.Now,
		rateLimit: rate.Inf,
		maxIDLen:  DefaultMaxIDLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach joins the observer to its room and returns the connection state
// that handles its frames. Callers must Detach when the transport ends.
func (c *Coordinator) Attach(key lease.RoomKey, obs room.Observer) *Conn {
	c.rooms.Join(key, obs)
	appmetrics.RoomsActive.Set(float64(c.rooms.Rooms()))

	conn := &Conn{
		coord:  c,
		room:   key,
		obs:    obs,
		logger: c.logger.With(zap.String("clientID", obs.ID()), zap.String("room", key.String())),
	}
	if c.rateLimit != rate.Inf {
		conn.limiter = rate.NewLimiter(c.rateLimit, c.rateBurst)
	}
	return conn
}

// RunSweeper evicts expired leases every interval and tells each affected
// room the character is free again. It returns when ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep runs one eviction pass and returns the number of leases removed.
func (c *Coordinator) Sweep() int {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	expired := c.leases.EvictExpired(c.now())
	if len(expired) == 0 {
		return 0
	}
	appmetrics.RecordExpired("sweep", len(expired))
	for _, key := range expired {
		c.logger.Debug("Lease expired",
			zap.String("room", key.Room.String()),
			zap.String("charId", key.CharID),
		)
		c.fanout.Broadcast(key.Room, signaling.NewStatus(key.CharID, false))
	}
	return len(expired)
}

// Conn is the protocol state of one connection. Handle is not safe for
// concurrent use; each connection feeds it from its own read loop.
type Conn struct {
	coord   *Coordinator
	room    lease.RoomKey
	obs     room.Observer
	logger  *zap.Logger
	limiter *rate.Limiter

	deviceToken lease.Owner
	detachOnce  sync.Once
}

// DeviceToken returns the identity bound by hello, or "" before it.
func (c *Conn) DeviceToken() lease.Owner {
	return c.deviceToken
}

// Detach removes the connection from its room. Leases it holds are kept
// until they expire or are released. Safe to call more than once.
func (c *Conn) Detach() {
	c.detachOnce.Do(func() {
		c.coord.rooms.Leave(c.room, c.obs)
		appmetrics.RoomsActive.Set(float64(c.coord.rooms.Rooms()))
	})
}

// Handle processes one inbound frame. Frames that cannot be acted on are
// dropped without a reply.
func (c *Conn) Handle(frame []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		appmetrics.RecordDropped("ratelimited")
		return
	}

	msg, err := signaling.ParseInbound(frame)
	if err != nil {
		appmetrics.RecordDropped("malformed")
		c.logger.Debug("Ignoring malformed frame", zap.Error(err))
		return
	}

	switch msg.Type {
	case signaling.MessageTypeHello:
		appmetrics.RecordMessage(string(msg.Type))
		c.handleHello(msg)
	case signaling.MessageTypeClaim:
		appmetrics.RecordMessage(string(msg.Type))
		c.handleClaim(msg)
	case signaling.MessageTypeRelease:
		appmetrics.RecordMessage(string(msg.Type))
		c.handleRelease(msg)
	case signaling.MessageTypeHeartbeat:
		appmetrics.RecordMessage(string(msg.Type))
		c.handleHeartbeat(msg)
	default:
		appmetrics.RecordDropped("unknown")
	}
}

// handleHello binds the device token and replies with the room snapshot.
// A hello without a token still gets the snapshot but leaves the
// connection unidentified.
func (c *Conn) handleHello(msg signaling.Inbound) {
	c.deviceToken = lease.Owner(msg.DeviceToken)

	c.coord.notifyMu.Lock()
	defer c.coord.notifyMu.Unlock()

	locks := reconcile.BuildSnapshot(c.coord.leases, c.room, c.deviceToken, c.coord.now())
	c.reply(signaling.NewSnapshot(locks))
	c.logger.Debug("Sent snapshot",
		zap.Bool("identified", c.deviceToken != ""),
		zap.Int("locks", len(locks)),
	)
}

func (c *Conn) handleClaim(msg signaling.Inbound) {
	charID, ok := c.charID(msg)
	if !ok {
		return
	}

	if c.deviceToken == "" {
		appmetrics.RecordDropped("unidentified")
		appmetrics.RecordClaim(false)
		c.reply(signaling.NewClaimResult(charID, false))
		return
	}

	c.coord.notifyMu.Lock()
	defer c.coord.notifyMu.Unlock()

	granted := c.coord.leases.TryClaim(c.room.Lock(charID), c.deviceToken, c.coord.now())
	appmetrics.RecordClaim(granted)
	c.reply(signaling.NewClaimResult(charID, granted))
	if !granted {
		c.logger.Debug("Claim rejected", zap.String("charId", charID))
		return
	}

	c.logger.Debug("Claim accepted", zap.String("charId", charID))
	c.coord.fanout.Broadcast(c.room, signaling.NewStatus(charID, true))
}

func (c *Conn) handleRelease(msg signaling.Inbound) {
	charID, ok := c.charID(msg)
	if !ok {
		return
	}
	if c.deviceToken == "" {
		appmetrics.RecordDropped("unidentified")
		return
	}

	c.coord.notifyMu.Lock()
	defer c.coord.notifyMu.Unlock()

	released := c.coord.leases.Release(c.room.Lock(charID), c.deviceToken, c.coord.now())
	appmetrics.RecordRelease(released)
	if !released {
		return
	}

	c.logger.Debug("Lease released", zap.String("charId", charID))
	c.coord.fanout.Broadcast(c.room, signaling.NewStatus(charID, false))
}

func (c *Conn) handleHeartbeat(msg signaling.Inbound) {
	charID, ok := c.charID(msg)
	if !ok {
		return
	}
	if c.deviceToken == "" {
		appmetrics.RecordDropped("unidentified")
		return
	}

	appmetrics.RecordHeartbeat(c.coord.leases.Renew(c.room.Lock(charID), c.deviceToken, c.coord.now()))
}

// charID returns the trimmed character id, or false if the frame should be
// dropped.
func (c *Conn) charID(msg signaling.Inbound) (string, bool) {
	id := strings.TrimSpace(msg.CharID)
	if id == "" || len(id) > c.coord.maxIDLen {
		appmetrics.RecordDropped("malformed")
		return "", false
	}
	return id, true
}

func (c *Conn) reply(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	if err := c.obs.Send(payload); err != nil {
		appmetrics.RecordDelivery(false)
		c.coord.rooms.Leave(c.room, c.obs)
		c.logger.Debug("Reply not delivered", zap.Error(err))
		return
	}
	appmetrics.RecordDelivery(true)
}
