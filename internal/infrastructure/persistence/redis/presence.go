package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PRESENCE EVENTS (for Pub/Sub)
// ══════════════════════════════════════════════════════════════════════════════

// PresenceEventType defines the kind of presence change.
type PresenceEventType string

const (
	// EventEntered is emitted when a member enters the area.
	EventEntered PresenceEventType = "entered"

	// EventExited is emitted when a member leaves the area.
	EventExited PresenceEventType = "exited"
)

// PresenceEvent is published whenever the roster changes.
type PresenceEvent struct {
	Type      PresenceEventType `json:"type"`
	Area      string            `json:"area"`
	MemberID  string            `json:"member_id"`
	Timestamp time.Time         `json:"timestamp"`
}

// ══════════════════════════════════════════════════════════════════════════════
// PRESENCE ROSTER
// ══════════════════════════════════════════════════════════════════════════════

// PresenceRoster tracks who is in one attendance area.
//
// Redis data structures used:
//   - A sorted set "presence:{area}" maps member ID to entry time (unix ms)
//   - Pub/Sub channel "presence:{area}:events" broadcasts changes
//
// The gateway glue marks members present and absent as platform events
// arrive; the session store reads it as its guild.Roster.
type PresenceRoster struct {
	cache *Cache
	area  string
	now   func() time.Time
}

// NewPresenceRoster creates a roster for area.
func NewPresenceRoster(cache *Cache, area string) *PresenceRoster {
	return &PresenceRoster{cache: cache, area: area, now: time.Now}
}

func (r *PresenceRoster) setKey() string {
	return r.cache.Key("presence:" + r.area)
}

func (r *PresenceRoster) channel() string {
	return r.cache.Key("presence:" + r.area + ":events")
}

// MarkPresent records that memberID entered the area. Marking an already
// present member keeps the original entry time.
func (r *PresenceRoster) MarkPresent(ctx context.Context, memberID string) error {
	if err := shared.ValidateMemberID(memberID); err != nil {
		return err
	}

	now := r.now().UTC()
	added, err := r.cache.Client().ZAddNX(ctx, r.setKey(), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: memberID,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to mark present: %w", err)
	}
	if added > 0 {
		r.publish(ctx, PresenceEvent{Type: EventEntered, Area: r.area, MemberID: memberID, Timestamp: now})
	}
	return nil
}

// MarkAbsent records that memberID left the area.
func (r *PresenceRoster) MarkAbsent(ctx context.Context, memberID string) error {
	if err := shared.ValidateMemberID(memberID); err != nil {
		return err
	}

	removed, err := r.cache.Client().ZRem(ctx, r.setKey(), memberID).Result()
	if err != nil {
		return fmt.Errorf("failed to mark absent: %w", err)
	}
	if removed > 0 {
		r.publish(ctx, PresenceEvent{Type: EventExited, Area: r.area, MemberID: memberID, Timestamp: r.now().UTC()})
	}
	return nil
}

// PresentMembers returns the IDs currently in the area, sorted.
func (r *PresenceRoster) PresentMembers(ctx context.Context) ([]string, error) {
	ids, err := r.cache.Client().ZRange(ctx, r.setKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// EnteredAt returns when memberID entered the area.
func (r *PresenceRoster) EnteredAt(ctx context.Context, memberID string) (time.Time, bool, error) {
	score, err := r.cache.Client().ZScore(ctx, r.setKey(), memberID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

// Count returns how many members are present.
func (r *PresenceRoster) Count(ctx context.Context) (int64, error) {
	return r.cache.Client().ZCard(ctx, r.setKey()).Result()
}

// Clear empties the roster, for example after the gateway reconnects and
// resends the full member list.
func (r *PresenceRoster) Clear(ctx context.Context) error {
	return r.cache.Client().Del(ctx, r.setKey()).Err()
}

// ══════════════════════════════════════════════════════════════════════════════
// PUB/SUB OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Subscribe calls handler for each presence change until ctx is done.
// This is a blocking operation and should be run in a goroutine.
func (r *PresenceRoster) Subscribe(ctx context.Context, handler func(PresenceEvent)) error {
	pubsub := r.cache.Client().Subscribe(ctx, r.channel())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}

			var event PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue // Skip malformed messages
			}
			handler(event)
		}
	}
}

func (r *PresenceRoster) publish(ctx context.Context, event PresenceEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	// Fire and forget
	_ = r.cache.Client().Publish(ctx, r.channel(), data).Err()
}
