package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"manualpilot/ghostd/internal"
)

// RedisRecorder mirrors connection state into redis. Each connection gets a
// hash at ghost:<id> with the owning instance, join time, state and message
// counters; every event is also published on the instance channel.
type RedisRecorder struct {
	rdb        *redis.Client
	instanceID string
	ttl        time.Duration
}

func NewRedisRecorder(rdb *redis.Client, instanceID string) *RedisRecorder {
	return &RedisRecorder{
		rdb:        rdb,
		instanceID: instanceID,
		ttl:        90 * time.Second,
	}
}

func connectionKey(id string) string {
	return fmt.Sprintf("ghost:%v", id)
}

func (r *RedisRecorder) Record(ctx context.Context, event internal.Event) error {
	rid := connectionKey(event.ID)

	switch event.Type {
	case internal.EventTypeAdmitted:
		data := map[string]any{
			"inst":  r.instanceID,
			"join":  event.At.Unix(),
			"state": event.State,
			"recv":  0,
			"sent":  0,
		}

		if err := r.rdb.HSet(ctx, rid, data).Err(); err != nil {
			return err
		}
	case internal.EventTypeReceived:
		if err := r.rdb.HIncrBy(ctx, rid, "recv", 1).Err(); err != nil {
			return err
		}
	case internal.EventTypeSent:
		if err := r.rdb.HIncrBy(ctx, rid, "sent", 1).Err(); err != nil {
			return err
		}
	case internal.EventTypeClosed, internal.EventTypeEvicted:
		if err := r.rdb.Del(ctx, rid).Err(); err != nil {
			return err
		}
	default:
		if err := r.rdb.HSet(ctx, rid, "state", event.State).Err(); err != nil {
			return err
		}
	}

	switch event.Type {
	case internal.EventTypeClosed, internal.EventTypeEvicted:
	default:
		// an open session stays visible while it keeps talking
		if err := r.rdb.Expire(ctx, rid, r.ttl).Err(); err != nil {
			return err
		}
	}

	bEvent, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return r.rdb.Publish(ctx, r.instanceID, string(bEvent)).Err()
}
