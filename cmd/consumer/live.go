package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/car-relocation/internal/events"
	"github.com/example/car-relocation/internal/models"
)

// Positions of a trip that stops reporting drop out after this long.
const positionTTL = 30 * time.Minute

// LiveStore is the subset of redis the consumer writes live trip positions
// with.
type LiveStore interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]any, ttl time.Duration) error
	// Members lists the trip ids in the live GEO set.
	Members(ctx context.Context, key string) ([]string, error)
	// HasMeta reports whether the metadata hash of a trip still exists.
	HasMeta(ctx context.Context, tripID string) (bool, error)
	// Forget drops a trip from the live GEO set along with its metadata.
	Forget(ctx context.Context, key, tripID string) error
}

type redisLiveStore struct{ c redis.UniversalClient }

func (r redisLiveStore) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r redisLiveStore) HSet(ctx context.Context, key string, values map[string]any, ttl time.Duration) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, values)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (r redisLiveStore) Members(ctx context.Context, key string) ([]string, error) {
	return r.c.ZRange(ctx, key, 0, -1).Result()
}

func (r redisLiveStore) HasMeta(ctx context.Context, tripID string) (bool, error) {
	n, err := r.c.Exists(ctx, liveMetaKey(tripID)).Result()
	return n > 0, err
}

func (r redisLiveStore) Forget(ctx context.Context, key, tripID string) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, key, tripID)
		p.Del(ctx, liveMetaKey(tripID))
		return nil
	})
	return err
}

func liveMetaKey(tripID string) string { return "trip:live:" + tripID }

func decodePosition(b []byte) (models.TripPosition, error) {
	var pos models.TripPosition
	if err := json.Unmarshal(b, &pos); err != nil {
		return pos, fmt.Errorf("decode position: %w", err)
	}
	switch {
	case pos.TripID == "":
		return pos, errors.New("position without trip id")
	case !pos.Coord.Valid():
		return pos, fmt.Errorf("trip %s: coordinate out of range", pos.TripID)
	}
	return pos, nil
}

// recordPosition moves the trip's point in the live GEO set and refreshes its
// metadata hash. A failed step is retried with doubling delay until attempts
// run out or ctx ends.
func recordPosition(ctx context.Context, store LiveStore, liveKey string, pos models.TripPosition, attempts int, delay time.Duration) error {
	write := func() error {
		loc := &redis.GeoLocation{Name: pos.TripID, Longitude: pos.Coord.Lon, Latitude: pos.Coord.Lat}
		if err := store.GeoAdd(ctx, liveKey, loc); err != nil {
			return fmt.Errorf("geoadd %s: %w", pos.TripID, err)
		}
		meta := map[string]any{
			"request_id": pos.RequestID,
			"driver_id":  pos.DriverID,
			"at":         strconv.FormatInt(pos.At, 10),
		}
		if err := store.HSet(ctx, liveMetaKey(pos.TripID), meta, positionTTL); err != nil {
			return fmt.Errorf("hset %s: %w", pos.TripID, err)
		}
		return nil
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = write(); err == nil || attempt >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// tripEnd is the part of a lifecycle event the consumer needs.
type tripEnd struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// decodeTripEnd returns the id of the trip a finished or cancelled event
// refers to. ok is false for every other event.
func decodeTripEnd(b []byte) (tripID string, ok bool, err error) {
	var ev tripEnd
	if err := json.Unmarshal(b, &ev); err != nil {
		return "", false, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type != events.TripFinished && ev.Type != events.TripCancelled {
		return "", false, nil
	}
	if ev.Data.ID == "" {
		return "", false, fmt.Errorf("%s event without trip id", ev.Type)
	}
	return ev.Data.ID, true, nil
}

// pruneLive drops trips whose metadata expired, which happens when a trip
// stops reporting without a finish or cancel event reaching the consumer.
func pruneLive(ctx context.Context, store LiveStore, liveKey string) (int, error) {
	ids, err := store.Members(ctx, liveKey)
	if err != nil {
		return 0, fmt.Errorf("list live trips: %w", err)
	}
	pruned := 0
	for _, id := range ids {
		ok, err := store.HasMeta(ctx, id)
		if err != nil {
			return pruned, fmt.Errorf("check trip %s: %w", id, err)
		}
		if ok {
			continue
		}
		if err := store.Forget(ctx, liveKey, id); err != nil {
			return pruned, fmt.Errorf("forget trip %s: %w", id, err)
		}
		pruned++
	}
	return pruned, nil
}
