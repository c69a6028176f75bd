package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/car-relocation/internal/models"
)

// RedisGeo implements Geo on a Redis GEO sorted set.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, c models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: id}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, r.key, id).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  c.Lon,
			Latitude:   c.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			ID:        g.Name,
			Coord:     models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceM: g.Dist,
		})
	}
	return out, nil
}
