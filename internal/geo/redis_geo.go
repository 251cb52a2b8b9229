package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/safety-net/internal/models"
)

// DefaultSearchRadiusMeters bounds Redis GEOSEARCH queries.
const DefaultSearchRadiusMeters = 50000

// RedisIndex implements Index using Redis GEO commands. Peer names live in a
// companion hash so a query can return full PeerPresence values.
type RedisIndex struct {
	client *redis.Client
	key    string
	radius float64
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, radius: DefaultSearchRadiusMeters}
}

// Replace rewrites the GEO set and the name hash inside one MULTI/EXEC so
// concurrent readers see either the old or the new set.
func (r *RedisIndex) Replace(ctx context.Context, peers []models.PeerPresence) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key, r.metaKey())
		if len(peers) == 0 {
			return nil
		}
		locs := make([]*redis.GeoLocation, 0, len(peers))
		names := make(map[string]interface{}, len(peers))
		for _, p := range peers {
			if p.Hidden {
				continue
			}
			locs = append(locs, &redis.GeoLocation{Name: p.UserID, Longitude: p.Position.Lng, Latitude: p.Position.Lat})
			names[p.UserID] = p.DisplayName
		}
		if len(locs) == 0 {
			return nil
		}
		pipe.GeoAdd(ctx, r.key, locs...)
		pipe.HSet(ctx, r.metaKey(), names)
		pipe.HSet(ctx, r.metaKey(), "_updated", time.Now().Format(time.RFC3339))
		return nil
	})
	return err
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.PeerPresence, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     r.radius,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(res))
	for _, g := range res {
		ids = append(ids, g.Name)
	}
	names, err := r.client.HMGet(ctx, r.metaKey(), ids...).Result()
	if err != nil {
		names = nil
	}
	out := make([]models.PeerPresence, 0, len(res))
	for i, g := range res {
		p := models.PeerPresence{UserID: g.Name}
		p.Position.Lat = g.Latitude
		p.Position.Lng = g.Longitude
		if i < len(names) {
			if s, ok := names[i].(string); ok {
				p.DisplayName = s
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisIndex) Close() error { return r.client.Close() }

func (r *RedisIndex) metaKey() string { return r.key + ":names" }
