package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/observability"
)

// StandingsCache stores rendered standings in redis. A nil cache or client disables caching.
type StandingsCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewStandingsCache builds a standings cache.
func NewStandingsCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *StandingsCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StandingsCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "standings_cache").Logger(),
	}
}

func standingsCacheKey(contestID uint) string {
	return fmt.Sprintf("standings:contest:%d", contestID)
}

func standingsGenerationKey(contestID uint) string {
	return fmt.Sprintf("standings:contest:%d:gen", contestID)
}

// storeIfCurrent writes the entry only while the generation still matches the
// one read before the rows were loaded.
var storeIfCurrent = redis.NewScript(`
local current = redis.call("GET", KEYS[1]) or "0"
if current ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// Get returns the cached standings of a contest. On a miss it returns the
// generation a fresh render must be stored under.
func (c *StandingsCache) Get(ctx context.Context, contestID uint) (dto.StandingsResponse, int64, bool) {
	if c == nil || c.client == nil {
		return dto.StandingsResponse{}, 0, false
	}

	values, err := c.client.MGet(ctx, standingsGenerationKey(contestID), standingsCacheKey(contestID)).Result()
	if err != nil {
		c.logger.Warn().Err(err).Uint("contest_id", contestID).Msg("failed to read standings cache")
		observability.StandingsCache().WithLabelValues("miss").Inc()
		return dto.StandingsResponse{}, -1, false
	}

	var generation int64
	if raw, ok := values[0].(string); ok {
		if generation, err = strconv.ParseInt(raw, 10, 64); err != nil {
			generation = -1
		}
	}

	cached, ok := values[1].(string)
	if !ok {
		observability.StandingsCache().WithLabelValues("miss").Inc()
		return dto.StandingsResponse{}, generation, false
	}

	var response dto.StandingsResponse
	if err := json.Unmarshal([]byte(cached), &response); err != nil {
		c.logger.Warn().Err(err).Uint("contest_id", contestID).Msg("discarding unreadable standings cache entry")
		observability.StandingsCache().WithLabelValues("miss").Inc()
		return dto.StandingsResponse{}, generation, false
	}

	observability.StandingsCache().WithLabelValues("hit").Inc()
	return response, generation, true
}

// Set stores rendered standings unless the contest was invalidated after
// generation was read. A negative generation never stores.
func (c *StandingsCache) Set(ctx context.Context, contestID uint, generation int64, response dto.StandingsResponse) {
	if c == nil || c.client == nil || generation < 0 {
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return
	}

	keys := []string{standingsGenerationKey(contestID), standingsCacheKey(contestID)}
	stored, err := storeIfCurrent.Run(ctx, c.client, keys, strconv.FormatInt(generation, 10), payload, c.ttl.Milliseconds()).Int()
	if err != nil {
		c.logger.Warn().Err(err).Uint("contest_id", contestID).Msg("failed to store standings cache")
		return
	}
	if stored == 0 {
		c.logger.Debug().Uint("contest_id", contestID).Int64("generation", generation).Msg("skipped stale standings render")
	}
}

// Invalidate drops the cached standings of a contest and advances its
// generation so renders already in flight are not stored.
func (c *StandingsCache) Invalidate(ctx context.Context, contestID uint) {
	if c == nil || c.client == nil {
		return
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, standingsGenerationKey(contestID))
		pipe.Del(ctx, standingsCacheKey(contestID))
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Uint("contest_id", contestID).Msg("failed to invalidate standings cache")
	}
}
