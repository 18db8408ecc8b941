package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"RampSettle/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrNoSnapshot = errors.New("no shared rate snapshot")

// Mirror shares the worker's snapshot with other processes. The key expires
// with the cache TTL, so a present key is a fresh snapshot.
type Mirror struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

func (m *Mirror) Publish(ctx context.Context, rate models.Rate) error {
	b, err := json.Marshal(rate)
	if err != nil {
		return err
	}
	return m.Client.Set(ctx, m.Key, b, m.TTL).Err()
}

func (m *Mirror) Latest(ctx context.Context) (models.Rate, error) {
	b, err := m.Client.Get(ctx, m.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Rate{}, ErrNoSnapshot
	}
	if err != nil {
		return models.Rate{}, err
	}
	var rate models.Rate
	if err := json.Unmarshal(b, &rate); err != nil {
		return models.Rate{}, err
	}
	return rate, nil
}

// Shared prefers the mirrored snapshot and falls back to a local provider.
type Shared struct {
	Mirror *Mirror
	Local  Provider
	Logger *zap.Logger
}

func (s *Shared) Current(ctx context.Context) (models.Rate, error) {
	rate, err := s.Mirror.Latest(ctx)
	if err == nil {
		return rate, nil
	}
	if !errors.Is(err, ErrNoSnapshot) {
		s.Logger.Warn("rate mirror read failed", zap.Error(err))
	}
	return s.Local.Current(ctx)
}
