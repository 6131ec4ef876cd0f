package registry

import "github.com/matst80/wsrelay/internal/obs"

// New creates either an in-memory or Redis-backed store based on configuration.
func New(redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedis(redisAddr, redisPassword, redisDB)
}
