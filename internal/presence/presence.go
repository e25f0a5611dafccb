// Package presence keeps the device→gateway session map and the device
// shadow in Redis so other services can route downlink commands.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
)

// DefaultShadowTTL bounds how long a shadow outlives its last update.
const DefaultShadowTTL = 24 * time.Hour

// Client is the subset of redis.UniversalClient used here.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// SessionKey is the Redis key holding "<gateway>:<conn>:<remote>" for a device.
func SessionKey(serial string) string {
	return fmt.Sprintf("fms:sess:%s", serial)
}

// ShadowKey is the Redis hash holding a device's last known state.
func ShadowKey(serial string) string {
	return fmt.Sprintf("fms:shadow:%s", serial)
}

// Tracker writes presence records for one gateway.
type Tracker struct {
	rdb       Client
	gatewayID string
	ttl       time.Duration
	shadowTTL time.Duration
}

// New creates a tracker; session keys expire after ttl without a Touch.
func New(rdb Client, gatewayID string, ttl time.Duration) *Tracker {
	return &Tracker{rdb: rdb, gatewayID: gatewayID, ttl: ttl, shadowTTL: DefaultShadowTTL}
}

// Register binds serial to this gateway and connection.
func (t *Tracker) Register(ctx context.Context, serial, connID, remoteAddr string) error {
	value := fmt.Sprintf("%s:%s:%s", t.gatewayID, connID, remoteAddr)
	if err := t.rdb.Set(ctx, SessionKey(serial), value, t.ttl).Err(); err != nil {
		return fmt.Errorf("register session %s: %w", serial, err)
	}
	return nil
}

// Touch extends the session TTL and stamps the shadow.
func (t *Tracker) Touch(ctx context.Context, serial string) error {
	if err := t.rdb.Expire(ctx, SessionKey(serial), t.ttl).Err(); err != nil {
		return fmt.Errorf("touch session %s: %w", serial, err)
	}
	return t.writeShadow(ctx, serial, "ts", time.Now().Unix())
}

// UpdateShadow stores the latest position in the shadow hash.
func (t *Tracker) UpdateShadow(ctx context.Context, s model.DeviceShadow) error {
	return t.writeShadow(ctx, s.DeviceSerial,
		"lat", s.Lat,
		"lon", s.Lon,
		"spd", s.Speed,
		"dir", s.Direction,
		"gps", s.GPSValid,
		"ts", s.Timestamp,
	)
}

func (t *Tracker) writeShadow(ctx context.Context, serial string, values ...interface{}) error {
	key := ShadowKey(serial)
	if err := t.rdb.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("update shadow %s: %w", serial, err)
	}
	return t.rdb.Expire(ctx, key, t.shadowTTL).Err()
}

// Remove deletes the session binding; the shadow is kept until it expires.
func (t *Tracker) Remove(ctx context.Context, serial string) error {
	if err := t.rdb.Del(ctx, SessionKey(serial)).Err(); err != nil {
		return fmt.Errorf("remove session %s: %w", serial, err)
	}
	return nil
}
