// Package startup remembers which device should be activated again when the
// head unit boots and the device reappears.
package startup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xmidt-org/talaria/headunit"
)

const (
	opTimeout  = 2 * time.Second
	outboxSize = 16
)

// Policy keeps the startup device under <prefix>:startup-device. Only a
// device whose disclaimer was accepted is remembered. Writes are queued and
// performed off the caller's goroutine.
type Policy struct {
	redis  *redis.Client
	key    string
	logger *slog.Logger

	out    *headunit.Outbox
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPolicy(redisClient *redis.Client, prefix string, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Policy{
		redis:  redisClient,
		key:    prefix + ":startup-device",
		logger: logger.With("component", "startup"),
		out:    headunit.NewOutbox(outboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnActiveDeviceChanged remembers accepted active devices. It never forgets
// on deactivation; only ResetStartupActivation does.
func (p *Policy) OnActiveDeviceChanged(device *headunit.Device, reason string) {
	if device == nil || device.Accept != headunit.DisclaimerAccepted {
		return
	}
	id := device.ID
	p.post("remember startup device", func(ctx context.Context) error {
		return p.redis.Set(ctx, p.key, string(id), 0).Err()
	})
}

// ResetStartupActivation forgets the startup device.
func (p *Policy) ResetStartupActivation() {
	p.post("reset startup device", func(ctx context.Context) error {
		if err := p.redis.Del(ctx, p.key).Err(); err != nil {
			return err
		}
		p.logger.Info("startup activation reset")
		return nil
	})
}

func (p *Policy) post(what string, write func(ctx context.Context) error) {
	ok := p.out.Post(func() {
		ctx, cancel := context.WithTimeout(p.ctx, opTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			p.logger.Warn(what, "error", err)
		}
	})
	if !ok {
		p.logger.Warn("startup outbox full, write dropped", "op", what)
	}
}

// Candidate returns the remembered device, if any. Writes queued before the
// call are applied first.
func (p *Policy) Candidate(ctx context.Context) (headunit.DeviceID, bool, error) {
	if err := p.out.Flush(ctx); err != nil {
		return "", false, err
	}
	id, err := p.redis.Get(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return headunit.DeviceID(id), true, nil
}

// Flush waits until queued writes have been applied.
func (p *Policy) Flush(ctx context.Context) error {
	return p.out.Flush(ctx)
}

// Close abandons unapplied writes and stops the writer.
func (p *Policy) Close() {
	p.cancel()
	p.out.Close()
}
