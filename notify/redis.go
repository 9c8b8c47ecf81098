package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xmidt-org/talaria/headunit"
)

const (
	publishTimeout = 2 * time.Second
	outboxSize     = 64
)

// RedisPublisher mirrors arbiter notifications to Redis so other head unit
// processes (HMI, telemetry) can follow the active device. Listener calls
// only queue the write; a dedicated goroutine talks to Redis.
//
// Channels: <prefix>:active and <prefix>:devices. Key: <prefix>:active-device.
type RedisPublisher struct {
	redis  *redis.Client
	prefix string
	logger *slog.Logger

	out    *headunit.Outbox
	ctx    context.Context
	cancel context.CancelFunc
}

type deviceMessage struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Transport  string     `json:"transport,omitempty"`
	Connection string     `json:"connectionState"`
	Accept     string     `json:"acceptState"`
	Selected   bool       `json:"selected"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
}

type activeMessage struct {
	Device *deviceMessage `json:"device"`
	Reason string         `json:"reason"`
}

type listMessage struct {
	Devices []deviceMessage `json:"devices"`
	Reason  string          `json:"reason"`
}

func NewRedisPublisher(redisClient *redis.Client, prefix string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisPublisher{
		redis:  redisClient,
		prefix: prefix,
		logger: logger.With("component", "redis-publisher"),
		out:    headunit.NewOutbox(outboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *RedisPublisher) ActiveChannel() string  { return p.prefix + ":active" }
func (p *RedisPublisher) DevicesChannel() string { return p.prefix + ":devices" }
func (p *RedisPublisher) ActiveKey() string      { return p.prefix + ":active-device" }

func (p *RedisPublisher) OnActiveDeviceChanged(device *headunit.Device, reason string) {
	msg := activeMessage{Reason: reason}
	var id string
	if device != nil {
		m := messageFor(device)
		msg.Device = &m
		id = string(device.ID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("marshal active device", "error", err)
		return
	}

	p.post("active device", func(ctx context.Context) error {
		pipe := p.redis.TxPipeline()
		if id != "" {
			pipe.Set(ctx, p.ActiveKey(), id, 0)
		} else {
			pipe.Del(ctx, p.ActiveKey())
		}
		pipe.Publish(ctx, p.ActiveChannel(), data)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (p *RedisPublisher) OnDeviceListChanged(devices []*headunit.Device, reason string) {
	msg := listMessage{Devices: make([]deviceMessage, 0, len(devices)), Reason: reason}
	for _, d := range devices {
		msg.Devices = append(msg.Devices, messageFor(d))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("marshal device list", "error", err)
		return
	}

	p.post("device list", func(ctx context.Context) error {
		return p.redis.Publish(ctx, p.DevicesChannel(), data).Err()
	})
}

func (p *RedisPublisher) post(what string, write func(ctx context.Context) error) {
	ok := p.out.Post(func() {
		ctx, cancel := context.WithTimeout(p.ctx, publishTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			p.logger.Warn("publish "+what, "error", err)
		}
	})
	if !ok {
		p.logger.Warn("redis outbox full, update dropped", "update", what)
	}
}

// Flush waits until queued updates have been written.
func (p *RedisPublisher) Flush(ctx context.Context) error {
	return p.out.Flush(ctx)
}

// Close abandons unwritten updates and stops the writer.
func (p *RedisPublisher) Close() {
	p.cancel()
	p.out.Close()
}

func messageFor(d *headunit.Device) deviceMessage {
	m := deviceMessage{
		ID:         string(d.ID),
		Name:       d.Name,
		Transport:  d.Transport,
		Connection: d.Connection.String(),
		Accept:     d.Accept.String(),
		Selected:   d.Selected,
	}
	if !d.LastSeen.IsZero() {
		seen := d.LastSeen
		m.LastSeen = &seen
	}
	return m
}
