package runtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xmidt-org/talaria/headunit"
)

// LinkPool keeps one DriverLink per attached device and merges their events.
type LinkPool struct {
	opts   LinkOptions
	logger *slog.Logger

	mu    sync.Mutex
	links map[headunit.DeviceID]*DriverLink

	events headunit.EventHub
}

func NewLinkPool(opts LinkOptions) *LinkPool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LinkPool{
		opts:   opts,
		logger: opts.Logger.With("component", "link-pool"),
		links:  make(map[headunit.DeviceID]*DriverLink),
	}
}

// Open returns the device's link, dialing it first if needed.
func (p *LinkPool) Open(ctx context.Context, id headunit.DeviceID) (headunit.Confirmer, error) {
	if p.opts.BaseWS == "" {
		return nil, headunit.ErrNoDriver
	}
	p.mu.Lock()
	if l, ok := p.links[id]; ok && !l.isClosed() {
		p.mu.Unlock()
		return l, nil
	}
	p.mu.Unlock()

	l := NewDriverLink(id, p.opts)
	sub := l.Subscribe(16)
	if err := l.Connect(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}

	p.mu.Lock()
	if prev, ok := p.links[id]; ok && prev != l {
		_ = prev.Close()
	}
	p.links[id] = l
	p.mu.Unlock()

	go func() {
		for e := range sub.C() {
			p.events.Publish(e)
		}
	}()
	p.logger.Info("driver link opened", "device", id)
	return l, nil
}

// Close drops the device's link, if any.
func (p *LinkPool) Close(id headunit.DeviceID) {
	p.mu.Lock()
	l, ok := p.links[id]
	delete(p.links, id)
	p.mu.Unlock()
	if ok {
		_ = l.Close()
		p.logger.Info("driver link closed", "device", id)
	}
}

// Subscribe returns the merged events of every link.
func (p *LinkPool) Subscribe(buffer int) headunit.EventSubscription {
	return p.events.Subscribe(buffer)
}

// Shutdown closes every link and subscription.
func (p *LinkPool) Shutdown() {
	p.mu.Lock()
	links := p.links
	p.links = make(map[headunit.DeviceID]*DriverLink)
	p.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
	p.events.Close()
}
