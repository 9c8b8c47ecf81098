package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/xmidt-org/talaria/headunit"
)

// DeviceAdapter polls the inventory /api/v2/devices endpoint and emits
// attached/detached events for devices that appear or disappear.
type DeviceAdapter struct {
	baseURL string
	client  *http.Client
	auth    headunit.AuthStrategy
	logger  *slog.Logger

	mu       sync.RWMutex
	last     map[string]headunit.DeviceInfo
	lastPoll time.Time

	events headunit.EventHub
}

type inventoryResponse struct {
	Devices json.RawMessage `json:"devices"` // array of strings or array of objects
}

func NewDeviceAdapter(baseURL string, auth headunit.AuthStrategy, logger *slog.Logger) *DeviceAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		auth:    auth,
		logger:  logger.With("component", "inventory"),
		last:    make(map[string]headunit.DeviceInfo),
	}
}

// PollOnce fetches the current devices and emits the difference to the
// previous poll.
func (d *DeviceAdapter) PollOnce(ctx context.Context) ([]headunit.DeviceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v2/devices", d.baseURL), nil)
	if err != nil {
		return nil, err
	}
	if d.auth != nil {
		if v, e := d.auth.AuthorizationValue(); e == nil && v != "" {
			req.Header.Set("Authorization", v)
		}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", headunit.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", headunit.ErrBackendUnavailable, resp.StatusCode)
	}
	var parsed inventoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	infos, err := parseInventory(parsed.Devices)
	if err != nil {
		return nil, err
	}
	d.emitDiff(infos)
	return infos, nil
}

func parseInventory(raw json.RawMessage) ([]headunit.DeviceInfo, error) {
	var rawAny []interface{}
	if err := json.Unmarshal(raw, &rawAny); err != nil {
		return nil, fmt.Errorf("unexpected devices format: %w", err)
	}
	infos := make([]headunit.DeviceInfo, 0, len(rawAny))
	for _, elem := range rawAny {
		switch v := elem.(type) {
		case string:
			if v != "" {
				infos = append(infos, headunit.DeviceInfo{ID: headunit.DeviceID(v)})
			}
		case map[string]interface{}:
			id := firstString(v, "id", "deviceId", "deviceID", "mac")
			if id == "" {
				continue
			}
			infos = append(infos, headunit.DeviceInfo{
				ID:        headunit.DeviceID(id),
				Name:      firstString(v, "name", "alias"),
				Transport: firstString(v, "transport"),
			})
		}
	}
	return infos, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (d *DeviceAdapter) emitDiff(current []headunit.DeviceInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	currSet := make(map[string]headunit.DeviceInfo, len(current))
	for _, info := range current {
		currSet[string(info.ID)] = info
	}
	d.lastPoll = now
	for id, info := range currSet {
		if _, existed := d.last[id]; !existed {
			d.events.Publish(headunit.Event{Kind: headunit.EventAttached, DeviceID: info.ID, OccurredAt: now, Source: "inventory", Payload: info})
		}
	}
	for id := range d.last {
		if _, still := currSet[id]; !still {
			d.events.Publish(headunit.Event{Kind: headunit.EventDetached, DeviceID: headunit.DeviceID(id), OccurredAt: now, Source: "inventory"})
		}
	}
	d.last = currSet
}

// Run polls every interval until ctx is done. Poll failures are logged and
// leave the last known inventory untouched.
func (d *DeviceAdapter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	poll := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if _, err := d.PollOnce(pctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("inventory poll failed", "error", err)
		}
	}
	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

// Snapshot returns the known device IDs, sorted, plus the last poll time.
func (d *DeviceAdapter) Snapshot() (ids []string, lastPoll time.Time) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids = make([]string, 0, len(d.last))
	for id := range d.last {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, d.lastPoll
}

// Subscribe returns an event subscription channel.
func (d *DeviceAdapter) Subscribe(buffer int) headunit.EventSubscription {
	return d.events.Subscribe(buffer)
}

// Close ends every subscription.
func (d *DeviceAdapter) Close() {
	d.events.Close()
}
