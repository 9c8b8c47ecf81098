package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xmidt-org/talaria/headunit"
	"github.com/xmidt-org/wrp-go/v3"
)

// DriverLink is the websocket channel to one device's driver. Frames are
// msgpack encoded WRP simple events; the destination names the operation.
//
// The head unit sends:
//
//	event:device/activation-confirmed
//	event:device/deactivation-confirmed
//
// The driver sends:
//
//	event:device/state                 payload {"connectionState": "..."}
//	event:device/request-activation
//	event:device/request-deactivation
//	event:device/request-disconnect
//	event:device/delete
//
// DriverLink implements headunit.Confirmer.
type DriverLink struct {
	baseWS   string
	auth     headunit.AuthStrategy
	deviceID headunit.DeviceID
	service  string
	logger   *slog.Logger

	writeTimeout time.Duration

	dialer  *websocket.Dialer
	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	out     *headunit.Outbox

	events headunit.EventHub

	closed    chan struct{}
	closeOnce sync.Once
}

const (
	DestActivationConfirmed   = "event:device/activation-confirmed"
	DestDeactivationConfirmed = "event:device/deactivation-confirmed"
	DestState                 = "event:device/state"
	DestRequestActivation     = "event:device/request-activation"
	DestRequestDeactivation   = "event:device/request-deactivation"
	DestRequestDisconnect     = "event:device/request-disconnect"
	DestDelete                = "event:device/delete"

	linkSource = "headunit/arbiter"
	linkOutbox = 8
)

// LinkOptions configures driver links.
type LinkOptions struct {
	BaseWS           string // websocket base URL without trailing slash
	Service          string
	Auth             headunit.AuthStrategy
	HandshakeTimeout time.Duration // default 10s
	WriteTimeout     time.Duration // default 5s
	Logger           *slog.Logger
}

type statePayload struct {
	ConnectionState string `json:"connectionState"`
}

type confirmPayload struct {
	DeviceID string `json:"deviceId"`
}

func NewDriverLink(deviceID headunit.DeviceID, o LinkOptions) *DriverLink {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &DriverLink{
		baseWS:       o.BaseWS,
		auth:         o.Auth,
		deviceID:     deviceID,
		service:      o.Service,
		logger:       o.Logger.With("component", "driver-link", "device", deviceID),
		writeTimeout: o.WriteTimeout,
		dialer:       &websocket.Dialer{HandshakeTimeout: o.HandshakeTimeout},
		out:          headunit.NewOutbox(linkOutbox),
		closed:       make(chan struct{}),
	}
}

// Connect establishes the websocket and starts reading driver events.
func (l *DriverLink) Connect(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	go l.readLoop()
	return nil
}

func (l *DriverLink) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(l.baseWS)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + string(l.deviceID) + "/" + l.service

	header := http.Header{}
	if l.auth != nil {
		if v, e := l.auth.AuthorizationValue(); e == nil && v != "" {
			header.Set("Authorization", v)
		}
	}
	conn, _, err := l.dialer.DialContext(ctx, u.String(), header)
	return conn, err
}

// reconnect attempts a single reconnect using the same parameters.
func (l *DriverLink) reconnect(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = conn
	l.connMu.Unlock()
	return nil
}

// Close terminates the connection and every subscription.
func (l *DriverLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.connMu.Lock()
		c := l.conn
		l.conn = nil
		l.connMu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		l.out.Close()
		l.events.Close()
	})
	return nil
}

// ActivationConfirmed queues the confirmation for the link's writer and
// returns immediately.
func (l *DriverLink) ActivationConfirmed() {
	l.confirm(DestActivationConfirmed)
}

func (l *DriverLink) DeactivationConfirmed() {
	l.confirm(DestDeactivationConfirmed)
}

func (l *DriverLink) confirm(dest string) {
	ok := l.out.Post(func() {
		if err := l.send(dest); err != nil {
			l.logger.Warn("send confirmation", "destination", dest, "error", err)
		}
	})
	if !ok {
		l.logger.Warn("confirmation dropped", "destination", dest)
	}
}

// Subscribe returns driver events for this device.
func (l *DriverLink) Subscribe(buffer int) headunit.EventSubscription {
	return l.events.Subscribe(buffer)
}

func (l *DriverLink) send(dest string) error {
	payload, err := json.Marshal(confirmPayload{DeviceID: string(l.deviceID)})
	if err != nil {
		return err
	}
	msg := wrp.Message{
		Type:            wrp.SimpleEventMessageType,
		Source:          linkSource,
		Destination:     dest,
		TransactionUUID: uuid.NewString(),
		ContentType:     "application/json",
		Payload:         payload,
	}
	var frame []byte
	if err := wrp.NewEncoderBytes(&frame, wrp.Msgpack).Encode(&msg); err != nil {
		return fmt.Errorf("encode wrp: %w", err)
	}

	l.connMu.RLock()
	c := l.conn
	l.connMu.RUnlock()
	if c == nil {
		return headunit.ErrNotConnected
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	return c.WriteMessage(websocket.BinaryMessage, frame)
}

func (l *DriverLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *DriverLink) readLoop() {
	l.connMu.RLock()
	c := l.conn
	l.connMu.RUnlock()
	if c == nil {
		return
	}
	retried := false
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if l.isClosed() {
				return
			}
			if !retried {
				retried = true
				l.logger.Warn("read error, retrying once", "error", err)
				// brief delay then attempt reconnect
				time.Sleep(300 * time.Millisecond)
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if recErr := l.reconnect(ctx); recErr == nil {
					cancel()
					l.connMu.RLock()
					c = l.conn
					l.connMu.RUnlock()
					if c == nil {
						_ = l.Close()
						return
					}
					continue
				}
				cancel()
			}
			l.events.Publish(headunit.Event{Kind: headunit.EventDetached, DeviceID: l.deviceID, OccurredAt: time.Now(), Source: "driver-link", Payload: err.Error()})
			_ = l.Close()
			return
		}
		evt, ok, err := decodeDriverEvent(l.deviceID, data)
		if err != nil {
			l.logger.Debug("undecodable driver frame", "error", err)
			continue
		}
		if ok {
			l.events.Publish(evt)
		}
	}
}

var errUnexpectedMessage = errors.New("unexpected wrp message type")

// decodeDriverEvent turns a WRP frame from a driver into an event. ok is
// false for well-formed frames the head unit does not act on.
func decodeDriverEvent(deviceID headunit.DeviceID, data []byte) (evt headunit.Event, ok bool, err error) {
	var msg wrp.Message
	if err := wrp.NewDecoderBytes(data, wrp.Msgpack).Decode(&msg); err != nil {
		return evt, false, err
	}
	if msg.Type != wrp.SimpleEventMessageType {
		return evt, false, errUnexpectedMessage
	}
	evt = headunit.Event{DeviceID: deviceID, OccurredAt: time.Now(), Source: msg.Source}
	switch msg.Destination {
	case DestState:
		var p statePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return evt, false, fmt.Errorf("state payload: %w", err)
		}
		st, err := headunit.ParseConnectionState(p.ConnectionState)
		if err != nil {
			return evt, false, err
		}
		evt.Kind = headunit.EventStateChanged
		evt.Payload = headunit.StateReport{Connection: st}
	case DestRequestActivation:
		evt.Kind = headunit.EventActivationRequested
	case DestRequestDeactivation:
		evt.Kind = headunit.EventDeactivationRequested
	case DestRequestDisconnect:
		evt.Kind = headunit.EventDisconnectRequested
	case DestDelete:
		evt.Kind = headunit.EventDeleteRequested
	default:
		return evt, false, nil
	}
	return evt, true, nil
}
