// Package gunsync implements the GUN Sync Loop (C7): maintaining one
// connection per whitelisted peer, diffing each peer's registry index
// against the local one, mirroring new souls, and merging the distributed
// deletion registry (spec §4.7).
//
// The per-peer connection lifecycle (dial, reconnect with exponential
// backoff, ping, read loop, clean shutdown) is grounded directly on the
// teacher's coordinator.Coordinator, generalized from a single
// control-plane connection to an arbitrary peer and from the
// when-v3-specific message envelope to GUN's get/put request shape.
package gunsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// PeerConfig tunes one peer connection's reconnect and ping behavior.
type PeerConfig struct {
	URL                    string
	ReconnectInitialDelay  time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectBackoffFactor float64
	PingInterval           time.Duration
}

// DefaultPeerConfig mirrors the teacher coordinator's defaults.
func DefaultPeerConfig(url string) PeerConfig {
	return PeerConfig{
		URL:                    url,
		ReconnectInitialDelay:  1 * time.Second,
		ReconnectMaxDelay:      30 * time.Second,
		ReconnectBackoffFactor: 2.0,
		PingInterval:           30 * time.Second,
	}
}

// request is one outbound GUN-style get/put message.
type request struct {
	ID     string          `json:"#"`
	Get    string          `json:"get,omitempty"`
	Put    json.RawMessage `json:"put,omitempty"`
}

// response is one inbound reply, keyed back to the request id.
type response struct {
	ID  string          `json:"#"`
	Ack string          `json:"@,omitempty"`
	Put json.RawMessage `json:"put,omitempty"`
	Err string          `json:"err,omitempty"`
}

// PeerClient holds a reconnecting websocket connection to one whitelisted
// GUN peer and lets the sync loop issue request/response round trips
// against it.
type PeerClient struct {
	cfg PeerConfig
	log *logrus.Entry

	connMu sync.RWMutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan response

	ctx    context.Context
	cancel context.CancelFunc

	nextID int
	idMu   sync.Mutex
}

// NewPeerClient builds a client for one peer. It does not dial until Run is
// called, so whitelist enforcement happens entirely before any PeerClient
// exists (spec §4.7 "refuses any discovery from other sources").
func NewPeerClient(cfg PeerConfig, log *logrus.Entry) *PeerClient {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerClient{
		cfg:     cfg,
		log:     log.WithField("peer", cfg.URL),
		pending: make(map[string]chan response),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run drives the reconnect loop until ctx is cancelled, demoting a
// misbehaving or unreachable peer to exponential backoff without ever
// touching the whitelist itself (spec §4.7 "Backoff").
func (p *PeerClient) Run(ctx context.Context) {
	delay := p.cfg.ReconnectInitialDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.connect(ctx); err != nil {
			p.log.WithError(err).Warn("gun peer connection failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * p.cfg.ReconnectBackoffFactor)
			if delay > p.cfg.ReconnectMaxDelay {
				delay = p.cfg.ReconnectMaxDelay
			}
			continue
		}

		delay = p.cfg.ReconnectInitialDelay
		p.runConnection(ctx)
	}
}

func (p *PeerClient) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.cfg.URL, http.Header{})
	if err != nil {
		return fmt.Errorf("gunsync: dial %s: %w", p.cfg.URL, err)
	}
	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
	p.log.Info("connected to gun peer")
	return nil
}

func (p *PeerClient) runConnection(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.readLoop()
	}()

	pingTicker := time.NewTicker(p.cfg.PingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.closeConn()
			<-done
			return
		case <-done:
			return
		case <-pingTicker.C:
			p.connMu.RLock()
			conn := p.conn
			p.connMu.RUnlock()
			if conn != nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
		}
	}
}

func (p *PeerClient) readLoop() {
	for {
		p.connMu.RLock()
		conn := p.conn
		p.connMu.RUnlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.log.WithError(err).Debug("gun peer read loop ended")
			return
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (p *PeerClient) closeConn() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Get issues a GUN get request for soul and blocks for its response or until
// ctx is cancelled / a timeout elapses.
func (p *PeerClient) Get(ctx context.Context, soul string) (json.RawMessage, error) {
	p.connMu.RLock()
	conn := p.conn
	p.connMu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("gunsync: not connected to %s", p.cfg.URL)
	}

	id := p.newID()
	ch := make(chan response, 1)
	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	buf, err := json.Marshal(request{ID: id, Get: soul})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return nil, fmt.Errorf("gunsync: send get %s: %w", soul, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("gunsync: timed out waiting for %s", soul)
	case resp := <-ch:
		if resp.Err != "" {
			return nil, fmt.Errorf("gunsync: peer error for %s: %s", soul, resp.Err)
		}
		return resp.Put, nil
	}
}

// Put writes payload under soul on this peer and blocks for its
// acknowledgement, the GUN-side "backend put" half of C11's write path
// (spec §4.11 "POST /records... backend put").
func (p *PeerClient) Put(ctx context.Context, soul string, payload json.RawMessage) error {
	p.connMu.RLock()
	conn := p.conn
	p.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("gunsync: not connected to %s", p.cfg.URL)
	}

	id := p.newID()
	ch := make(chan response, 1)
	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	body := map[string]json.RawMessage{soul: payload}
	putBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(request{ID: id, Put: putBody})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return fmt.Errorf("gunsync: send put %s: %w", soul, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("gunsync: timed out waiting for put ack on %s", soul)
	case resp := <-ch:
		if resp.Err != "" {
			return fmt.Errorf("gunsync: peer rejected put for %s: %s", soul, resp.Err)
		}
		return nil
	}
}

func (p *PeerClient) newID() string {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	p.nextID++
	return fmt.Sprintf("%s-%d", p.cfg.URL, p.nextID)
}

// Stop tears down this peer's connection and reconnect loop.
func (p *PeerClient) Stop() {
	p.cancel()
	p.closeConn()
}
