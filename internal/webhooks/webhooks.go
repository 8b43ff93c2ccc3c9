// Package webhooks delivers cell protocol events — quarantine
// transitions, emergency state changes — to externally registered URLs.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cellcredit/cell/internal/retry"
	"github.com/cellcredit/cell/internal/security"
)

// EventType identifies the kind of cell-protocol event being delivered.
type EventType string

const (
	EventCellQuarantined         EventType = "cell.quarantined"
	EventCellUnquarantined       EventType = "cell.unquarantined"
	EventEmergencyStateChanged   EventType = "emergency.state_changed"
	EventFederationLinkSuspended EventType = "federation.link_suspended"
)

// Event is a single webhook delivery payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	CellID    string                 `json:"cell_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is one external URL's registration for a set of event
// types.
type Subscription struct {
	ID                  string
	URL                 string
	Secret              string
	Events              []EventType
	Active              bool
	CreatedAt           time.Time
	LastSuccess         *time.Time
	LastError           string
	ConsecutiveFailures int
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("webhook subscription not found: %s", id)
}

func (m *MemoryStore) GetByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				out = append(out, sub)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

const maxConcurrentWebhooks = 50

// Dispatcher delivers events to every active subscriber of that event
// type, asynchronously and with bounded concurrency.
type Dispatcher struct {
	store        Store
	client       *http.Client
	maxAttempts  int
	baseDelay    time.Duration
	maxFailures  int
	sem          chan struct{}
	urlValidator func(string) error
	broadcast    func(*Event)
}

// SetBroadcaster registers fn to be called with every dispatched event,
// regardless of URL subscriptions — the hook a realtime in-process feed
// (e.g. a websocket hub) uses to observe the same event stream external
// subscribers get.
func (d *Dispatcher) SetBroadcaster(fn func(*Event)) {
	d.broadcast = fn
}

// NewDispatcher creates a Dispatcher backed by store, validating every
// registered URL with internal/security.ValidateEndpointURL to block
// SSRF against loopback/link-local/internal addresses.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		maxAttempts:  5,
		baseDelay:    time.Second,
		maxFailures:  50,
		sem:          make(chan struct{}, maxConcurrentWebhooks),
		urlValidator: security.ValidateEndpointURL,
	}
}

// Register validates the URL and stores a new active subscription.
func (d *Dispatcher) Register(ctx context.Context, sub *Subscription) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	return d.store.Create(ctx, sub)
}

// Dispatch delivers event to every active subscriber of its type. Each
// delivery runs on its own goroutine, bounded by a concurrency
// semaphore, and is internally retried via internal/retry.Do with
// exponential backoff.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	if d.broadcast != nil {
		d.broadcast(event)
	}

	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		d.sem <- struct{}{}
		go func(s *Subscription) {
			defer func() { <-d.sem }()
			d.send(context.Background(), s, event)
		}(sub)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.maxAttempts, d.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Cellcredit-Event", string(event.Type))
		req.Header.Set("X-Cellcredit-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
		if sub.Secret != "" {
			req.Header.Set("X-Cellcredit-Signature", d.sign(payload, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	})

	if err != nil {
		d.updateError(ctx, sub, err.Error())
		return
	}
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.maxFailures > 0 && sub.ConsecutiveFailures >= d.maxFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}
