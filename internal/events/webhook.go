package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"airlock/internal/config"
	"airlock/internal/domain"
	"airlock/internal/store"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultWebhookTimeout   = 5 * time.Second
	defaultDispatchBatch    = 100
)

// WebhookDispatcher polls the event log and delivers new events to every
// configured, enabled webhook, each tracked by its own cursor so a slow
// subscriber never blocks another.
type WebhookDispatcher struct {
	store    store.Store
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher launches a background dispatcher if any webhook is
// configured, returning nil if there is nothing to dispatch.
func StartWebhookDispatcher(ctx context.Context, s store.Store, hooks []config.WebhookConfig) *WebhookDispatcher {
	if len(hooks) == 0 {
		return nil
	}
	d := &WebhookDispatcher{
		store:    s,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run(ctx)
	return d
}

func (d *WebhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultDispatchInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.store.EventsAfter(ctx, cursor, defaultDispatchBatch)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(evts) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.store.LatestEventID(ctx)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	RequestID  string          `json:"request_id"`
	Workspace  string          `json:"workspace"`
	ActorID    string          `json:"actor_id"`
	Turn       int             `json:"turn"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.PayloadRaw != "" && json.Valid([]byte(evt.PayloadRaw)) {
		payload = json.RawMessage([]byte(evt.PayloadRaw))
	}
	body := webhookEvent{
		ID:        evt.ID,
		Type:      evt.Type,
		RequestID: evt.RequestID,
		Workspace: evt.Workspace,
		ActorID:   evt.ActorID,
		Turn:      evt.Turn,
		TS:        evt.TS,
		Payload:   payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Airlock-Event", evt.Type)
	req.Header.Set("X-Airlock-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Airlock-Workspace", evt.Workspace)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Airlock-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(evts []string) eventFilter {
	if len(evts) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(evts))
	for _, e := range evts {
		key := strings.TrimSpace(e)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
