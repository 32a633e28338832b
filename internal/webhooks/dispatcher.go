// Package webhooks delivers committed events to registered HTTP
// endpoints, off the ingest critical path, with signing and bounded
// retry.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/common/config"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-DevPulse-Signature"

// Retry delays between attempts.
var retryDelays = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// OutboundPayload is the JSON body posted to webhook endpoints.
type OutboundPayload struct {
	Type        string            `json:"type"`
	Event       *events.HookEvent `json:"event"`
	ProjectName string            `json:"project_name"`
}

type delivery struct {
	webhook store.Webhook
	body    []byte
}

// Dispatcher fans committed events out to matching webhooks. Each
// webhook gets its own bounded queue and worker; overflow drops the
// oldest pending delivery.
type Dispatcher struct {
	store  *store.Store
	cfg    config.WebhookConfig
	log    *logger.Logger
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]chan delivery
	closed bool
}

// NewDispatcher builds a dispatcher. Start workers lazily per webhook.
func NewDispatcher(st *store.Store, cfg config.WebhookConfig, log *logger.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  st,
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "webhooks")),
		client: &http.Client{Timeout: time.Duration(cfg.AttemptTimeout) * time.Second},
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]chan delivery),
	}
}

// Dispatch snapshots the active webhook set and enqueues a delivery for
// every match. It never blocks the caller.
func (d *Dispatcher) Dispatch(e *events.HookEvent, projectName string) {
	hooks, err := d.store.ListActiveWebhooks()
	if err != nil {
		d.log.WithError(err).Error("failed to snapshot webhooks")
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(OutboundPayload{
		Type:        string(e.Type),
		Event:       e,
		ProjectName: projectName,
	})
	if err != nil {
		d.log.WithError(err).Error("failed to encode webhook payload")
		return
	}

	for i := range hooks {
		w := hooks[i]
		if !Matches(&w, e, projectName) {
			continue
		}
		d.enqueue(delivery{webhook: w, body: body})
	}
}

// Matches applies a webhook's filters to an event.
func Matches(w *store.Webhook, e *events.HookEvent, projectName string) bool {
	if !w.Active {
		return false
	}
	if w.ProjectFilter != "" && w.ProjectFilter != projectName {
		return false
	}
	types := w.Types()
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == string(e.Type) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) enqueue(del delivery) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[del.webhook.ID]
	if !ok {
		q = make(chan delivery, d.cfg.QueueSize)
		d.queues[del.webhook.ID] = q
		d.wg.Add(1)
		go d.worker(q)
	}
	d.mu.Unlock()

	for {
		select {
		case q <- del:
			return
		default:
		}
		// Full queue: drop the oldest pending delivery and count it as
		// a failure.
		select {
		case dropped := <-q:
			if err := d.store.IncrementWebhookFailures(dropped.webhook.ID, 1); err != nil {
				d.log.WithError(err).Warn("failed to record dropped delivery")
			}
		default:
		}
	}
}

func (d *Dispatcher) worker(q chan delivery) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case del := <-q:
			d.deliver(del)
		}
	}
}

// deliver runs the bounded retry loop for one delivery and records the
// outcome on the webhook row.
func (d *Dispatcher) deliver(del delivery) {
	var (
		status  int
		lastErr string
	)
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryDelays[len(retryDelays)-1]
			if attempt-1 < len(retryDelays) {
				delay = retryDelays[attempt-1]
			}
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		status, lastErr = d.post(del.webhook.URL, del.webhook.Secret, del.body)
		if status >= 200 && status < 300 {
			if err := d.store.RecordWebhookDelivery(del.webhook.ID, true, status, "", time.Now().UnixMilli()); err != nil {
				d.log.WithError(err).Warn("failed to record delivery")
			}
			return
		}
		// Every attempt leaves a trace on the row; only the final
		// failure moves the failure counter.
		if attempt < d.cfg.MaxAttempts-1 {
			if err := d.store.RecordWebhookAttempt(del.webhook.ID, status, lastErr, time.Now().UnixMilli()); err != nil {
				d.log.WithError(err).Warn("failed to record attempt")
			}
		}
	}

	d.log.Warn("webhook delivery failed",
		zap.String("webhook_id", del.webhook.ID),
		zap.Int("status", status),
		zap.String("error", lastErr))
	if err := d.store.RecordWebhookDelivery(del.webhook.ID, false, status, lastErr, time.Now().UnixMilli()); err != nil {
		d.log.WithError(err).Warn("failed to record delivery")
	}
}

// post sends one signed attempt and returns the HTTP status (0 on
// transport failure) and an error string.
func (d *Dispatcher) post(url, secret string, body []byte) (int, string) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SignatureHeader, Signature(secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err.Error()
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, ""
	}
	return resp.StatusCode, fmt.Sprintf("endpoint returned %d", resp.StatusCode)
}

// Signature computes the hex HMAC-SHA256 header value for a body.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Test posts a synthetic payload to one webhook, with a single attempt,
// and reports the result inline.
func (d *Dispatcher) Test(w *store.Webhook) (int, error) {
	body, err := json.Marshal(OutboundPayload{
		Type: "test",
		Event: &events.HookEvent{
			SourceApp: "devpulse",
			SessionID: "webhook-test",
			Type:      events.TypeNotification,
			Payload:   []byte(`{"test":true}`),
			Timestamp: time.Now().UnixMilli(),
		},
		ProjectName: w.ProjectFilter,
	})
	if err != nil {
		return 0, err
	}
	status, errMsg := d.post(w.URL, w.Secret, body)
	now := time.Now().UnixMilli()
	success := status >= 200 && status < 300
	if err := d.store.RecordWebhookDelivery(w.ID, success, status, errMsg, now); err != nil {
		d.log.WithError(err).Warn("failed to record test delivery")
	}
	if !success {
		return status, fmt.Errorf("webhook test failed: %s", errMsg)
	}
	return status, nil
}

// Stop cancels in-flight work and waits for the workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
