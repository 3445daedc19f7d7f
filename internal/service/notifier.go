package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"trust-service/internal/models"
)

// Notifier delivers a newly raised alert to an external system. Delivery is
// best effort; AlertStore only logs the error.
type Notifier interface {
	Notify(ctx context.Context, alert models.SecurityAlert) error
}

// WebhookNotifier POSTs the alert as JSON.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	headers map[string]string
}

func NewWebhookNotifier(url string, timeout time.Duration, headers map[string]string) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		headers: headers,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, alert models.SecurityAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaNotifier publishes alerts keyed by alert type so one type stays on one
// partition.
type KafkaNotifier struct {
	producer MessageProducer
	topic    string
}

func NewKafkaNotifier(producer MessageProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

func (k *KafkaNotifier) Notify(ctx context.Context, alert models.SecurityAlert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return k.producer.ProduceMessage(ctx, k.topic, []byte(alert.Type), value, map[string]string{
		"alert_id": alert.ID,
		"severity": string(alert.Severity),
	})
}

// MultiNotifier delivers to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, alert models.SecurityAlert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
