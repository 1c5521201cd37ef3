package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

type WebhookStore struct {
	mu         sync.Mutex
	webhooks   map[string]models.Webhook
	deliveries map[string]models.WebhookDelivery
}

var _ interfaces.WebhookStore = (*WebhookStore)(nil)

func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		webhooks:   make(map[string]models.Webhook),
		deliveries: make(map[string]models.WebhookDelivery),
	}
}

// AddWebhook registers a subscription.
func (s *WebhookStore) AddWebhook(w models.Webhook) models.Webhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	s.webhooks[w.ID] = w
	return w
}

func (s *WebhookStore) ListActiveWebhooks(_ context.Context, merchantID string) ([]models.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Webhook
	for _, w := range s.webhooks {
		if w.MerchantID == merchantID && w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *WebhookStore) GetWebhook(_ context.Context, id string) (*models.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &w, nil
}

func (s *WebhookStore) InsertDelivery(_ context.Context, d *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.deliveries[d.ID] = *d
	return nil
}

func (s *WebhookStore) UpdateDelivery(_ context.Context, d *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return interfaces.ErrNotFound
	}
	s.deliveries[d.ID] = *d
	return nil
}

func (s *WebhookStore) ClaimDueDeliveries(_ context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.WebhookDelivery
	for _, d := range s.deliveries {
		if d.DeliveredAt != nil || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		if maxAttempts > 0 && d.AttemptCount >= maxAttempts {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lease := leaseUntil
		stored := s.deliveries[due[i].ID]
		stored.NextRetryAt = &lease
		s.deliveries[due[i].ID] = stored
	}
	return due, nil
}

// Deliveries returns every delivery row ordered by creation time.
func (s *WebhookStore) Deliveries() []models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookDelivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
