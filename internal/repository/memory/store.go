// Package memory is an in-process implementation of the storage contracts.
// Transactions run serially against a copy of the state and replace it on
// commit, so a failed unit of work leaves nothing behind.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
)

type balanceKey struct {
	merchantID string
	currency   string
}

type idempotencyKey struct {
	merchantID string
	key        string
}

type state struct {
	payments    map[string]models.Payment
	orders      map[string]models.Order
	snapshots   map[string]models.FXSnapshot
	ledger      []models.LedgerEntry
	balances    map[balanceKey]decimal.Decimal
	idempotency map[idempotencyKey]string
}

func (s *state) clone() *state {
	c := &state{
		payments:    make(map[string]models.Payment, len(s.payments)),
		orders:      make(map[string]models.Order, len(s.orders)),
		snapshots:   make(map[string]models.FXSnapshot, len(s.snapshots)),
		ledger:      append([]models.LedgerEntry(nil), s.ledger...),
		balances:    make(map[balanceKey]decimal.Decimal, len(s.balances)),
		idempotency: make(map[idempotencyKey]string, len(s.idempotency)),
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

type Store struct {
	mu     sync.Mutex
	st     *state
	events []models.GatewayEvent
	now    func() time.Time
}

var _ interfaces.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		st: &state{
			payments:    make(map[string]models.Payment),
			orders:      make(map[string]models.Order),
			snapshots:   make(map[string]models.FXSnapshot),
			balances:    make(map[balanceKey]decimal.Decimal),
			idempotency: make(map[idempotencyKey]string),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := &tx{st: s.st.clone(), now: s.now}
	if err := fn(ctx, work); err != nil {
		return err
	}
	s.st = work.st
	return nil
}

func (s *Store) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.payments[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return copyPayment(p), nil
}

func (s *Store) GetPaymentByOrderID(_ context.Context, orderID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Payment
	for _, p := range s.st.payments {
		if p.OrderID != orderID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = copyPayment(p)
		}
	}
	if latest == nil {
		return nil, interfaces.ErrNotFound
	}
	return latest, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &o, nil
}

func (s *Store) CreatePayment(_ context.Context, p *models.Payment, o *models.Order) (*models.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IdempotencyKey != "" {
		key := idempotencyKey{merchantID: p.MerchantID, key: p.IdempotencyKey}
		if id, ok := s.st.idempotency[key]; ok {
			return copyPayment(s.st.payments[id]), false, nil
		}
		s.st.idempotency[key] = p.ID
	}
	if o != nil {
		s.st.orders[o.ID] = *o
	}
	s.st.payments[p.ID] = *p
	return copyPayment(*p), true, nil
}

func (s *Store) SetPreference(_ context.Context, paymentID, preferenceID, redirectURL string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.payments[paymentID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	if p.PreferenceID == "" {
		p.PreferenceID = preferenceID
		p.RedirectURL = redirectURL
		p.UpdatedAt = s.now()
		s.st.payments[paymentID] = p
	}
	return copyPayment(p), nil
}

func (s *Store) ListLedgerEntries(_ context.Context, merchantID string) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.st.ledger {
		if e.MerchantID == merchantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) GetFXSnapshot(_ context.Context, id string) (*models.FXSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.st.snapshots[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &snap, nil
}

func (s *Store) RecordGatewayEvent(_ context.Context, evt *models.GatewayEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = s.now()
	}
	s.events = append(s.events, *evt)
	return nil
}

// GatewayEvents returns the audit log in insertion order.
func (s *Store) GatewayEvents() []models.GatewayEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.GatewayEvent(nil), s.events...)
}

// Balance returns the merchant balance in currency.
func (s *Store) Balance(merchantID, currency string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.balances[balanceKey{merchantID, currency}]
}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) LockPayment(_ context.Context, id string) (*models.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return copyPayment(p), nil
}

func (t *tx) TransitionPayment(_ context.Context, id string, from []models.PaymentStatus, upd models.PaymentUpdate) (bool, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return false, interfaces.ErrNotFound
	}
	if !contains(from, p.Status) {
		return false, nil
	}
	p.Status = upd.Status
	if upd.ProviderChargeID != "" {
		p.ProviderChargeID = upd.ProviderChargeID
	}
	if upd.FailureReason != "" {
		p.FailureReason = upd.FailureReason
	}
	if upd.Settlement != nil {
		settlement := *upd.Settlement
		p.Settlement = &settlement
	}
	p.UpdatedAt = t.now()
	t.st.payments[id] = p
	return true, nil
}

func (t *tx) TransitionOrder(_ context.Context, id string, from, to models.OrderStatus) (bool, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return false, interfaces.ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = t.now()
	t.st.orders[id] = o
	return true, nil
}

func (t *tx) InsertFXSnapshot(_ context.Context, snap models.FXSnapshot) error {
	for _, existing := range t.st.snapshots {
		if existing.PaymentID == snap.PaymentID {
			return errDuplicate("fx snapshot for payment " + snap.PaymentID)
		}
	}
	t.st.snapshots[snap.ID] = snap
	return nil
}

func (t *tx) AppendLedgerEntry(_ context.Context, entry models.LedgerEntry) (models.LedgerEntry, error) {
	for _, existing := range t.st.ledger {
		if existing.PaymentID == entry.PaymentID && existing.Kind == entry.Kind {
			return models.LedgerEntry{}, errDuplicate("ledger entry for payment " + entry.PaymentID)
		}
	}
	key := balanceKey{entry.MerchantID, entry.Currency}
	balance := t.st.balances[key]
	if entry.Kind == models.LedgerDebit {
		balance = balance.Sub(entry.Amount)
	} else {
		balance = balance.Add(entry.Amount)
	}
	t.st.balances[key] = balance

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	entry.BalanceAfter = balance
	t.st.ledger = append(t.st.ledger, entry)
	return entry, nil
}

func (t *tx) ExpireDuePayments(_ context.Context, now time.Time, limit int) ([]models.Payment, error) {
	var due []models.Payment
	for _, p := range t.st.payments {
		if contains(models.NonTerminalPaymentStatuses, p.Status) && p.ExpiredAt(now) {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = models.PaymentExpired
		due[i].UpdatedAt = t.now()
		t.st.payments[due[i].ID] = due[i]
	}
	return due, nil
}

func (t *tx) ExpireOrderIfSettled(_ context.Context, orderID string) (bool, error) {
	o, ok := t.st.orders[orderID]
	if !ok || o.Status != models.OrderPendingPayment {
		return false, nil
	}
	expired := false
	for _, p := range t.st.payments {
		if p.OrderID != orderID {
			continue
		}
		switch p.Status {
		case models.PaymentExpired:
			expired = true
		case models.PaymentFailed:
		default:
			return false, nil
		}
	}
	if !expired {
		return false, nil
	}
	o.Status = models.OrderExpired
	o.UpdatedAt = t.now()
	t.st.orders[orderID] = o
	return true, nil
}

func contains(statuses []models.PaymentStatus, s models.PaymentStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func copyPayment(p models.Payment) *models.Payment {
	if p.Settlement != nil {
		settlement := *p.Settlement
		p.Settlement = &settlement
	}
	return &p
}

type errDuplicate string

func (e errDuplicate) Error() string { return "duplicate " + string(e) }
