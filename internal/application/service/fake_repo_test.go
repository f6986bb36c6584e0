package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
)

type txMarker struct{}

// fakeRepo - repo.Repo в памяти. Транзакции сериализуются и при ошибке
// откатывают всё состояние к снимку.
type fakeRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   *fakeState

	// casConflicts: столько ближайших UpdateInventoryCAS увидят конкурентную запись
	casConflicts int
	healthErr    error

	// orderRace: следующий UpdateOrderStatus заказа сначала увидит этот статус,
	// как будто его записала конкурентная транзакция
	orderRace map[uuid.UUID]entity.OrderStatus
}

type fakeState struct {
	outbox       map[uuid.UUID]entity.OutboxRecord
	idem         map[string]entity.IdempotencyRecord
	inventory    map[uuid.UUID]entity.Inventory
	reservations map[uuid.UUID]entity.Reservation
	orders       map[uuid.UUID]entity.Order
	sagas        map[uuid.UUID]entity.SagaRecord
	payments     map[uuid.UUID]entity.Payment
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{st: &fakeState{
		outbox:       map[uuid.UUID]entity.OutboxRecord{},
		idem:         map[string]entity.IdempotencyRecord{},
		inventory:    map[uuid.UUID]entity.Inventory{},
		reservations: map[uuid.UUID]entity.Reservation{},
		orders:       map[uuid.UUID]entity.Order{},
		sagas:        map[uuid.UUID]entity.SagaRecord{},
		payments:     map[uuid.UUID]entity.Payment{},
	}, orderRace: map[uuid.UUID]entity.OrderStatus{}}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *fakeState) clone() *fakeState {
	return &fakeState{
		outbox:       cloneMap(s.outbox),
		idem:         cloneMap(s.idem),
		inventory:    cloneMap(s.inventory),
		reservations: cloneMap(s.reservations),
		orders:       cloneMap(s.orders),
		sagas:        cloneMap(s.sagas),
		payments:     cloneMap(s.payments),
	}
}

func (f *fakeRepo) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	f.txMu.Lock()
	defer f.txMu.Unlock()

	f.mu.Lock()
	snapshot := f.st.clone()
	f.mu.Unlock()

	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		f.mu.Lock()
		f.st = snapshot
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeRepo) HealthCheck(context.Context) error { return f.healthErr }

// OUTBOX

func (f *fakeRepo) InsertOutbox(_ context.Context, rec *entity.OutboxRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.st.outbox {
		if r.AggregateID == rec.AggregateID && r.IdempotencyKey == rec.IdempotencyKey {
			return false, nil
		}
	}
	f.st.outbox[rec.ID] = *rec
	return true, nil
}

func (f *fakeRepo) ClaimOutboxBatch(_ context.Context, workerID string, lease time.Duration, limit int) ([]entity.OutboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()

	var eligible []entity.OutboxRecord
	for _, r := range f.st.outbox {
		free := r.LockedUntil == nil || r.LockedUntil.Before(now)
		switch {
		case (r.Status == entity.OutboxPending || r.Status == entity.OutboxRetryScheduled) && !r.NextAttemptAt.After(now) && free:
		case r.Status == entity.OutboxProcessing && r.LockedUntil != nil && r.LockedUntil.Before(now):
		default:
			continue
		}
		eligible = append(eligible, r)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	until := now.Add(lease)
	for i := range eligible {
		w := workerID
		u := until
		eligible[i].Status = entity.OutboxProcessing
		eligible[i].LockedBy = &w
		eligible[i].LockedUntil = &u
		f.st.outbox[eligible[i].ID] = eligible[i]
	}
	return eligible, nil
}

func (f *fakeRepo) MarkOutboxPublished(_ context.Context, id uuid.UUID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.st.outbox[id]
	if !ok || r.Status != entity.OutboxProcessing || r.LockedBy == nil || *r.LockedBy != workerID {
		return appers.ErrLostLease
	}
	now := time.Now()
	r.Status = entity.OutboxPublished
	r.PublishedAt = &now
	r.LockedBy, r.LockedUntil, r.LastError = nil, nil, nil
	f.st.outbox[id] = r
	return nil
}

func (f *fakeRepo) MarkOutboxFailed(_ context.Context, id uuid.UUID, workerID string, maxAttempts int, next time.Time, lastErr string) (entity.OutboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.st.outbox[id]
	if !ok || r.Status != entity.OutboxProcessing || r.LockedBy == nil || *r.LockedBy != workerID {
		return "", appers.ErrLostLease
	}
	r.AttemptCount++
	r.Status = entity.OutboxRetryScheduled
	if r.AttemptCount >= maxAttempts {
		r.Status = entity.OutboxFailed
	}
	r.NextAttemptAt = next
	r.LastError = &lastErr
	r.LockedBy, r.LockedUntil = nil, nil
	f.st.outbox[id] = r
	return r.Status, nil
}

func (f *fakeRepo) GetOutbox(_ context.Context, id uuid.UUID) (*entity.OutboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.st.outbox[id]
	if !ok {
		return nil, appers.ErrOutboxNotFound
	}
	return &r, nil
}

func (f *fakeRepo) ListOutbox(_ context.Context, status entity.OutboxStatus, limit int) ([]entity.OutboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []entity.OutboxRecord
	for _, r := range f.st.outbox {
		if status == "" || r.Status == status {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (f *fakeRepo) CountOutboxByStatus(_ context.Context, status entity.OutboxStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.st.outbox {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) ReplayOutbox(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.st.outbox[id]
	if !ok {
		return appers.ErrOutboxNotFound
	}
	if r.Status != entity.OutboxFailed {
		return appers.ErrOutboxNotReplayable
	}
	r.Status = entity.OutboxPending
	r.AttemptCount = 0
	r.NextAttemptAt = time.Now()
	r.LastError = nil
	f.st.outbox[id] = r
	return nil
}

// outboxOf возвращает события заказа в порядке появления.
func (f *fakeRepo) outboxOf(orderID uuid.UUID) []entity.OutboxRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []entity.OutboxRecord
	for _, r := range f.st.outbox {
		if r.AggregateID == orderID {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}

// IDEMPOTENCY

func idemKey(scopeID, action, key string) string {
	return scopeID + "|" + action + "|" + key
}

func (f *fakeRepo) TryStartIdempotency(_ context.Context, scopeID, action, key string) (entity.IdempotencyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := idemKey(scopeID, action, key)
	if rec, ok := f.st.idem[k]; ok {
		return entity.IdempotencyResult{Outcome: entity.Existing, Record: rec}, nil
	}
	now := time.Now()
	rec := entity.IdempotencyRecord{
		ID:             uuid.Must(uuid.NewV4()),
		ScopeID:        scopeID,
		Action:         action,
		IdempotencyKey: key,
		Status:         entity.IdempotencyStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.st.idem[k] = rec
	return entity.IdempotencyResult{Outcome: entity.Started, Record: rec}, nil
}

func (f *fakeRepo) finishIdempotency(id uuid.UUID, status entity.IdempotencyStatus, resourceType, resourceID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, rec := range f.st.idem {
		if rec.ID != id {
			continue
		}
		if rec.Status != entity.IdempotencyStarted {
			return fmt.Errorf("idempotency record %s is %s", id, rec.Status)
		}
		rec.Status = status
		rec.ResourceType = resourceType
		rec.ResourceID = resourceID
		f.st.idem[k] = rec
		return nil
	}
	return fmt.Errorf("idempotency record %s not found", id)
}

func (f *fakeRepo) MarkIdempotencySucceeded(_ context.Context, id uuid.UUID, resourceType, resourceID string) error {
	return f.finishIdempotency(id, entity.IdempotencySucceeded, &resourceType, &resourceID)
}

func (f *fakeRepo) MarkIdempotencyFailed(_ context.Context, id uuid.UUID) error {
	return f.finishIdempotency(id, entity.IdempotencyFailed, nil, nil)
}

// INVENTORY

func (f *fakeRepo) GetInventory(_ context.Context, productID uuid.UUID) (*entity.Inventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.st.inventory[productID]
	if !ok {
		return nil, appers.ErrInventoryNotFound
	}
	return &inv, nil
}

func (f *fakeRepo) CreateInventory(_ context.Context, productID uuid.UUID, available int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.st.inventory[productID]; ok {
		return false, nil
	}
	f.st.inventory[productID] = entity.Inventory{
		ID:          uuid.Must(uuid.NewV4()),
		ProductID:   productID,
		AvailableQt: available,
		UpdatedAt:   time.Now(),
	}
	return true, nil
}

func (f *fakeRepo) UpdateInventoryCAS(_ context.Context, inv entity.Inventory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.st.inventory[inv.ProductID]
	if !ok {
		return appers.ErrInventoryNotFound
	}
	if f.casConflicts > 0 {
		f.casConflicts--
		// конкурентная запись: версия уехала, количества те же
		cur.Version++
		f.st.inventory[inv.ProductID] = cur
	}
	if cur.Version != inv.Version {
		return fmt.Errorf("[product: %s] %w", inv.ProductID, appers.ErrVersionConflict)
	}
	cur.AvailableQt = inv.AvailableQt
	cur.ReservedQt = inv.ReservedQt
	cur.Version++
	cur.UpdatedAt = time.Now()
	f.st.inventory[inv.ProductID] = cur
	return nil
}

func (f *fakeRepo) setStock(productID uuid.UUID, available int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.inventory[productID] = entity.Inventory{
		ID:          uuid.Must(uuid.NewV4()),
		ProductID:   productID,
		AvailableQt: available,
	}
}

func (f *fakeRepo) stock(productID uuid.UUID) entity.Inventory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st.inventory[productID]
}

// RESERVATIONS

func (f *fakeRepo) CreateReservation(_ context.Context, res *entity.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.st.reservations {
		if r.OrderID == res.OrderID && r.IdempotencyKey == res.IdempotencyKey {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	f.st.reservations[res.ID] = *res
	return nil
}

func (f *fakeRepo) GetReservation(_ context.Context, id uuid.UUID) (*entity.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.st.reservations[id]
	if !ok {
		return nil, appers.ErrReservationNotFound
	}
	return &r, nil
}

func (f *fakeRepo) UpdateReservationStatus(_ context.Context, id uuid.UUID, from, to entity.ReservationStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.st.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	f.st.reservations[id] = r
	return true, nil
}

func (f *fakeRepo) reservationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.st.reservations)
}

// ORDERS

func (f *fakeRepo) CreateOrder(_ context.Context, order *entity.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.orders[order.ID] = *order
	return nil
}

func (f *fakeRepo) GetOrder(_ context.Context, id uuid.UUID) (*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.st.orders[id]
	if !ok {
		return nil, appers.ErrOrderNotFound
	}
	return &o, nil
}

func (f *fakeRepo) UpdateOrderStatus(_ context.Context, id uuid.UUID, from []entity.OrderStatus, to entity.OrderStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.st.orders[id]
	if !ok {
		return false, nil
	}
	if raced, ok := f.orderRace[id]; ok {
		delete(f.orderRace, id)
		o.Status = raced
		f.st.orders[id] = o
	}
	for _, s := range from {
		if o.Status == s {
			o.Status = to
			f.st.orders[id] = o
			return true, nil
		}
	}
	return false, nil
}

// SAGA

func (f *fakeRepo) CreateSaga(_ context.Context, saga *entity.SagaRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.sagas[saga.OrderID] = *saga
	return nil
}

func (f *fakeRepo) GetSaga(_ context.Context, orderID uuid.UUID) (*entity.SagaRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.st.sagas[orderID]
	if !ok {
		return nil, appers.ErrSagaNotFound
	}
	return &s, nil
}

func (f *fakeRepo) PatchSaga(_ context.Context, patch entity.SagaPatch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if patch.Empty() {
		return false, nil
	}
	s, ok := f.st.sagas[patch.OrderID]
	if !ok || s.Frozen() {
		return false, nil
	}
	f.st.sagas[patch.OrderID] = patch.Apply(s)
	return true, nil
}

// PAYMENTS

func (f *fakeRepo) CreatePayment(_ context.Context, p *entity.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.st.payments {
		if existing.OrderID == p.OrderID && existing.IdempotencyKey == p.IdempotencyKey {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	f.st.payments[p.ID] = *p
	return nil
}

func (f *fakeRepo) GetPayment(_ context.Context, id uuid.UUID) (*entity.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.st.payments[id]
	if !ok {
		return nil, appers.ErrPaymentNotFound
	}
	return &p, nil
}

func (f *fakeRepo) UpdatePaymentStatus(_ context.Context, id uuid.UUID, from, to entity.PaymentStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.st.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	f.st.payments[id] = p
	return true, nil
}

func (f *fakeRepo) paymentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.st.payments)
}
