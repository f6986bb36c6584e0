package repo

// OUTBOX
const outboxColumns = `id, aggregate_id, event_type, payload, status, attempt_count, created_at,
	next_attempt_at, locked_by, locked_until, idempotency_key, last_error, published_at`

const insertOutboxQuery = `
INSERT INTO outbox_records (
  id, aggregate_id, event_type, payload, status, attempt_count, created_at, next_attempt_at, idempotency_key
) VALUES ($1, $2, $3, ($4)::jsonb, 'PENDING', 0, $5, $5, $6)
ON CONFLICT (aggregate_id, idempotency_key) DO NOTHING
RETURNING id
`

// claimBatchSQL: свободные PENDING/RETRY_SCHEDULED строки, у которых подошло время,
// плюс PROCESSING с истёкшей арендой (воркер упал или завис).
const claimBatchSQL = `
WITH picked AS (
	SELECT id
	FROM outbox_records
	WHERE (status IN ('PENDING', 'RETRY_SCHEDULED')
			AND next_attempt_at <= now()
			AND (locked_until IS NULL OR locked_until < now()))
		OR (status = 'PROCESSING' AND locked_until < now())
	ORDER BY created_at
	FOR UPDATE SKIP LOCKED
	LIMIT $1
)
UPDATE outbox_records AS o
SET status = 'PROCESSING', locked_by = $2, locked_until = now() + $3::interval
FROM picked
WHERE o.id = picked.id
RETURNING o.id, o.aggregate_id, o.event_type, o.payload, o.status, o.attempt_count, o.created_at,
	o.next_attempt_at, o.locked_by, o.locked_until, o.idempotency_key, o.last_error, o.published_at;
`

const markPublishedSQL = `
UPDATE outbox_records
SET status = 'PUBLISHED', published_at = now(), locked_by = NULL, locked_until = NULL, last_error = NULL
WHERE id = $1 AND status = 'PROCESSING' AND locked_by = $2`

// markFailedSQL: в SET виден старый attempt_count, поэтому +1 считается в обоих выражениях.
const markFailedSQL = `
UPDATE outbox_records
SET attempt_count = attempt_count + 1,
	status = CASE WHEN attempt_count + 1 >= $3 THEN 'FAILED' ELSE 'RETRY_SCHEDULED' END,
	next_attempt_at = $4,
	last_error = $5,
	locked_by = NULL,
	locked_until = NULL
WHERE id = $1 AND status = 'PROCESSING' AND locked_by = $2
RETURNING status`

const getOutboxSQL = `SELECT ` + outboxColumns + ` FROM outbox_records WHERE id = $1`

const listOutboxSQL = `SELECT ` + outboxColumns + ` FROM outbox_records
WHERE ($1 = '' OR status = $1)
ORDER BY created_at
LIMIT $2`

const countOutboxByStatusSQL = `SELECT count(*) FROM outbox_records WHERE status = $1`

const replayOutboxSQL = `
UPDATE outbox_records
SET status = 'PENDING', attempt_count = 0, next_attempt_at = now(), last_error = NULL,
	locked_by = NULL, locked_until = NULL
WHERE id = $1 AND status = 'FAILED'`

// IDEMPOTENCY
const idempotencyColumns = `id, scope_id, action, idempotency_key, status, resource_type, resource_id, created_at, updated_at`

const tryStartIdempotencySQL = `
INSERT INTO idempotency_records (id, scope_id, action, idempotency_key, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'STARTED', now(), now())
ON CONFLICT (scope_id, action, idempotency_key) DO NOTHING
RETURNING ` + idempotencyColumns

const getIdempotencySQL = `SELECT ` + idempotencyColumns + ` FROM idempotency_records
WHERE scope_id = $1 AND action = $2 AND idempotency_key = $3`

const markIdempotencySucceededSQL = `
UPDATE idempotency_records
SET status = 'SUCCEEDED', resource_type = $2, resource_id = $3, updated_at = now()
WHERE id = $1 AND status = 'STARTED'`

const markIdempotencyFailedSQL = `
UPDATE idempotency_records
SET status = 'FAILED', updated_at = now()
WHERE id = $1 AND status = 'STARTED'`

// INVENTORY
const getInventorySQL = `
SELECT id, product_id, available_qt, reserved_qt, version, updated_at
FROM inventory WHERE product_id = $1`

const createInventorySQL = `
INSERT INTO inventory (id, product_id, available_qt, reserved_qt, version, updated_at)
VALUES ($1, $2, $3, 0, 0, now())
ON CONFLICT (product_id) DO NOTHING
RETURNING id`

const updateInventoryCASSQL = `
UPDATE inventory
SET available_qt = $2, reserved_qt = $3, version = version + 1, updated_at = now()
WHERE product_id = $1 AND version = $4`

// RESERVATIONS
const createReservationSQL = `
INSERT INTO reservations (id, order_id, idempotency_key, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)`

const createReservationItemSQL = `
INSERT INTO reservation_items (reservation_id, product_id, quantity) VALUES ($1, $2, $3)`

const getReservationSQL = `
SELECT id, order_id, idempotency_key, status, created_at, updated_at
FROM reservations WHERE id = $1`

const getReservationItemsSQL = `
SELECT product_id, quantity FROM reservation_items WHERE reservation_id = $1 ORDER BY product_id`

const updateReservationStatusSQL = `
UPDATE reservations SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2`

// ORDERS
const createOrderSQL = `
INSERT INTO orders (id, customer_id, status, total_price, currency, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`

const createOrderItemSQL = `
INSERT INTO order_items (order_id, line_no, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4, $5)`

const getOrderSQL = `
SELECT id, customer_id, status, total_price::text, currency, created_at, updated_at
FROM orders WHERE id = $1`

const getOrderItemsSQL = `
SELECT product_id, quantity, unit_price::text FROM order_items WHERE order_id = $1 ORDER BY line_no`

const updateOrderStatusSQL = `
UPDATE orders SET status = $3, updated_at = now()
WHERE id = $1 AND status = ANY($2)`

// SAGA
const sagaColumns = `order_id, reservation_id, payment_id, total_price::text, currency,
	reservation_requested_at, reservation_completed_at, reservation_reserved_at, reservation_confirmed_at,
	reservation_released_at, reservation_release_acked_at, payment_requested_at, payment_completed_at,
	payment_confirmed_at, payment_released_at, payment_release_acked_at, failed_at, completed_at,
	fail_reason, created_at, updated_at`

const createSagaSQL = `
INSERT INTO saga_records (order_id, total_price, currency, reservation_requested_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)`

const getSagaSQL = `SELECT ` + sagaColumns + ` FROM saga_records WHERE order_id = $1`

// PAYMENTS
const createPaymentSQL = `
INSERT INTO payments (id, order_id, reservation_id, idempotency_key, amount, currency, status,
	provider_ref, decline_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`

const getPaymentSQL = `
SELECT id, order_id, reservation_id, idempotency_key, amount::text, currency, status,
	COALESCE(provider_ref, ''), COALESCE(decline_reason, ''), created_at, updated_at
FROM payments WHERE id = $1`

const updatePaymentStatusSQL = `
UPDATE payments SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2`
