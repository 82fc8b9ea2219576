package order

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/onnwee/limestore/internal/tracing"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

const orderColumns = `order_reference, provider_checkout_id, line_items, subtotal, currency,
	lifecycle_state, provenance, customer_user_ref, customer_email, customer_name,
	shipping_address, requested_payment_method, payment_method, paid_amount,
	paid_currency, paid_raw_status, paid_at, created_at, updated_at`

// PostgresLedger implements Ledger on PostgreSQL.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger backed by db.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Migrate creates the orders table and its indexes if they do not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply orders schema: %w", err)
	}
	return nil
}

// CreatePending stores a new pending order.
func (l *PostgresLedger) CreatePending(ctx context.Context, o *Order) (err error) {
	if err := validateForInsert(o); err != nil {
		return err
	}
	c := o.Clone()
	c.State = StatePending
	c.Provenance = ""
	c.Payment = nil

	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	return l.insert(ctx, c)
}

// InsertPaid stores an order that is already paid.
func (l *PostgresLedger) InsertPaid(ctx context.Context, o *Order) (err error) {
	if err := validateForInsert(o); err != nil {
		return err
	}
	if o.Payment == nil {
		return ErrInvalidOrder
	}
	c := o.Clone()
	c.State = StatePaid

	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	return l.insert(ctx, c)
}

func (l *PostgresLedger) insert(ctx context.Context, o *Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("failed to encode line items: %w", err)
	}
	var address []byte
	if o.ShippingAddress != nil {
		if address, err = json.Marshal(o.ShippingAddress); err != nil {
			return fmt.Errorf("failed to encode shipping address: %w", err)
		}
	}

	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var (
		method, currency, rawStatus sql.NullString
		amount                      decimal.NullDecimal
		paidAt                      sql.NullTime
	)
	if o.Payment != nil {
		method = sql.NullString{String: o.Payment.Method, Valid: true}
		amount = decimal.NullDecimal{Decimal: o.Payment.Amount, Valid: true}
		currency = sql.NullString{String: o.Payment.Currency, Valid: true}
		rawStatus = sql.NullString{String: o.Payment.RawStatus, Valid: o.Payment.RawStatus != ""}
		paidAt = sql.NullTime{Time: o.Payment.PaidAt, Valid: true}
		if paidAt.Time.IsZero() {
			paidAt.Time = createdAt
		}
	}

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)
	`
	_, err = l.db.ExecContext(ctx, query,
		o.Reference,
		nullString(o.CheckoutID),
		items,
		o.Subtotal,
		o.Currency,
		string(o.State),
		string(o.Provenance),
		o.Customer.UserRef,
		o.Customer.Email,
		o.Customer.Name,
		address,
		o.RequestedMethod,
		method,
		amount,
		currency,
		rawStatus,
		paidAt,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOrderExists
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// FindByReference returns the order with the given reference.
func (l *PostgresLedger) FindByReference(ctx context.Context, ref string) (o *Order, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationQuery)
	defer func() { endSpan(ignoreNotFound(err)) }()

	row := l.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_reference = $1`, ref)
	return scanOrder(row)
}

// FindByCheckoutID returns the order holding the given provider checkout id.
func (l *PostgresLedger) FindByCheckoutID(ctx context.Context, checkoutID string) (o *Order, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationQuery)
	defer func() { endSpan(ignoreNotFound(err)) }()

	row := l.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE provider_checkout_id = $1`, checkoutID)
	return scanOrder(row)
}

// AttachCheckoutID sets the provider checkout id once.
func (l *PostgresLedger) AttachCheckoutID(ctx context.Context, ref, checkoutID string) (err error) {
	if checkoutID == "" {
		return ErrInvalidOrder
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	result, err := l.db.ExecContext(ctx, `
		UPDATE orders
		SET provider_checkout_id = $2, updated_at = now()
		WHERE order_reference = $1
		  AND (provider_checkout_id IS NULL OR provider_checkout_id = $2)
	`, ref, checkoutID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOrderExists
		}
		return fmt.Errorf("failed to attach checkout id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if _, err := l.FindByReference(ctx, ref); err != nil {
		return err
	}
	return ErrCheckoutIDImmutable
}

// MarkPaid moves a pending order to paid. The UPDATE only matches a pending
// row, so concurrent callers race on the row lock and exactly one wins.
func (l *PostgresLedger) MarkPaid(ctx context.Context, ref string, p Payment, prov Provenance) (o *Order, transitioned bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}

	row := l.db.QueryRowContext(ctx, `
		UPDATE orders
		SET lifecycle_state = 'paid',
		    provenance = $2,
		    payment_method = $3,
		    paid_amount = $4,
		    paid_currency = $5,
		    paid_raw_status = $6,
		    paid_at = $7,
		    updated_at = now()
		WHERE order_reference = $1 AND lifecycle_state = 'pending'
		RETURNING `+orderColumns,
		ref, string(prov), p.Method, p.Amount, p.Currency, nullString(p.RawStatus), p.PaidAt,
	)
	o, err = scanOrder(row)
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, ErrOrderNotFound) {
		return nil, false, fmt.Errorf("failed to mark order paid: %w", err)
	}

	// No pending row matched: the order is missing, already paid, or something
	// changed it underneath us.
	current, err := l.FindByReference(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if current.IsPaid() {
		return current, false, nil
	}
	return nil, false, ErrInvariantViolation
}

// DeletePending removes a pending order.
func (l *PostgresLedger) DeletePending(ctx context.Context, ref string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	if _, err = l.db.ExecContext(ctx,
		`DELETE FROM orders WHERE order_reference = $1 AND lifecycle_state = 'pending'`, ref); err != nil {
		return fmt.Errorf("failed to delete pending order: %w", err)
	}
	return nil
}

// DeletePendingFor removes pending orders belonging to the owner.
func (l *PostgresLedger) DeletePendingFor(ctx context.Context, owner Owner) (deleted int64, err error) {
	if owner.IsZero() {
		return 0, nil
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	result, err := l.db.ExecContext(ctx, `
		DELETE FROM orders
		WHERE lifecycle_state = 'pending'
		  AND (
		    ($1 <> '' AND lower(customer_email) = lower($1))
		    OR ($2 <> '' AND customer_user_ref = $2)
		    OR ($3 <> '' AND order_reference = $3)
		  )
		  AND ($4::timestamptz IS NULL OR created_at < $4)
	`, owner.Email, owner.UserRef, owner.Reference,
		sql.NullTime{Time: owner.CreatedBefore, Valid: !owner.CreatedBefore.IsZero()})
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending orders: %w", err)
	}
	return result.RowsAffected()
}

// ListByCustomer returns the owner's orders, newest first.
func (l *PostgresLedger) ListByCustomer(ctx context.Context, owner Owner, limit int) (orders []*Order, err error) {
	if owner.IsZero() {
		return nil, nil
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE ($1 <> '' AND lower(customer_email) = lower($1))
		   OR ($2 <> '' AND customer_user_ref = $2)
		   OR ($3 <> '' AND order_reference = $3)
		ORDER BY created_at DESC, order_reference DESC
	`
	args := []any{owner.Email, owner.UserRef, owner.Reference}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	return l.list(ctx, query, args...)
}

// ListPaid returns every paid order, newest first.
func (l *PostgresLedger) ListPaid(ctx context.Context, limit int) (orders []*Order, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE lifecycle_state = 'paid'
		ORDER BY created_at DESC, order_reference DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return l.list(ctx, query, args...)
}

func (l *PostgresLedger) list(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	return orders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o                             Order
		checkoutID                    sql.NullString
		items, address                []byte
		state, provenance             string
		method, paidCurrency, paidRaw sql.NullString
		paidAmount                    decimal.NullDecimal
		paidAt                        sql.NullTime
	)

	err := row.Scan(
		&o.Reference,
		&checkoutID,
		&items,
		&o.Subtotal,
		&o.Currency,
		&state,
		&provenance,
		&o.Customer.UserRef,
		&o.Customer.Email,
		&o.Customer.Name,
		&address,
		&o.RequestedMethod,
		&method,
		&paidAmount,
		&paidCurrency,
		&paidRaw,
		&paidAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.CheckoutID = checkoutID.String
	o.State = Lifecycle(state)
	o.Provenance = Provenance(provenance)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to decode line items: %w", err)
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("failed to decode shipping address: %w", err)
		}
	}
	if o.State == StatePaid && paidAmount.Valid {
		o.Payment = &Payment{
			Method:    method.String,
			Amount:    paidAmount.Decimal,
			Currency:  paidCurrency.String,
			RawStatus: paidRaw.String,
			PaidAt:    paidAt.Time,
		}
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// ignoreNotFound keeps expected lookups misses off span error status.
func ignoreNotFound(err error) error {
	if errors.Is(err, ErrOrderNotFound) {
		return nil
	}
	return err
}
