package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/car-relocation/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore serializes work on a request with SELECT ... FOR UPDATE on
// its row, so unrelated requests never wait on each other.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

const requestColumns = `id, owner_id, driver_id, title, description,
	pickup_address, pickup_lat, pickup_lon, dropoff_address, dropoff_lat, dropoff_lon,
	proposed_payment, status, cancelled_by, created_at, updated_at,
	scheduled_at, estimated_duration, actual_duration`

func (p *PostgresStore) CreateRequest(ctx context.Context, r models.Request) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		requestArgs(r)...)
	return mapPQError(err)
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

// Requests pages through the table by insertion sequence so the scan never
// holds a connection between yields.
func (p *PostgresStore) Requests(ctx context.Context) iter.Seq2[models.Request, error] {
	const pageSize = 200
	return func(yield func(models.Request, error) bool) {
		var after int64
		for {
			rows, err := p.db.QueryContext(ctx, `SELECT seq, `+requestColumns+`
				FROM requests WHERE seq > $1 ORDER BY seq LIMIT $2`, after, pageSize)
			if err != nil {
				yield(models.Request{}, err)
				return
			}
			page := make([]models.Request, 0, pageSize)
			for rows.Next() {
				var seq int64
				r, err := scanRequestWith(rows, &seq)
				if err != nil {
					_ = rows.Close()
					yield(models.Request{}, err)
					return
				}
				after = seq
				page = append(page, r)
			}
			err = rows.Err()
			_ = rows.Close()
			if err != nil {
				yield(models.Request{}, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

func (p *PostgresStore) WithinRequest(ctx context.Context, requestID string, fn func(tx RequestTx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1 FOR UPDATE`, requestID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx, request: r}); err != nil {
		return err
	}
	return mapPQError(tx.Commit())
}

const paymentColumns = `id, request_id, amount, fee, owner_charge, driver_settlement, refunded_amount,
	currency, method, status, stripe_payment_intent_id, swish_transaction_id,
	created_at, completed_at, refunded_at`

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (models.Payment, error) {
	return queryPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id), id)
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	return loadTrip(ctx, p.db, id)
}

func (p *PostgresStore) AppendMessage(ctx context.Context, m models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO chat_messages(id, request_id, sender_id, body, type, ts)
		VALUES($1,$2,$3,$4,$5,$6)`, m.ID, m.RequestID, m.SenderID, m.Body, string(m.Type), m.Timestamp)
	return mapPQError(err)
}

func (p *PostgresStore) Messages(ctx context.Context, requestID string) ([]models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, request_id, sender_id, body, type, ts
		FROM chat_messages WHERE request_id=$1 ORDER BY ts, id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var typ string
		if err := rows.Scan(&m.ID, &m.RequestID, &m.SenderID, &m.Body, &typ, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Type = models.MessageType(typ)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ReviewsFor(ctx context.Context, revieweeID string) ([]models.Review, error) {
	return queryReviews(ctx, p.db, `reviewee_id=$1`, revieweeID)
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

type pgTx struct {
	ctx     context.Context
	tx      *sql.Tx
	request models.Request
}

func (t *pgTx) Request() models.Request { return t.request }

func (t *pgTx) PutRequest(r models.Request) error {
	if r.ID != t.request.ID {
		return fmt.Errorf("%w: transaction is bound to request %s", models.ErrInvalidInput, t.request.ID)
	}
	_, err := t.tx.ExecContext(t.ctx, `UPDATE requests SET driver_id=$2, status=$3, cancelled_by=$4,
		updated_at=$5, estimated_duration=$6, actual_duration=$7 WHERE id=$1`,
		r.ID, nullString(r.DriverID), string(r.Status), r.CancelledBy, r.UpdatedAt,
		nullInt(r.EstimatedDuration), nullInt(r.ActualDuration))
	if err != nil {
		return err
	}
	t.request = r
	return nil
}

func (t *pgTx) Payment(id string) (models.Payment, error) {
	return queryPayment(t.tx.QueryRowContext(t.ctx, `SELECT `+paymentColumns+`
		FROM payments WHERE id=$1 AND request_id=$2`, id, t.request.ID), id)
}

func (t *pgTx) LivePayment() (models.Payment, error) {
	return queryPayment(t.tx.QueryRowContext(t.ctx, `SELECT `+paymentColumns+`
		FROM payments WHERE request_id=$1 AND status <> $2`, t.request.ID, string(models.PaymentRefunded)),
		"live payment for request "+t.request.ID)
}

func (t *pgTx) PutPayment(p models.Payment) error {
	if p.RequestID != t.request.ID {
		return fmt.Errorf("%w: payment belongs to request %s", models.ErrInvalidInput, p.RequestID)
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO payments(`+paymentColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, refunded_amount=EXCLUDED.refunded_amount,
			stripe_payment_intent_id=EXCLUDED.stripe_payment_intent_id,
			swish_transaction_id=EXCLUDED.swish_transaction_id,
			completed_at=EXCLUDED.completed_at, refunded_at=EXCLUDED.refunded_at`,
		p.ID, p.RequestID, p.Amount, p.Fee, p.OwnerCharge, p.DriverSettlement, p.RefundedAmount,
		p.Currency, string(p.Method), string(p.Status), p.StripePaymentIntentID, p.SwishTransactionID,
		p.CreatedAt, nullTime(p.CompletedAt), nullTime(p.RefundedAt))
	return mapPQError(err)
}

func (t *pgTx) Trip(id string) (models.Trip, error) {
	tr, err := loadTrip(t.ctx, t.tx, id)
	if err != nil {
		return models.Trip{}, err
	}
	if tr.RequestID != t.request.ID {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	return tr, nil
}

func (t *pgTx) CurrentTrip() (models.Trip, error) {
	var id string
	err := t.tx.QueryRowContext(t.ctx, `SELECT id FROM trips WHERE request_id=$1
		ORDER BY start_time DESC LIMIT 1`, t.request.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, fmt.Errorf("trip for request %s: %w", t.request.ID, models.ErrNotFound)
	}
	if err != nil {
		return models.Trip{}, err
	}
	return loadTrip(t.ctx, t.tx, id)
}

func (t *pgTx) PutTrip(tr models.Trip) error {
	if tr.RequestID != t.request.ID {
		return fmt.Errorf("%w: trip belongs to request %s", models.ErrInvalidInput, tr.RequestID)
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO trips(id, request_id, driver_id, start_time, end_time, cancelled_at, status)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET end_time=EXCLUDED.end_time, cancelled_at=EXCLUDED.cancelled_at, status=EXCLUDED.status`,
		tr.ID, tr.RequestID, tr.DriverID, tr.StartTime, nullTime(tr.EndTime), nullTime(tr.CancelledAt), string(tr.Status))
	if err != nil {
		return err
	}
	var stored int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT count(*) FROM trip_samples WHERE trip_id=$1`, tr.ID).Scan(&stored); err != nil {
		return err
	}
	for i := stored; i < len(tr.Route); i++ {
		s := tr.Route[i]
		if _, err := t.tx.ExecContext(t.ctx, `INSERT INTO trip_samples(trip_id, idx, lat, lon, at) VALUES($1,$2,$3,$4,$5)`,
			tr.ID, i, s.Coord.Lat, s.Coord.Lon, s.At); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) Reviews() ([]models.Review, error) {
	return queryReviews(t.ctx, t.tx, `request_id=$1`, t.request.ID)
}

func (t *pgTx) PutReview(rv models.Review) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO reviews(id, request_id, reviewer_id, reviewee_id, rating, comment, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`, rv.ID, rv.RequestID, rv.ReviewerID, rv.RevieweeID, rv.Rating, rv.Comment, rv.CreatedAt)
	err = mapPQError(err)
	if errors.Is(err, models.ErrInvalidInput) {
		return fmt.Errorf("%w: %s", models.ErrAlreadyReviewed, rv.ReviewerID)
	}
	return err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (models.Request, error) {
	return scanRequestWith(s)
}

func scanRequestWith(s scanner, prefix ...any) (models.Request, error) {
	var (
		r                 models.Request
		driver            sql.NullString
		status            string
		scheduled         sql.NullTime
		estimated, actual sql.NullInt64
	)
	dest := append(prefix,
		&r.ID, &r.OwnerID, &driver, &r.Title, &r.Description,
		&r.Pickup.Address, &r.Pickup.Coord.Lat, &r.Pickup.Coord.Lon,
		&r.Dropoff.Address, &r.Dropoff.Coord.Lat, &r.Dropoff.Coord.Lon,
		&r.ProposedPayment, &status, &r.CancelledBy, &r.CreatedAt, &r.UpdatedAt,
		&scheduled, &estimated, &actual)
	if err := s.Scan(dest...); err != nil {
		return models.Request{}, err
	}
	r.DriverID = driver.String
	r.Status = models.RequestStatus(status)
	if scheduled.Valid {
		at := scheduled.Time
		r.ScheduledAt = &at
	}
	r.EstimatedDuration = intPtr(estimated)
	r.ActualDuration = intPtr(actual)
	return r, nil
}

func requestArgs(r models.Request) []any {
	return []any{
		r.ID, r.OwnerID, nullString(r.DriverID), r.Title, r.Description,
		r.Pickup.Address, r.Pickup.Coord.Lat, r.Pickup.Coord.Lon,
		r.Dropoff.Address, r.Dropoff.Coord.Lat, r.Dropoff.Coord.Lon,
		r.ProposedPayment, string(r.Status), r.CancelledBy, r.CreatedAt, r.UpdatedAt,
		nullTime(r.ScheduledAt), nullInt(r.EstimatedDuration), nullInt(r.ActualDuration),
	}
}

func queryPayment(row *sql.Row, what string) (models.Payment, error) {
	var (
		p                   models.Payment
		method, status      string
		completed, refunded sql.NullTime
	)
	err := row.Scan(&p.ID, &p.RequestID, &p.Amount, &p.Fee, &p.OwnerCharge, &p.DriverSettlement, &p.RefundedAmount,
		&p.Currency, &method, &status, &p.StripePaymentIntentID, &p.SwishTransactionID,
		&p.CreatedAt, &completed, &refunded)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Payment{}, fmt.Errorf("payment %s: %w", what, models.ErrNotFound)
	}
	if err != nil {
		return models.Payment{}, err
	}
	p.Method = models.PaymentMethod(method)
	p.Status = models.PaymentStatus(status)
	p.CompletedAt = timePtr(completed)
	p.RefundedAt = timePtr(refunded)
	return p, nil
}

func loadTrip(ctx context.Context, q querier, id string) (models.Trip, error) {
	var (
		tr             models.Trip
		status         string
		end, cancelled sql.NullTime
	)
	err := q.QueryRowContext(ctx, `SELECT id, request_id, driver_id, start_time, end_time, cancelled_at, status
		FROM trips WHERE id=$1`, id).Scan(&tr.ID, &tr.RequestID, &tr.DriverID, &tr.StartTime, &end, &cancelled, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Trip{}, err
	}
	tr.Status = models.TripStatus(status)
	tr.EndTime = timePtr(end)
	tr.CancelledAt = timePtr(cancelled)

	rows, err := q.QueryContext(ctx, `SELECT lat, lon, at FROM trip_samples WHERE trip_id=$1 ORDER BY idx`, id)
	if err != nil {
		return models.Trip{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var s models.RouteSample
		if err := rows.Scan(&s.Coord.Lat, &s.Coord.Lon, &s.At); err != nil {
			return models.Trip{}, err
		}
		tr.Route = append(tr.Route, s)
	}
	return tr, rows.Err()
}

func queryReviews(ctx context.Context, q querier, where string, arg string) ([]models.Review, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, request_id, reviewer_id, reviewee_id, rating, comment, created_at
		FROM reviews WHERE `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Review
	for rows.Next() {
		var rv models.Review
		if err := rows.Scan(&rv.ID, &rv.RequestID, &rv.ReviewerID, &rv.RevieweeID, &rv.Rating, &rv.Comment, &rv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

// mapPQError turns constraint violations into domain errors.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			if pqErr.Constraint == "payments_live_idx" {
				return fmt.Errorf("%w: %s", models.ErrAlreadyCaptured, pqErr.Message)
			}
			return fmt.Errorf("%w: %s", models.ErrInvalidInput, pqErr.Message)
		case "foreign_key_violation":
			return fmt.Errorf("%w: %s", models.ErrNotFound, pqErr.Message)
		case "check_violation":
			return fmt.Errorf("%w: %s", models.ErrInvalidInput, pqErr.Message)
		}
	}
	return err
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
