package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, a *models.Appointment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO appointments
		(id, number, client_id, vehicle_id, service_type, pickup_lat, pickup_lng,
		 scheduled_at, driver_id, status, amount_cents, currency, payment_intent_id,
		 notes, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12,NULLIF($13,''),$14,$15,$16)`,
		a.ID, a.Number, a.ClientID, a.VehicleID, a.ServiceType, a.Pickup.Lat, a.Pickup.Lng,
		a.ScheduledAt, a.DriverID, string(a.Status), a.AmountCents, a.Currency, a.PaymentIntent,
		a.Notes, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	for _, ch := range a.History {
		if err := appendHistoryTx(ctx, tx, a.ID, ch); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Appointment, error) {
	var a models.Appointment
	var driverID, paymentIntent sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT id, number, client_id, vehicle_id, service_type,
		pickup_lat, pickup_lng, scheduled_at, driver_id, status, amount_cents, currency,
		payment_intent_id, notes, created_at, updated_at
		FROM appointments WHERE id=$1`, id).Scan(
		&a.ID, &a.Number, &a.ClientID, &a.VehicleID, &a.ServiceType,
		&a.Pickup.Lat, &a.Pickup.Lng, &a.ScheduledAt, &driverID, &a.Status,
		&a.AmountCents, &a.Currency, &paymentIntent, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("appointment %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	a.DriverID = driverID.String
	a.PaymentIntent = paymentIntent.String

	rows, err := p.db.QueryContext(ctx, `SELECT status, at, actor, reason
		FROM appointment_status_history WHERE appointment_id=$1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ch models.StatusChange
		if err := rows.Scan(&ch.Status, &ch.At, &ch.Actor, &ch.Reason); err != nil {
			return nil, err
		}
		a.History = append(a.History, ch)
	}
	return &a, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, a *models.Appointment) error {
	res, err := p.db.ExecContext(ctx, `UPDATE appointments SET
		driver_id=NULLIF($1,''), status=$2, amount_cents=$3,
		payment_intent_id=NULLIF($4,''), notes=$5, updated_at=$6
		WHERE id=$7`,
		a.DriverID, string(a.Status), a.AmountCents, a.PaymentIntent, a.Notes, time.Now(), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("appointment %s not found", a.ID)
	}
	return nil
}

func (p *PostgresStore) AppendHistory(ctx context.Context, id string, ch models.StatusChange) error {
	return appendHistoryTx(ctx, p.db, id, ch)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendHistoryTx(ctx context.Context, db execer, id string, ch models.StatusChange) error {
	_, err := db.ExecContext(ctx, `INSERT INTO appointment_status_history
		(appointment_id, status, at, actor, reason) VALUES($1,$2,$3,$4,$5)`,
		id, string(ch.Status), ch.At, string(ch.Actor), ch.Reason)
	return err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Appointment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM appointments WHERE status=$1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.Appointment, 0, len(ids))
	for _, id := range ids {
		a, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
