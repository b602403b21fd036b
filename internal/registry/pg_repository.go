package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

var _ Repository = (*PgRepository)(nil)

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var id, registeredBy string

	err := row.Scan(
		&id,
		&p.Name,
		&p.DOB,
		&registeredBy,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.ID = Principal(id)
	p.RegisteredBy = Principal(registeredBy)
	return &p, nil
}

func scanRecord(row pgx.Row) (*MedicalRecord, error) {
	var rec MedicalRecord
	var patientID, addedBy string

	err := row.Scan(
		&rec.ID,
		&patientID,
		&rec.Index,
		&rec.Diagnosis,
		&rec.Treatment,
		&rec.Timestamp,
		&addedBy,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.PatientID = Principal(patientID)
	rec.AddedBy = Principal(addedBy)
	return &rec, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	var actor, patientID string

	err := row.Scan(
		&ev.Seq,
		&ev.ID,
		&ev.Type,
		&actor,
		&patientID,
		&ev.Subject,
		&ev.Payload,
		&ev.CreatedAt,
		&ev.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Actor = Principal(actor)
	ev.PatientID = Principal(patientID)
	return &ev, nil
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Interface methods

func (r *PgRepository) GetPatient(ctx context.Context, id Principal) (*Patient, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, name, dob, registered_by, created_at
		FROM patients
		WHERE id = $1
	`, string(id))
	return scanPatient(row)
}

func (r *PgRepository) ListRecords(ctx context.Context, patientID Principal) ([]MedicalRecord, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, patient_id, idx, diagnosis, treatment, recorded_at, added_by, created_at
		FROM medical_records
		WHERE patient_id = $1
		ORDER BY idx
	`, string(patientID))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	result := []MedicalRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) HasGrant(ctx context.Context, patientID, grantee Principal) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM access_grants WHERE patient_id = $1 AND grantee = $2
		)
	`, string(patientID), string(grantee)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check grant: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) ListGrants(ctx context.Context, patientID Principal) ([]AccessGrant, error) {
	rows, err := r.q.Query(ctx, `
		SELECT patient_id, grantee, granted_at
		FROM access_grants
		WHERE patient_id = $1
		ORDER BY granted_at, grantee
	`, string(patientID))
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	result := []AccessGrant{}
	for rows.Next() {
		var g AccessGrant
		var pid, grantee string
		if err := rows.Scan(&pid, &grantee, &g.GrantedAt); err != nil {
			return nil, err
		}
		g.PatientID = Principal(pid)
		g.Grantee = Principal(grantee)
		result = append(result, g)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO patients (id, name, dob, registered_by, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, name, dob, registered_by, created_at
	`, string(p.ID), p.Name, p.DOB, string(p.RegisteredBy))

	created, err := scanPatient(row)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return created, nil
}

// AppendRecord locks the patient row before computing the next index, so
// appends for one patient are serialized even between processes that do not
// share the command lock.
func (r *PgRepository) AppendRecord(ctx context.Context, rec MedicalRecord) (*MedicalRecord, error) {
	if !r.inTx {
		var created *MedicalRecord
		err := r.WithinTx(ctx, func(tx Repository) error {
			var err error
			created, err = tx.AppendRecord(ctx, rec)
			return err
		})
		return created, err
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	var locked int
	err := r.q.QueryRow(ctx, `
		SELECT 1 FROM patients WHERE id = $1 FOR UPDATE
	`, string(rec.PatientID)).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("lock patient: %w", err)
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO medical_records (id, patient_id, idx, diagnosis, treatment, recorded_at, added_by, created_at)
		VALUES (
			$1, $2,
			(SELECT COALESCE(MAX(idx) + 1, 0) FROM medical_records WHERE patient_id = $2),
			$3, $4, $5, $6, now()
		)
		RETURNING id, patient_id, idx, diagnosis, treatment, recorded_at, added_by, created_at
	`, rec.ID, string(rec.PatientID), rec.Diagnosis, rec.Treatment, rec.Timestamp, string(rec.AddedBy))

	created, err := scanRecord(row)
	if err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("insert medical record: %w", err)
	}
	return created, nil
}

func (r *PgRepository) PutGrant(ctx context.Context, g AccessGrant) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO access_grants (patient_id, grantee, granted_at)
		VALUES ($1, $2, now())
		ON CONFLICT (patient_id, grantee) DO NOTHING
	`, string(g.PatientID), string(g.Grantee))
	if err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return false, ErrPatientNotFound
		}
		return false, fmt.Errorf("insert grant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) DeleteGrant(ctx context.Context, patientID, grantee Principal) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM access_grants
		WHERE patient_id = $1 AND grantee = $2
	`, string(patientID), string(grantee))
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO registry_events (id, event_type, actor, patient_id, subject, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, ev.ID, ev.Type, string(ev.Actor), string(ev.PatientID), ev.Subject, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert registry event: %w", err)
	}

	return nil
}

func (r *PgRepository) ListUnpublishedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.q.Query(ctx, `
		SELECT seq, id, event_type, actor, patient_id, subject, payload, created_at, published_at
		FROM registry_events
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1
	`, eventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) MarkEventPublished(ctx context.Context, seq int64, at time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE registry_events
		SET published_at = $2
		WHERE seq = $1 AND published_at IS NULL
	`, seq, at)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	return nil
}

func (r *PgRepository) WithinTx(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&PgRepository{pool: r.pool, q: tx, inTx: true})
	})
}

// eventLimit maps limit <= 0 to LIMIT NULL, which Postgres reads as no limit.
func eventLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
