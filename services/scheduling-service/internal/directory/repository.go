package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/physiobook/physiobook/libs/db"
)

// Repository manages the clinic/practitioner/treatment registry that
// schedules and bookings hang off.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

type Clinic struct {
	ID        string
	Name      string
	Timezone  string
	Active    bool
	CreatedAt time.Time
}

type Practitioner struct {
	ID        string
	ClinicID  string
	Name      string
	Active    bool
	CreatedAt time.Time
}

type TreatmentType struct {
	ID              string
	Name            string
	DurationMinutes int
	PriceCents      int64
	Active          bool
	CreatedAt       time.Time
}

func (r *Repository) CreateClinic(ctx context.Context, name string, timezone string) (string, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO clinics (id, name, timezone)
		VALUES ($1, $2, $3)
	`, id, name, timezone)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) ListClinics(ctx context.Context, limit int) ([]Clinic, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, name, timezone, is_active, created_at
		FROM clinics
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Clinic
	for rows.Next() {
		var c Clinic
		if err := rows.Scan(&c.ID, &c.Name, &c.Timezone, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) CreatePractitioner(ctx context.Context, clinicID string, name string) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO practitioners (id, clinic_id, name)
		VALUES ($1, $2, $3)
	`, id, clinicID, name)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetPractitioner(ctx context.Context, id string) (Practitioner, bool, error) {
	var p Practitioner
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, clinic_id::text, name, is_active, created_at
		FROM practitioners
		WHERE id = $1
	`, id).Scan(&p.ID, &p.ClinicID, &p.Name, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Practitioner{}, false, nil
	}
	if err != nil {
		return Practitioner{}, false, err
	}
	return p, true, nil
}

func (r *Repository) ListPractitioners(ctx context.Context, clinicID string, limit int) ([]Practitioner, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, clinic_id::text, name, is_active, created_at
		FROM practitioners
		WHERE ($1 = '' OR clinic_id::text = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, clinicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Practitioner
	for rows.Next() {
		var p Practitioner
		if err := rows.Scan(&p.ID, &p.ClinicID, &p.Name, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) SetPractitionerActive(ctx context.Context, id string, active bool) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE practitioners
		SET is_active = $2
		WHERE id = $1
	`, id, active)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) CreateTreatmentType(ctx context.Context, name string, durationMinutes int, priceCents int64) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO treatment_types (id, name, duration_minutes, price_cents)
		VALUES ($1, $2, $3, $4)
	`, id, name, durationMinutes, priceCents)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) ListTreatmentTypes(ctx context.Context, limit int) ([]TreatmentType, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, name, duration_minutes, price_cents, is_active, created_at
		FROM treatment_types
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TreatmentType
	for rows.Next() {
		var t TreatmentType
		if err := rows.Scan(&t.ID, &t.Name, &t.DurationMinutes, &t.PriceCents, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
