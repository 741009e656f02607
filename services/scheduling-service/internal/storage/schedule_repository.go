package storage

import (
	"context"
	"time"

	"github.com/physiobook/physiobook/libs/db"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/availability"
	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
)

// ScheduleRepository serves the resolver's read side and the admin CRUD
// for recurring rules and date overrides. Reads run outside transactions;
// the booking engine re-reads everything under its own transaction.
type ScheduleRepository struct {
	pool *db.Pool
}

func NewScheduleRepository(pool *db.Pool) *ScheduleRepository {
	return &ScheduleRepository{pool: pool}
}

func (r *ScheduleRepository) ActiveRules(ctx context.Context, practitionerID string) ([]schedule.RecurringRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, practitioner_id::text, COALESCE(clinic_id::text, ''), weekday, start_minute, end_minute, is_active
		FROM recurring_rules
		WHERE practitioner_id = $1 AND is_active
		ORDER BY weekday, start_minute
	`, practitionerID)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (r *ScheduleRepository) ListRules(ctx context.Context, practitionerID string) ([]schedule.RecurringRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, practitioner_id::text, COALESCE(clinic_id::text, ''), weekday, start_minute, end_minute, is_active
		FROM recurring_rules
		WHERE practitioner_id = $1
		ORDER BY weekday, start_minute
	`, practitionerID)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (r *ScheduleRepository) CreateRule(ctx context.Context, rule *schedule.RecurringRule) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO recurring_rules (practitioner_id, clinic_id, weekday, start_minute, end_minute, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id::text
	`, rule.PractitionerID, nullIfEmpty(rule.ClinicID), int(rule.Weekday), rule.StartMinute, rule.EndMinute, rule.Active).
		Scan(&rule.ID)
	return wrapUnavailable(err)
}

func (r *ScheduleRepository) UpdateRule(ctx context.Context, rule schedule.RecurringRule) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE recurring_rules
		SET clinic_id = $3,
			weekday = $4,
			start_minute = $5,
			end_minute = $6,
			is_active = $7,
			updated_at = now()
		WHERE id = $1 AND practitioner_id = $2
	`, rule.ID, rule.PractitionerID, nullIfEmpty(rule.ClinicID), int(rule.Weekday), rule.StartMinute, rule.EndMinute, rule.Active)
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeactivateRule retires a rule without deleting it; existing bookings
// made under the rule stay valid.
func (r *ScheduleRepository) DeactivateRule(ctx context.Context, practitionerID, ruleID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE recurring_rules
		SET is_active = false, updated_at = now()
		WHERE id = $1 AND practitioner_id = $2
	`, ruleID, practitionerID)
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ScheduleRepository) OverridesInRange(ctx context.Context, practitionerID string, from, to time.Time) ([]schedule.Override, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, practitioner_id::text, COALESCE(clinic_id::text, ''), date, start_minute, end_minute, is_available, COALESCE(reason, '')
		FROM schedule_overrides
		WHERE practitioner_id = $1 AND date >= $2::date AND date < $3::date
		ORDER BY date, start_minute
	`, practitionerID, from, to)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	return scanOverrides(rows)
}

func (r *ScheduleRepository) CreateOverride(ctx context.Context, o *schedule.Override) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO schedule_overrides (practitioner_id, clinic_id, date, start_minute, end_minute, is_available, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id::text
	`, o.PractitionerID, nullIfEmpty(o.ClinicID), o.Date, o.StartMinute, o.EndMinute, o.Available, nullIfEmpty(o.Reason)).
		Scan(&o.ID)
	return wrapUnavailable(err)
}

func (r *ScheduleRepository) DeleteOverride(ctx context.Context, practitionerID, overrideID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM schedule_overrides
		WHERE id = $1 AND practitioner_id = $2
	`, overrideID, practitionerID)
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return tag.RowsAffected() > 0, nil
}

// BookedIntervals is the resolver's unlocked read of calendar-holding
// bookings.
func (r *ScheduleRepository) BookedIntervals(ctx context.Context, practitionerID string, from, to time.Time) ([]availability.Interval, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT start_time, start_time + make_interval(mins => duration_minutes)
		FROM bookings
		WHERE practitioner_id = $1
			AND status IN ('pending', 'confirmed')
			AND start_time < $3
			AND start_time + make_interval(mins => duration_minutes) > $2
		ORDER BY start_time
	`, practitionerID, from, to)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()

	var out []availability.Interval
	for rows.Next() {
		var iv availability.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	if rows.Err() != nil {
		return nil, wrapUnavailable(rows.Err())
	}
	return out, nil
}

