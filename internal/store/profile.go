package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UserProfile is the singleton notification-preference record. All fields
// except UpdatedAt are nullable; defaults are applied by the policy layer.
type UserProfile struct {
	Timezone                *string
	QuietHoursStart         *string // "HH:MM" local wall clock
	QuietHoursEnd           *string
	QuietMode               *string // "critical_only" | "off"
	MuteUntil               *int64
	HeartbeatMorning        *string
	HeartbeatMidday         *string
	HeartbeatEvening        *string
	HeartbeatCadenceMinutes *int64
	HeartbeatOnlyIfSignal   bool
	OnboardingCompletedAt   *int64
	LastDigestAt            *int64
	UpdatedAt               int64
}

// ProfileRepo persists the singleton user profile.
type ProfileRepo struct {
	q dbtx
}

// Get returns the profile, or nil when none has been written yet.
func (r *ProfileRepo) Get(ctx context.Context) (*UserProfile, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT timezone, quiet_hours_start, quiet_hours_end, quiet_mode, mute_until,
			heartbeat_morning, heartbeat_midday, heartbeat_evening,
			heartbeat_cadence_minutes, heartbeat_only_if_signal,
			onboarding_completed_at, last_digest_at, updated_at
		FROM user_profile WHERE id = 1`)

	var p UserProfile
	err := row.Scan(
		&p.Timezone, &p.QuietHoursStart, &p.QuietHoursEnd, &p.QuietMode, &p.MuteUntil,
		&p.HeartbeatMorning, &p.HeartbeatMidday, &p.HeartbeatEvening,
		&p.HeartbeatCadenceMinutes, &p.HeartbeatOnlyIfSignal,
		&p.OnboardingCompletedAt, &p.LastDigestAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user profile: %w", err)
	}
	return &p, nil
}

// Upsert writes the whole profile record.
func (r *ProfileRepo) Upsert(ctx context.Context, p *UserProfile) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO user_profile (id, timezone, quiet_hours_start, quiet_hours_end, quiet_mode,
			mute_until, heartbeat_morning, heartbeat_midday, heartbeat_evening,
			heartbeat_cadence_minutes, heartbeat_only_if_signal,
			onboarding_completed_at, last_digest_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			timezone = excluded.timezone,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end,
			quiet_mode = excluded.quiet_mode,
			mute_until = excluded.mute_until,
			heartbeat_morning = excluded.heartbeat_morning,
			heartbeat_midday = excluded.heartbeat_midday,
			heartbeat_evening = excluded.heartbeat_evening,
			heartbeat_cadence_minutes = excluded.heartbeat_cadence_minutes,
			heartbeat_only_if_signal = excluded.heartbeat_only_if_signal,
			onboarding_completed_at = excluded.onboarding_completed_at,
			last_digest_at = excluded.last_digest_at,
			updated_at = excluded.updated_at`,
		p.Timezone, p.QuietHoursStart, p.QuietHoursEnd, p.QuietMode, p.MuteUntil,
		p.HeartbeatMorning, p.HeartbeatMidday, p.HeartbeatEvening,
		p.HeartbeatCadenceMinutes, p.HeartbeatOnlyIfSignal,
		p.OnboardingCompletedAt, p.LastDigestAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user profile: %w", err)
	}
	return nil
}

// SetMuteUntil updates only the mute deadline, creating the row if needed.
func (r *ProfileRepo) SetMuteUntil(ctx context.Context, muteUntil *int64, updatedAt int64) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO user_profile (id, mute_until, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET mute_until = excluded.mute_until, updated_at = excluded.updated_at`,
		muteUntil, updatedAt)
	if err != nil {
		return fmt.Errorf("set mute_until: %w", err)
	}
	return nil
}

// SetLastDigestAt updates only the digest watermark, creating the row if
// needed.
func (r *ProfileRepo) SetLastDigestAt(ctx context.Context, lastDigestAt, updatedAt int64) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO user_profile (id, last_digest_at, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET last_digest_at = excluded.last_digest_at, updated_at = excluded.updated_at`,
		lastDigestAt, updatedAt)
	if err != nil {
		return fmt.Errorf("set last_digest_at: %w", err)
	}
	return nil
}
