package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements the engine's store interfaces on PostgreSQL
type Repository struct {
	db *pgxpool.Pool
}

// Ensure the concrete repository satisfies the service's requirements.
var (
	_ UserDirectory  = (*Repository)(nil)
	_ SessionStore   = (*Repository)(nil)
	_ WatchListStore = (*Repository)(nil)
)

// NewRepository creates a new fraud repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const pgUniqueViolation = "23505"

// Query retrieves user records matching the filter
func (r *Repository) Query(ctx context.Context, filter UserFilter) ([]*UserRecord, error) {
	query := `
		SELECT id, email, COALESCE(full_name, ''), registration_ip, created_at, plan_type
		FROM users
		WHERE 1=1
	`
	args := make([]interface{}, 0, 2)

	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		query += fmt.Sprintf(" AND id = ANY($%d)", len(args))
	}
	if len(filter.Plans) > 0 {
		plans := make([]string, len(filter.Plans))
		for i, p := range filter.Plans {
			plans[i] = string(p)
		}
		args = append(args, plans)
		query += fmt.Sprintf(" AND plan_type = ANY($%d)", len(args))
	}
	if filter.WithRegistrationIP {
		query += " AND registration_ip IS NOT NULL"
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]*UserRecord, 0)
	for rows.Next() {
		var user UserRecord
		err := rows.Scan(
			&user.ID,
			&user.Email,
			&user.FullName,
			&user.RegistrationIP,
			&user.CreatedAt,
			&user.PlanType,
		)
		if err != nil {
			return nil, err
		}
		users = append(users, &user)
	}

	return users, rows.Err()
}

// QueryRecent retrieves session records most-recent-first
func (r *Repository) QueryRecent(ctx context.Context, filter SessionFilter, limit int) ([]*SessionRecord, error) {
	query := `
		SELECT id, user_id, user_agent, COALESCE(ip_address, ''), COALESCE(city, ''),
		       COALESCE(region, ''), COALESCE(country_code, ''), session_start,
		       screen_resolution, color_depth, pixel_ratio, device_id
		FROM user_sessions
		WHERE 1=1
	`
	args := make([]interface{}, 0, 2)

	if len(filter.UserIDs) > 0 {
		args = append(args, filter.UserIDs)
		query += fmt.Sprintf(" AND user_id = ANY($%d)", len(args))
	}
	if filter.RequireUserAgent {
		query += " AND user_agent IS NOT NULL"
	}
	if filter.RequireIP {
		query += " AND ip_address IS NOT NULL"
	}
	if filter.RequireDeviceID {
		query += " AND device_id IS NOT NULL"
	}

	query += " ORDER BY session_start DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]*SessionRecord, 0)
	for rows.Next() {
		var sess SessionRecord
		err := rows.Scan(
			&sess.ID,
			&sess.UserID,
			&sess.UserAgent,
			&sess.IPAddress,
			&sess.City,
			&sess.Region,
			&sess.CountryCode,
			&sess.SessionStart,
			&sess.ScreenResolution,
			&sess.ColorDepth,
			&sess.PixelRatio,
			&sess.DeviceID,
		)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

// ExistsByUserID checks whether a user is already on the watch list
func (r *Repository) ExistsByUserID(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM fraud_watch_list WHERE user_id = $1)`
	if err := r.db.QueryRow(ctx, query, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Insert adds a watch list entry. A unique-key collision is surfaced as
// ErrDuplicateWatchEntry so the caller can treat it as success.
func (r *Repository) Insert(ctx context.Context, entry *WatchListEntry) error {
	detailsJSON, err := json.Marshal(entry.DetectionDetails)
	if err != nil {
		return err
	}

	related := make([]string, len(entry.RelatedUsers))
	for i, id := range entry.RelatedUsers {
		related[i] = id.String()
	}

	query := `
		INSERT INTO fraud_watch_list (
			id, user_id, reason, detection_details, suspicion_score,
			related_users, confirmed_fraud, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`

	_, err = r.db.Exec(ctx, query,
		entry.ID,
		entry.UserID,
		entry.Reason,
		detailsJSON,
		entry.SuspicionScore,
		related,
		entry.CreatedAt,
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateWatchEntry
	}
	return err
}

// MarkConfirmedFraud upserts the confirmed-fraud marking for a user.
// The transition is monotonic: confirmed_fraud only ever goes
// false to true.
func (r *Repository) MarkConfirmedFraud(ctx context.Context, userID uuid.UUID, deviceID string, at time.Time) error {
	query := `
		INSERT INTO fraud_watch_list (
			id, user_id, reason, detection_details, suspicion_score,
			related_users, confirmed_fraud, confirmed_device_id, confirmed_at, created_at
		) VALUES ($1, $2, 'confirmed_device_sharing', '{}', 0, '{}', TRUE, $3, $4, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			confirmed_fraud = TRUE,
			confirmed_device_id = EXCLUDED.confirmed_device_id,
			confirmed_at = COALESCE(fraud_watch_list.confirmed_at, EXCLUDED.confirmed_at)
	`

	_, err := r.db.Exec(ctx, query, uuid.New(), userID, deviceID, at)
	return err
}
