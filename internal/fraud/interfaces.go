package fraud

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserFilter selects user records. Exactly one of the filter axes is
// normally set; combining them narrows the result.
type UserFilter struct {
	IDs                []uuid.UUID
	Plans              []PlanType
	WithRegistrationIP bool
}

// SessionFilter selects session records. Require* flags exclude rows
// with a NULL in the corresponding column.
type SessionFilter struct {
	UserIDs          []uuid.UUID
	RequireUserAgent bool
	RequireIP        bool
	RequireDeviceID  bool
}

// UserDirectory resolves user profiles. Implemented by the surrounding
// application; lookups must be batched by id-list.
type UserDirectory interface {
	Query(ctx context.Context, filter UserFilter) ([]*UserRecord, error)
}

// SessionStore reads session records most-recent-first. A limit <= 0
// means no cap.
type SessionStore interface {
	QueryRecent(ctx context.Context, filter SessionFilter, limit int) ([]*SessionRecord, error)
}

// WatchListStore persists flagged users. Insert returns
// ErrDuplicateWatchEntry on a unique-key collision; callers treat that
// as success.
type WatchListStore interface {
	ExistsByUserID(ctx context.Context, userID uuid.UUID) (bool, error)
	Insert(ctx context.Context, entry *WatchListEntry) error
	MarkConfirmedFraud(ctx context.Context, userID uuid.UUID, deviceID string, at time.Time) error
}
