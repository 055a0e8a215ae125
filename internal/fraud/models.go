package fraud

import (
	"time"

	"github.com/google/uuid"
)

// PlanType represents a user's subscription plan
type PlanType string

const (
	PlanFree      PlanType = "free"
	PlanPremium   PlanType = "premium"
	PlanSemestral PlanType = "semestral"
	PlanAnual     PlanType = "anual"
)

// IsPaid reports whether the plan is a paid subscription
func (p PlanType) IsPaid() bool {
	return p == PlanPremium || p == PlanSemestral || p == PlanAnual
}

// DetectionMethod identifies which clustering strategy produced a cluster
type DetectionMethod string

const (
	DetectionSameIP        DetectionMethod = "same_ip"
	DetectionSameDeviceVPN DetectionMethod = "same_device_vpn"
)

// Confidence is the categorical tier derived from a suspicion score
type Confidence string

const (
	ConfidenceBaja    Confidence = "baja"
	ConfidenceMedia   Confidence = "media"
	ConfidenceAlta    Confidence = "alta"
	ConfidenceMuyAlta Confidence = "muy alta"
)

// UserRecord is a read-only snapshot of a user account
type UserRecord struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	FullName       string    `json:"full_name"`
	RegistrationIP *string   `json:"registration_ip,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	PlanType       PlanType  `json:"plan_type"`
}

// SessionRecord is a read-only snapshot of a user session
type SessionRecord struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"user_id"`
	UserAgent        *string   `json:"user_agent,omitempty"`
	IPAddress        string    `json:"ip_address"`
	City             string    `json:"city"`
	Region           string    `json:"region"`
	CountryCode      string    `json:"country_code"`
	SessionStart     time.Time `json:"session_start"`
	ScreenResolution *string   `json:"screen_resolution,omitempty"`
	ColorDepth       *int      `json:"color_depth,omitempty"`
	PixelRatio       *float64  `json:"pixel_ratio,omitempty"`
	DeviceID         *string   `json:"device_id,omitempty"`
}

// IPGroup is a set of accounts registered from the same IP
type IPGroup struct {
	IP         string        `json:"ip"`
	Users      []*UserRecord `json:"users"`
	HasPremium bool          `json:"has_premium"`
	Count      int           `json:"count"`
}

// DeviceGroupMember summarizes one user's sessions inside a device group
type DeviceGroupMember struct {
	UserID       uuid.UUID `json:"user_id"`
	SessionCount int       `json:"session_count"`
	FirstSession time.Time `json:"first_session"`
	LastSession  time.Time `json:"last_session"`
}

// DeviceGroup is a set of accounts seen on the same (IP, device category)
type DeviceGroup struct {
	IP                   string              `json:"ip"`
	DeviceCategory       string              `json:"device_category"`
	Users                []*UserRecord       `json:"users"`
	UserCount            int                 `json:"user_count"`
	HasPremium           bool                `json:"has_premium"`
	HasCloseTimeSessions bool                `json:"has_close_time_sessions"`
	SuspicionScore       int                 `json:"suspicion_score"`
	SessionDetails       []DeviceGroupMember `json:"session_details"`
}

// MultiAccountCluster is a scored group of probably-related accounts
type MultiAccountCluster struct {
	Members         []uuid.UUID     `json:"members"`
	Emails          []string        `json:"emails"`
	DetectionMethod DetectionMethod `json:"detection_method"`
	SuspicionScore  int             `json:"suspicion_score"`
	Confidence      Confidence      `json:"confidence"`
	Reasons         []string        `json:"reasons"`
	SharedIP        string          `json:"shared_ip,omitempty"`
	Fingerprint     string          `json:"fingerprint,omitempty"`
}

// WatchListEntry is a persisted flag on a user awaiting review
type WatchListEntry struct {
	ID                uuid.UUID              `json:"id"`
	UserID            uuid.UUID              `json:"user_id"`
	Reason            string                 `json:"reason"`
	DetectionDetails  map[string]interface{} `json:"detection_details"`
	SuspicionScore    int                    `json:"suspicion_score"`
	RelatedUsers      []uuid.UUID            `json:"related_users"`
	ConfirmedFraud    bool                   `json:"confirmed_fraud"`
	ConfirmedDeviceID *string                `json:"confirmed_device_id,omitempty"`
	ConfirmedAt       *time.Time             `json:"confirmed_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// PremiumAbuseRecord flags a paid account used from too many places
type PremiumAbuseRecord struct {
	User           *UserRecord      `json:"user"`
	SessionCount   int              `json:"session_count"`
	DistinctIPs    []string         `json:"distinct_ips"`
	DistinctCities []string         `json:"distinct_cities"`
	RecentSessions []*SessionRecord `json:"recent_sessions"`
}

// ConfirmedFraudGroup is an authoritative device-identifier collision
type ConfirmedFraudGroup struct {
	DeviceID  string        `json:"device_id"`
	Users     []*UserRecord `json:"users"`
	UserCount int           `json:"user_count"`
}

// DetectorError records a detector pass that failed during a run
type DetectorError struct {
	Detector string `json:"detector"`
	Message  string `json:"message"`
}

// DetectionReport is the full output of one detection run
type DetectionReport struct {
	GeneratedAt    time.Time              `json:"generated_at"`
	IPGroups       []*IPGroup             `json:"ip_groups"`
	DeviceGroups   []*DeviceGroup         `json:"device_groups"`
	Clusters       []*MultiAccountCluster `json:"clusters"`
	PremiumAbuse   []*PremiumAbuseRecord  `json:"premium_abuse"`
	ConfirmedFraud []*ConfirmedFraudGroup `json:"confirmed_fraud"`
	Errors         []DetectorError        `json:"errors,omitempty"`
}

// DetectionSummary holds aggregate counts for dashboard widgets
type DetectionSummary struct {
	GeneratedAt         time.Time          `json:"generated_at"`
	IPGroupCount        int                `json:"ip_group_count"`
	DeviceGroupCount    int                `json:"device_group_count"`
	ClusterCount        int                `json:"cluster_count"`
	ClustersByTier      map[Confidence]int `json:"clusters_by_tier"`
	PremiumAbuseCount   int                `json:"premium_abuse_count"`
	ConfirmedFraudCount int                `json:"confirmed_fraud_count"`
	ErrorCount          int                `json:"error_count"`
}
