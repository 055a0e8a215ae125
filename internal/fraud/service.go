package fraud

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opositia/examprep/pkg/logger"
	"go.uber.org/zap"
)

// ErrDuplicateWatchEntry signals a unique-key collision on watch list
// insert. It is an expected race condition and is always swallowed.
var ErrDuplicateWatchEntry = errors.New("watch list entry already exists")

// Service is the account correlation and fraud scoring engine. It is a
// bounded batch computation over immutable input snapshots; all state
// is local to a single run.
type Service struct {
	users     UserDirectory
	sessions  SessionStore
	watchlist WatchListStore
	cfg       Config
}

// NewService creates a fraud detection service
func NewService(users UserDirectory, sessions SessionStore, watchlist WatchListStore, cfg Config) *Service {
	return &Service{
		users:     users,
		sessions:  sessions,
		watchlist: watchlist,
		cfg:       cfg,
	}
}

// AggregateClusters runs both clustering passes and returns deduplicated
// clusters sorted by suspicion score descending, together with the raw
// groups they were derived from. Every pass is attempted even when an
// earlier one failed; the joined error reports each failed pass.
func (s *Service) AggregateClusters(ctx context.Context) ([]*MultiAccountCluster, []*IPGroup, []*DeviceGroup, error) {
	var errs []error

	ipGroups, err := s.BuildIPGroups(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	deviceGroups, err := s.BuildDeviceGroups(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]struct{})
	clusters := make([]*MultiAccountCluster, 0, len(ipGroups))

	// Pass 1: same registration IP, enriched with pairwise evidence
	// and a corroboration bonus from device groups.
	coPresent := deviceGroupPairs(deviceGroups)
	for _, group := range ipGroups {
		cluster := s.buildSameIPCluster(group, coPresent)
		clusters = append(clusters, cluster)

		seen[memberSetKey(cluster.Members)] = struct{}{}
		for i := 0; i < len(cluster.Members); i++ {
			for j := i + 1; j < len(cluster.Members); j++ {
				seen[pairKey(cluster.Members[i], cluster.Members[j])] = struct{}{}
			}
		}
	}

	// Pass 2: identical fingerprint across different IPs, consulting
	// the dedup set so identical member sets are not re-reported.
	vpnClusters, err := s.matchCrossIPDevices(ctx, seen)
	if err != nil {
		errs = append(errs, err)
	} else {
		clusters = append(clusters, vpnClusters...)
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].SuspicionScore > clusters[j].SuspicionScore })
	return clusters, ipGroups, deviceGroups, errors.Join(errs...)
}

func (s *Service) buildSameIPCluster(group *IPGroup, coPresent map[string]struct{}) *MultiAccountCluster {
	score := s.cfg.IPClusterBaseScore
	reasons := []string{"shared registration IP"}

	if hasSameNamePair(group.Users) {
		score += s.cfg.SameNameWeight
		reasons = append(reasons, "members share the same full name")
	}
	if group.HasPremium {
		score += s.cfg.PremiumMemberWeight
		reasons = append(reasons, "premium member present")
	}
	if hasCloseRegistrationPair(group.Users, s.cfg.CloseRegistrationWindow) {
		score += s.cfg.CloseRegistrationWeight
		reasons = append(reasons, "registrations within 7 days of each other")
	}
	if anyPairCoPresent(group.Users, coPresent) {
		score += s.cfg.DeviceCorroborationBonus
		reasons = append(reasons, "members also co-occur in a device group")
	}

	return &MultiAccountCluster{
		Members:         memberIDs(group.Users),
		Emails:          memberEmails(group.Users),
		DetectionMethod: DetectionSameIP,
		SuspicionScore:  score,
		Confidence:      s.cfg.ConfidenceFor(score),
		Reasons:         reasons,
		SharedIP:        group.IP,
	}
}

// deviceGroupPairs indexes every unordered user pair that co-occurs in
// some device group.
func deviceGroupPairs(groups []*DeviceGroup) map[string]struct{} {
	pairs := make(map[string]struct{})
	for _, g := range groups {
		for i := 0; i < len(g.Users); i++ {
			for j := i + 1; j < len(g.Users); j++ {
				pairs[pairKey(g.Users[i].ID, g.Users[j].ID)] = struct{}{}
			}
		}
	}
	return pairs
}

func anyPairCoPresent(users []*UserRecord, pairs map[string]struct{}) bool {
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			if _, ok := pairs[pairKey(users[i].ID, users[j].ID)]; ok {
				return true
			}
		}
	}
	return false
}

// DetectPremiumAbuse flags paid accounts used from an implausible
// number of distinct IPs or cities.
func (s *Service) DetectPremiumAbuse(ctx context.Context) ([]*PremiumAbuseRecord, error) {
	paidUsers, err := s.users.Query(ctx, UserFilter{Plans: []PlanType{PlanPremium, PlanSemestral, PlanAnual}})
	if err != nil {
		return nil, fmt.Errorf("querying paid users: %w", err)
	}

	records := make([]*PremiumAbuseRecord, 0)
	for _, user := range paidUsers {
		sessions, err := s.sessions.QueryRecent(ctx, SessionFilter{UserIDs: []uuid.UUID{user.ID}, RequireIP: true}, s.cfg.PerUserSessionLimit)
		if err != nil {
			return nil, fmt.Errorf("querying sessions for user %s: %w", user.ID, err)
		}
		if len(sessions) <= 1 {
			continue
		}

		ips := distinctValues(sessions, func(sess *SessionRecord) string { return sess.IPAddress })
		cities := distinctValues(sessions, func(sess *SessionRecord) string { return sess.City })

		if len(ips) <= s.cfg.PremiumAbuseIPThreshold && len(cities) <= s.cfg.PremiumAbuseCityThreshold {
			continue
		}

		audit := sessions
		if len(audit) > s.cfg.PremiumAbuseAuditSessions {
			audit = audit[:s.cfg.PremiumAbuseAuditSessions]
		}

		records = append(records, &PremiumAbuseRecord{
			User:           user,
			SessionCount:   len(sessions),
			DistinctIPs:    ips,
			DistinctCities: cities,
			RecentSessions: audit,
		})
	}

	return records, nil
}

func distinctValues(sessions []*SessionRecord, key func(*SessionRecord) string) []string {
	seen := make(map[string]struct{})
	values := make([]string, 0)
	for _, sess := range sessions {
		v := key(sess)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return values
}

// ResolveConfirmedFraud resolves device-identifier collisions into
// authoritative fraud findings and marks the involved watch-list rows.
// The finding does not depend on, nor is overridden by, any suspicion
// score. Mark failures do not abort the resolution: the groups are
// returned alongside the joined mark error.
func (s *Service) ResolveConfirmedFraud(ctx context.Context) ([]*ConfirmedFraudGroup, error) {
	sessions, err := s.sessions.QueryRecent(ctx, SessionFilter{RequireDeviceID: true}, 0)
	if err != nil {
		return nil, fmt.Errorf("querying sessions with device id: %w", err)
	}

	byDevice := make(map[string]map[uuid.UUID]struct{})
	for _, sess := range sessions {
		deviceID := *sess.DeviceID
		if byDevice[deviceID] == nil {
			byDevice[deviceID] = make(map[uuid.UUID]struct{})
		}
		byDevice[deviceID][sess.UserID] = struct{}{}
	}

	groups := make([]*ConfirmedFraudGroup, 0)
	var markErrs []error
	now := time.Now()
	for deviceID, userIDs := range byDevice {
		if len(userIDs) < 2 {
			continue
		}

		profiles, err := s.resolveProfiles(ctx, userIDs)
		if err != nil {
			return nil, err
		}
		users := make([]*UserRecord, 0, len(profiles))
		for id := range userIDs {
			if p, ok := profiles[id]; ok {
				users = append(users, p)
			}
		}
		if len(users) < 2 {
			continue
		}

		groups = append(groups, &ConfirmedFraudGroup{
			DeviceID:  deviceID,
			Users:     users,
			UserCount: len(users),
		})

		for _, u := range users {
			if err := s.watchlist.MarkConfirmedFraud(ctx, u.ID, deviceID, now); err != nil {
				logger.Error("failed to mark confirmed fraud",
					zap.String("user_id", u.ID.String()),
					zap.String("device_id", deviceID),
					zap.Error(err),
				)
				markErrs = append(markErrs, fmt.Errorf("marking user %s on device %s: %w", u.ID, deviceID, err))
			}
		}
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].UserCount > groups[j].UserCount })
	return groups, errors.Join(markErrs...)
}

// SyncWatchList idempotently persists members of high-score clusters.
// Duplicate-key failures are treated as success.
func (s *Service) SyncWatchList(ctx context.Context, clusters []*MultiAccountCluster) error {
	for _, cluster := range clusters {
		if cluster.SuspicionScore < s.cfg.WatchListThreshold {
			continue
		}

		for _, userID := range cluster.Members {
			exists, err := s.watchlist.ExistsByUserID(ctx, userID)
			if err != nil {
				return fmt.Errorf("checking watch list for %s: %w", userID, err)
			}
			if exists {
				continue
			}

			entry := &WatchListEntry{
				ID:     uuid.New(),
				UserID: userID,
				Reason: string(cluster.DetectionMethod),
				DetectionDetails: map[string]interface{}{
					"detection_method": cluster.DetectionMethod,
					"shared_ip":        cluster.SharedIP,
					"fingerprint":      cluster.Fingerprint,
					"suspicion_score":  cluster.SuspicionScore,
					"reasons":          cluster.Reasons,
					"related_emails":   cluster.Emails,
				},
				SuspicionScore: cluster.SuspicionScore,
				RelatedUsers:   otherMembers(cluster.Members, userID),
				CreatedAt:      time.Now(),
			}

			if err := s.watchlist.Insert(ctx, entry); err != nil {
				if errors.Is(err, ErrDuplicateWatchEntry) {
					// Concurrent run already inserted this user
					continue
				}
				return fmt.Errorf("inserting watch list entry for %s: %w", userID, err)
			}
		}
	}
	return nil
}

func otherMembers(members []uuid.UUID, except uuid.UUID) []uuid.UUID {
	others := make([]uuid.UUID, 0, len(members)-1)
	for _, id := range members {
		if id != except {
			others = append(others, id)
		}
	}
	return others
}

// RunDetection executes every detector over a fresh snapshot. A failure
// in one detector never prevents the others from returning or
// persisting their results; the report carries a structured error
// summary instead.
func (s *Service) RunDetection(ctx context.Context) *DetectionReport {
	start := time.Now()
	report := &DetectionReport{
		GeneratedAt:    start,
		IPGroups:       []*IPGroup{},
		DeviceGroups:   []*DeviceGroup{},
		Clusters:       []*MultiAccountCluster{},
		PremiumAbuse:   []*PremiumAbuseRecord{},
		ConfirmedFraud: []*ConfirmedFraudGroup{},
	}

	clusters, ipGroups, deviceGroups, err := s.AggregateClusters(ctx)
	if ipGroups != nil {
		report.IPGroups = ipGroups
	}
	if deviceGroups != nil {
		report.DeviceGroups = deviceGroups
	}
	if clusters != nil {
		report.Clusters = clusters
	}
	if err != nil {
		report.Errors = append(report.Errors, DetectorError{Detector: "multi_account", Message: err.Error()})
		logger.Error("multi-account aggregation failed", zap.Error(err))
	}
	// Clusters present at this point came from passes that succeeded,
	// so they are still synced even if a later pass failed.
	if len(report.Clusters) > 0 {
		if syncErr := s.SyncWatchList(ctx, report.Clusters); syncErr != nil {
			report.Errors = append(report.Errors, DetectorError{Detector: "watch_list_sync", Message: syncErr.Error()})
			logger.Error("watch list sync failed", zap.Error(syncErr))
		}
	}

	premium, err := s.DetectPremiumAbuse(ctx)
	if err != nil {
		report.Errors = append(report.Errors, DetectorError{Detector: "premium_abuse", Message: err.Error()})
		logger.Error("premium abuse detection failed", zap.Error(err))
	} else {
		report.PremiumAbuse = premium
	}

	confirmed, err := s.ResolveConfirmedFraud(ctx)
	if confirmed != nil {
		report.ConfirmedFraud = confirmed
	}
	if err != nil {
		// Groups present with an error means resolution worked but
		// some watch-list rows could not be marked.
		detector := "confirmed_fraud"
		if confirmed != nil {
			detector = "confirmed_fraud_mark"
		}
		report.Errors = append(report.Errors, DetectorError{Detector: detector, Message: err.Error()})
		logger.Error("confirmed fraud pass failed", zap.Error(err))
	}

	recordRunMetrics(report, time.Since(start))
	logger.Info("fraud detection run completed",
		zap.Int("clusters", len(report.Clusters)),
		zap.Int("ip_groups", len(report.IPGroups)),
		zap.Int("device_groups", len(report.DeviceGroups)),
		zap.Int("premium_abuse", len(report.PremiumAbuse)),
		zap.Int("confirmed_fraud", len(report.ConfirmedFraud)),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("took", time.Since(start)),
	)

	return report
}

// Summarize computes the aggregate counts consumed by dashboard widgets.
func Summarize(report *DetectionReport) *DetectionSummary {
	byTier := make(map[Confidence]int)
	for _, c := range report.Clusters {
		byTier[c.Confidence]++
	}
	return &DetectionSummary{
		GeneratedAt:         report.GeneratedAt,
		IPGroupCount:        len(report.IPGroups),
		DeviceGroupCount:    len(report.DeviceGroups),
		ClusterCount:        len(report.Clusters),
		ClustersByTier:      byTier,
		PremiumAbuseCount:   len(report.PremiumAbuse),
		ConfirmedFraudCount: len(report.ConfirmedFraud),
		ErrorCount:          len(report.Errors),
	}
}
