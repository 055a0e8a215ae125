package fraud

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BuildIPGroups groups user accounts sharing a registration IP.
// Only groups with more than one member are emitted, sorted by member
// count descending. No side effects.
func (s *Service) BuildIPGroups(ctx context.Context) ([]*IPGroup, error) {
	users, err := s.users.Query(ctx, UserFilter{WithRegistrationIP: true})
	if err != nil {
		return nil, fmt.Errorf("querying users with registration ip: %w", err)
	}

	byIP := make(map[string][]*UserRecord)
	for _, u := range users {
		if u.RegistrationIP == nil || *u.RegistrationIP == "" {
			continue
		}
		byIP[*u.RegistrationIP] = append(byIP[*u.RegistrationIP], u)
	}

	groups := make([]*IPGroup, 0)
	for ip, members := range byIP {
		if len(members) < 2 {
			continue
		}
		groups = append(groups, &IPGroup{
			IP:         ip,
			Users:      members,
			HasPremium: hasPremiumMember(members),
			Count:      len(members),
		})
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Count > groups[j].Count })
	return groups, nil
}

// deviceGroupAccumulator collects per-user session stats under one
// (ip, device category) key.
type deviceGroupAccumulator struct {
	ip       string
	category string
	members  map[uuid.UUID]*DeviceGroupMember
}

// BuildDeviceGroups groups a bounded most-recent-first session window
// by (IP, coarse device category) and scores groups with at least two
// distinct users that resolve to known profiles.
func (s *Service) BuildDeviceGroups(ctx context.Context) ([]*DeviceGroup, error) {
	sessions, err := s.sessions.QueryRecent(ctx, SessionFilter{RequireUserAgent: true}, s.cfg.SessionWindowLimit)
	if err != nil {
		return nil, fmt.Errorf("querying recent sessions: %w", err)
	}

	accs := make(map[string]*deviceGroupAccumulator)
	for _, sess := range sessions {
		// Sessions with no recorded IP would all collapse into one
		// bogus ("", category) group.
		if sess.IPAddress == "" {
			continue
		}
		category := DeviceCategory(sess)
		key := sess.IPAddress + "\x00" + category

		acc, ok := accs[key]
		if !ok {
			acc = &deviceGroupAccumulator{
				ip:       sess.IPAddress,
				category: category,
				members:  make(map[uuid.UUID]*DeviceGroupMember),
			}
			accs[key] = acc
		}

		m, ok := acc.members[sess.UserID]
		if !ok {
			acc.members[sess.UserID] = &DeviceGroupMember{
				UserID:       sess.UserID,
				SessionCount: 1,
				FirstSession: sess.SessionStart,
				LastSession:  sess.SessionStart,
			}
			continue
		}
		m.SessionCount++
		if sess.SessionStart.Before(m.FirstSession) {
			m.FirstSession = sess.SessionStart
		}
		if sess.SessionStart.After(m.LastSession) {
			m.LastSession = sess.SessionStart
		}
	}

	// Collect candidate user ids across all groups so profiles are
	// resolved with a single batched id-list query.
	candidateIDs := make(map[uuid.UUID]struct{})
	candidates := make([]*deviceGroupAccumulator, 0)
	for _, acc := range accs {
		if len(acc.members) < 2 {
			continue
		}
		candidates = append(candidates, acc)
		for id := range acc.members {
			candidateIDs[id] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return []*DeviceGroup{}, nil
	}

	profiles, err := s.resolveProfiles(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}

	groups := make([]*DeviceGroup, 0, len(candidates))
	for _, acc := range candidates {
		var users []*UserRecord
		var details []DeviceGroupMember
		for id, m := range acc.members {
			profile, ok := profiles[id]
			if !ok {
				// MissingProfile: drop just this candidate
				continue
			}
			users = append(users, profile)
			details = append(details, *m)
		}
		if len(users) < 2 {
			continue
		}

		sort.Slice(details, func(i, j int) bool { return details[i].LastSession.After(details[j].LastSession) })

		group := &DeviceGroup{
			IP:                   acc.ip,
			DeviceCategory:       acc.category,
			Users:                users,
			UserCount:            len(users),
			HasPremium:           hasPremiumMember(users),
			HasCloseTimeSessions: hasCloseSessionPair(details, s.cfg.CloseSessionWindow),
			SessionDetails:       details,
		}
		group.SuspicionScore = s.scoreDeviceGroup(group)
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].SuspicionScore > groups[j].SuspicionScore })
	return groups, nil
}

func (s *Service) scoreDeviceGroup(g *DeviceGroup) int {
	score := s.cfg.DeviceGroupBaseScore
	if g.HasPremium {
		score += s.cfg.DeviceGroupPremium
	}
	if g.HasCloseTimeSessions {
		score += s.cfg.DeviceGroupCloseTime
	}
	if g.UserCount > 2 {
		score += s.cfg.DeviceGroupLargeGroup
	}
	return score
}

// matchCrossIPDevices finds accounts sharing an identical device
// fingerprint across different IPs, corroborated by overlapping
// activity days. Groups whose member set was already reported by the
// same-IP pass are skipped.
func (s *Service) matchCrossIPDevices(ctx context.Context, seen map[string]struct{}) ([]*MultiAccountCluster, error) {
	sessions, err := s.sessions.QueryRecent(ctx, SessionFilter{RequireUserAgent: true}, s.cfg.SessionWindowLimit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions for fingerprinting: %w", err)
	}

	// First-seen device snapshot: the earliest session per user that
	// carries a screen resolution. Sessions without one are ignored.
	firstSeen := make(map[uuid.UUID]*SessionRecord)
	for _, sess := range sessions {
		if sess.ScreenResolution == nil {
			continue
		}
		cur, ok := firstSeen[sess.UserID]
		if !ok || sess.SessionStart.Before(cur.SessionStart) {
			firstSeen[sess.UserID] = sess
		}
	}

	byFingerprint := make(map[string][]*SessionRecord)
	for _, sess := range firstSeen {
		fp, ok := ComputeFingerprint(sess)
		if !ok {
			continue
		}
		byFingerprint[fp] = append(byFingerprint[fp], sess)
	}

	clusters := make([]*MultiAccountCluster, 0)
	for fp, snapshots := range byFingerprint {
		if len(snapshots) < 2 {
			continue
		}

		// A single-IP match is already covered by the IP clusterer
		// and must not be double-reported here.
		ips := make(map[string]struct{})
		for _, sess := range snapshots {
			ips[sess.IPAddress] = struct{}{}
		}
		if len(ips) < 2 {
			continue
		}

		candidateIDs := make(map[uuid.UUID]struct{}, len(snapshots))
		for _, sess := range snapshots {
			candidateIDs[sess.UserID] = struct{}{}
		}

		profiles, err := s.resolveProfiles(ctx, candidateIDs)
		if err != nil {
			return nil, err
		}
		members := make([]*UserRecord, 0, len(profiles))
		for id := range candidateIDs {
			if p, ok := profiles[id]; ok {
				members = append(members, p)
			}
		}
		if len(members) < 2 {
			continue
		}

		overlaps, err := s.hasOverlappingActivityDay(ctx, members)
		if err != nil {
			return nil, err
		}
		if !overlaps {
			// Incidental hardware sharing that never actually
			// overlapped in use
			continue
		}

		key := memberSetKey(memberIDs(members))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		cluster := s.buildVPNCluster(fp, members)
		clusters = append(clusters, cluster)
	}

	return clusters, nil
}

// hasOverlappingActivityDay fetches a bounded recent window of sessions
// for exactly the candidate user ids and requires at least one calendar
// day on which two or more distinct candidates were active.
func (s *Service) hasOverlappingActivityDay(ctx context.Context, members []*UserRecord) (bool, error) {
	sessions, err := s.sessions.QueryRecent(ctx, SessionFilter{UserIDs: memberIDs(members)}, s.cfg.CandidateWindowLimit)
	if err != nil {
		return false, fmt.Errorf("querying candidate sessions: %w", err)
	}

	byDay := make(map[string]map[uuid.UUID]struct{})
	for _, sess := range sessions {
		day := sess.SessionStart.UTC().Format("2006-01-02")
		if byDay[day] == nil {
			byDay[day] = make(map[uuid.UUID]struct{})
		}
		byDay[day][sess.UserID] = struct{}{}
		if len(byDay[day]) >= 2 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) buildVPNCluster(fingerprint string, members []*UserRecord) *MultiAccountCluster {
	score := s.cfg.VPNBaseScore
	reasons := []string{"identical device fingerprint across different IPs"}

	if hasSameNamePair(members) {
		score += s.cfg.SameNameWeight
		reasons = append(reasons, "members share the same full name")
	}
	if hasPremiumMember(members) {
		score += s.cfg.PremiumMemberWeight
		reasons = append(reasons, "premium member present")
	}
	if hasCloseRegistrationPair(members, s.cfg.CloseRegistrationWindow) {
		score += s.cfg.CloseRegistrationWeight
		reasons = append(reasons, "registrations within 7 days of each other")
	}

	return &MultiAccountCluster{
		Members:         memberIDs(members),
		Emails:          memberEmails(members),
		DetectionMethod: DetectionSameDeviceVPN,
		SuspicionScore:  score,
		Confidence:      s.cfg.ConfidenceFor(score),
		Reasons:         reasons,
		Fingerprint:     fingerprint,
	}
}

// resolveProfiles batches a single id-list lookup and returns the
// profiles keyed by id. Ids that fail to resolve are simply absent.
func (s *Service) resolveProfiles(ctx context.Context, ids map[uuid.UUID]struct{}) (map[uuid.UUID]*UserRecord, error) {
	list := make([]uuid.UUID, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}

	users, err := s.users.Query(ctx, UserFilter{IDs: list})
	if err != nil {
		return nil, fmt.Errorf("resolving %d profiles: %w", len(list), err)
	}

	profiles := make(map[uuid.UUID]*UserRecord, len(users))
	for _, u := range users {
		profiles[u.ID] = u
	}
	return profiles, nil
}

// ---- pairwise helpers (explicit O(n²) scans; cluster sizes are small)

func hasPremiumMember(users []*UserRecord) bool {
	for _, u := range users {
		if u.PlanType.IsPaid() {
			return true
		}
	}
	return false
}

func hasSameNamePair(users []*UserRecord) bool {
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			a := normalizeName(users[i].FullName)
			b := normalizeName(users[j].FullName)
			if a != "" && a == b {
				return true
			}
		}
	}
	return false
}

func hasCloseRegistrationPair(users []*UserRecord, window time.Duration) bool {
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			d := users[i].CreatedAt.Sub(users[j].CreatedAt)
			if d < 0 {
				d = -d
			}
			if d <= window {
				return true
			}
		}
	}
	return false
}

func hasCloseSessionPair(details []DeviceGroupMember, window time.Duration) bool {
	for i := 0; i < len(details); i++ {
		for j := i + 1; j < len(details); j++ {
			d := details[i].LastSession.Sub(details[j].LastSession)
			if d < 0 {
				d = -d
			}
			if d <= window {
				return true
			}
		}
	}
	return false
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func memberIDs(users []*UserRecord) []uuid.UUID {
	ids := make([]uuid.UUID, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids
}

func memberEmails(users []*UserRecord) []string {
	emails := make([]string, len(users))
	for i, u := range users {
		emails[i] = u.Email
	}
	return emails
}

// memberSetKey is the sorted, joined set of member ids used to dedup
// clusters across detection passes.
func memberSetKey(ids []uuid.UUID) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	sort.Strings(strs)
	return strings.Join(strs, ",")
}

func pairKey(a, b uuid.UUID) string {
	return memberSetKey([]uuid.UUID{a, b})
}
