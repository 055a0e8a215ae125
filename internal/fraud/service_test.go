package fraud

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUserDirectory struct {
	mock.Mock
}

func (m *mockUserDirectory) Query(ctx context.Context, filter UserFilter) ([]*UserRecord, error) {
	args := m.Called(ctx, filter)
	users, _ := args.Get(0).([]*UserRecord)
	return users, args.Error(1)
}

type mockSessionStore struct {
	mock.Mock
}

func (m *mockSessionStore) QueryRecent(ctx context.Context, filter SessionFilter, limit int) ([]*SessionRecord, error) {
	args := m.Called(ctx, filter, limit)
	sessions, _ := args.Get(0).([]*SessionRecord)
	return sessions, args.Error(1)
}

type mockWatchListStore struct {
	mock.Mock
}

func (m *mockWatchListStore) ExistsByUserID(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockWatchListStore) Insert(ctx context.Context, entry *WatchListEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *mockWatchListStore) MarkConfirmedFraud(ctx context.Context, userID uuid.UUID, deviceID string, at time.Time) error {
	args := m.Called(ctx, userID, deviceID, at)
	return args.Error(0)
}

func testUser(name string, ip *string, plan PlanType, created time.Time) *UserRecord {
	return &UserRecord{
		ID:             uuid.New(),
		Email:          name + "@example.com",
		FullName:       name,
		RegistrationIP: ip,
		CreatedAt:      created,
		PlanType:       plan,
	}
}

func newTestService(users *mockUserDirectory, sessions *mockSessionStore, watch *mockWatchListStore) *Service {
	return NewService(users, sessions, watch, DefaultConfig())
}

// idSetFilter matches a UserFilter carrying exactly the given ids in
// any order.
func idSetFilter(ids ...uuid.UUID) interface{} {
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return mock.MatchedBy(func(f UserFilter) bool {
		if len(f.IDs) != len(want) {
			return false
		}
		for _, id := range f.IDs {
			if _, ok := want[id]; !ok {
				return false
			}
		}
		return true
	})
}

func candidateSessionFilter() interface{} {
	return mock.MatchedBy(func(f SessionFilter) bool {
		return len(f.UserIDs) > 0 && !f.RequireUserAgent && !f.RequireIP && !f.RequireDeviceID
	})
}

func TestConfidenceTiersAreMonotonicSteps(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ConfidenceBaja, cfg.ConfidenceFor(0))
	assert.Equal(t, ConfidenceBaja, cfg.ConfidenceFor(34))
	assert.Equal(t, ConfidenceMedia, cfg.ConfidenceFor(35))
	assert.Equal(t, ConfidenceMedia, cfg.ConfidenceFor(49))
	assert.Equal(t, ConfidenceAlta, cfg.ConfidenceFor(50))
	assert.Equal(t, ConfidenceAlta, cfg.ConfidenceFor(69))
	assert.Equal(t, ConfidenceMuyAlta, cfg.ConfidenceFor(70))
	assert.Equal(t, ConfidenceMuyAlta, cfg.ConfidenceFor(120))
}

func TestAggregateSameIPCluster(t *testing.T) {
	// Scenario: three accounts registered from 1.2.3.4, one premium.
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	watch := new(mockWatchListStore)
	service := newTestService(users, sessions, watch)

	ip := "1.2.3.4"
	base := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	a := testUser("Alice Allen", &ip, PlanFree, base)
	b := testUser("Bob Brown", &ip, PlanPremium, base.AddDate(0, 2, 0))
	cc := testUser("Carol Cruz", &ip, PlanFree, base.AddDate(0, 5, 0))

	users.On("Query", ctx, UserFilter{WithRegistrationIP: true}).
		Return([]*UserRecord{a, b, cc}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireUserAgent: true}, 5000).
		Return([]*SessionRecord{}, nil).Twice()

	clusters, ipGroups, deviceGroups, err := service.AggregateClusters(ctx)
	require.NoError(t, err)

	require.Len(t, ipGroups, 1)
	assert.Equal(t, ip, ipGroups[0].IP)
	assert.Equal(t, 3, ipGroups[0].Count)
	assert.True(t, ipGroups[0].HasPremium)
	assert.Empty(t, deviceGroups)

	require.Len(t, clusters, 1)
	cluster := clusters[0]
	assert.Equal(t, DetectionSameIP, cluster.DetectionMethod)
	assert.Len(t, cluster.Members, 3)
	// 30 base + 20 premium; registrations are months apart
	assert.Equal(t, 50, cluster.SuspicionScore)
	assert.Equal(t, ConfidenceAlta, cluster.Confidence)
	assert.Equal(t, ip, cluster.SharedIP)
	users.AssertExpectations(t)
	sessions.AssertExpectations(t)
}

func TestAggregateDedupsIdenticalMemberSets(t *testing.T) {
	// D and E share a registration IP and an exact fingerprint across
	// different session IPs; the VPN pass must not re-report them.
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	watch := new(mockWatchListStore)
	service := newTestService(users, sessions, watch)

	regIP := "9.9.9.9"
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := testUser("Diego Diaz", &regIP, PlanFree, base)
	e := testUser("Elena Esteban", &regIP, PlanFree, base.AddDate(0, 3, 0))

	ua := strPtr("Mozilla/5.0 (Windows NT 10.0) Chrome/120.0.0.0 Safari/537.36")
	sessD := &SessionRecord{
		ID: uuid.New(), UserID: d.ID, UserAgent: ua, IPAddress: "5.5.5.5",
		SessionStart: base.AddDate(0, 4, 0), ScreenResolution: strPtr("1920x1080"),
		ColorDepth: intPtr(24), PixelRatio: floatPtr(1),
	}
	sessE := &SessionRecord{
		ID: uuid.New(), UserID: e.ID, UserAgent: ua, IPAddress: "6.6.6.6",
		SessionStart: base.AddDate(0, 4, 0).Add(2 * time.Hour), ScreenResolution: strPtr("1920x1080"),
		ColorDepth: intPtr(24), PixelRatio: floatPtr(1),
	}

	users.On("Query", ctx, UserFilter{WithRegistrationIP: true}).
		Return([]*UserRecord{d, e}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireUserAgent: true}, 5000).
		Return([]*SessionRecord{sessD, sessE}, nil).Twice()
	users.On("Query", ctx, idSetFilter(d.ID, e.ID)).
		Return([]*UserRecord{d, e}, nil).Once()
	// Overlapping activity day: corroboration holds, dedup must still win
	sessions.On("QueryRecent", ctx, candidateSessionFilter(), 500).
		Return([]*SessionRecord{sessD, sessE}, nil).Once()

	clusters, _, _, err := service.AggregateClusters(ctx)
	require.NoError(t, err)

	require.Len(t, clusters, 1)
	assert.Equal(t, DetectionSameIP, clusters[0].DetectionMethod)
}

func TestCrossIPMatcherRequiresOverlappingActivityDay(t *testing.T) {
	// Scenario: identical fingerprint on different IPs but zero
	// overlapping active calendar days. No cluster may be emitted.
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	watch := new(mockWatchListStore)
	service := newTestService(users, sessions, watch)

	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	d := testUser("Dana Duarte", nil, PlanFree, base)
	e := testUser("Evan Egan", nil, PlanFree, base.AddDate(0, 2, 0))

	ua := strPtr("UA-X")
	sessD := &SessionRecord{
		ID: uuid.New(), UserID: d.ID, UserAgent: ua, IPAddress: "5.5.5.5",
		SessionStart: base, ScreenResolution: strPtr("1920x1080"),
		ColorDepth: intPtr(24), PixelRatio: floatPtr(1),
	}
	sessE := &SessionRecord{
		ID: uuid.New(), UserID: e.ID, UserAgent: ua, IPAddress: "6.6.6.6",
		SessionStart: base.AddDate(0, 0, 10), ScreenResolution: strPtr("1920x1080"),
		ColorDepth: intPtr(24), PixelRatio: floatPtr(1),
	}

	users.On("Query", ctx, UserFilter{WithRegistrationIP: true}).
		Return([]*UserRecord{}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireUserAgent: true}, 5000).
		Return([]*SessionRecord{sessD, sessE}, nil).Twice()
	users.On("Query", ctx, idSetFilter(d.ID, e.ID)).
		Return([]*UserRecord{d, e}, nil).Once()
	// Disjoint days in the corroboration window
	sessions.On("QueryRecent", ctx, candidateSessionFilter(), 500).
		Return([]*SessionRecord{sessD, sessE}, nil).Once()

	clusters, _, _, err := service.AggregateClusters(ctx)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestCrossIPMatcherScoring(t *testing.T) {
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	watch := new(mockWatchListStore)
	service := newTestService(users, sessions, watch)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f := testUser("Ana García", nil, PlanFree, base)
	g := testUser("ana  garcía", nil, PlanAnual, base.AddDate(0, 0, 3))

	ua := strPtr("UA-X")
	sessF := &SessionRecord{
		ID: uuid.New(), UserID: f.ID, UserAgent: ua, IPAddress: "5.5.5.5",
		SessionStart: base, ScreenResolution: strPtr("1920x1080"),
		ColorDepth: intPtr(24), PixelRatio: floatPtr(1),
	}
	sessG := &SessionRecord{
		ID: uuid.New(), UserID: g.ID, UserAgent: ua, IPAddress: "6.6.6.6",
		SessionStart: base.Add(3 * time.Hour), ScreenResolution: strPtr("1920x1080"),
		ColorDepth: intPtr(24), PixelRatio: floatPtr(1),
	}

	users.On("Query", ctx, UserFilter{WithRegistrationIP: true}).
		Return([]*UserRecord{}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireUserAgent: true}, 5000).
		Return([]*SessionRecord{sessF, sessG}, nil).Twice()
	users.On("Query", ctx, idSetFilter(f.ID, g.ID)).
		Return([]*UserRecord{f, g}, nil).Once()
	sessions.On("QueryRecent", ctx, candidateSessionFilter(), 500).
		Return([]*SessionRecord{sessF, sessG}, nil).Once()

	clusters, _, _, err := service.AggregateClusters(ctx)
	require.NoError(t, err)

	require.Len(t, clusters, 1)
	cluster := clusters[0]
	assert.Equal(t, DetectionSameDeviceVPN, cluster.DetectionMethod)
	// 50 base + 25 same name + 20 premium + 15 close registration
	assert.Equal(t, 110, cluster.SuspicionScore)
	assert.Equal(t, ConfidenceMuyAlta, cluster.Confidence)
	assert.NotEmpty(t, cluster.Fingerprint)
}

func TestSyncWatchListIsIdempotent(t *testing.T) {
	ctx := context.Background()
	watch := new(mockWatchListStore)
	service := newTestService(new(mockUserDirectory), new(mockSessionStore), watch)

	m1, m2 := uuid.New(), uuid.New()
	clusters := []*MultiAccountCluster{{
		Members:         []uuid.UUID{m1, m2},
		Emails:          []string{"m1@example.com", "m2@example.com"},
		DetectionMethod: DetectionSameIP,
		SuspicionScore:  80,
		Confidence:      ConfidenceMuyAlta,
		Reasons:         []string{"shared registration IP"},
		SharedIP:        "1.2.3.4",
	}}

	// First run inserts both members
	watch.On("ExistsByUserID", ctx, mock.Anything).Return(false, nil).Twice()
	watch.On("Insert", ctx, mock.MatchedBy(func(e *WatchListEntry) bool {
		return e.SuspicionScore == 80 && len(e.RelatedUsers) == 1
	})).Return(nil).Twice()

	require.NoError(t, service.SyncWatchList(ctx, clusters))

	// Second run finds both present and inserts nothing
	watch.On("ExistsByUserID", ctx, mock.Anything).Return(true, nil).Twice()

	require.NoError(t, service.SyncWatchList(ctx, clusters))
	watch.AssertExpectations(t)
}

func TestSyncWatchListSwallowsDuplicateKey(t *testing.T) {
	// A concurrent run may insert between the existence check and the
	// insert; the duplicate must be treated as success.
	ctx := context.Background()
	watch := new(mockWatchListStore)
	service := newTestService(new(mockUserDirectory), new(mockSessionStore), watch)

	clusters := []*MultiAccountCluster{{
		Members:         []uuid.UUID{uuid.New()},
		DetectionMethod: DetectionSameIP,
		SuspicionScore:  65,
	}}

	watch.On("ExistsByUserID", ctx, mock.Anything).Return(false, nil).Once()
	watch.On("Insert", ctx, mock.Anything).Return(ErrDuplicateWatchEntry).Once()

	require.NoError(t, service.SyncWatchList(ctx, clusters))
	watch.AssertExpectations(t)
}

func TestSyncWatchListSkipsBelowThreshold(t *testing.T) {
	ctx := context.Background()
	watch := new(mockWatchListStore)
	service := newTestService(new(mockUserDirectory), new(mockSessionStore), watch)

	clusters := []*MultiAccountCluster{{
		Members:         []uuid.UUID{uuid.New(), uuid.New()},
		DetectionMethod: DetectionSameIP,
		SuspicionScore:  49,
	}}

	require.NoError(t, service.SyncWatchList(ctx, clusters))
	watch.AssertNotCalled(t, "ExistsByUserID", mock.Anything, mock.Anything)
	watch.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestResolveConfirmedFraudMarksAllInvolvedUsers(t *testing.T) {
	// Scenario: device dev-xyz appears in sessions of two users. Both
	// get marked regardless of any suspicion score.
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	watch := new(mockWatchListStore)
	service := newTestService(users, sessions, watch)

	base := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	f := testUser("Fran Flores", nil, PlanFree, base)
	g := testUser("Gema Gómez", nil, PlanFree, base)
	deviceID := "dev-xyz"

	sessions.On("QueryRecent", ctx, SessionFilter{RequireDeviceID: true}, 0).
		Return([]*SessionRecord{
			{ID: uuid.New(), UserID: f.ID, IPAddress: "1.1.1.1", SessionStart: base, DeviceID: &deviceID},
			{ID: uuid.New(), UserID: g.ID, IPAddress: "2.2.2.2", SessionStart: base, DeviceID: &deviceID},
			{ID: uuid.New(), UserID: f.ID, IPAddress: "1.1.1.1", SessionStart: base.Add(time.Hour), DeviceID: &deviceID},
		}, nil).Once()
	users.On("Query", ctx, idSetFilter(f.ID, g.ID)).
		Return([]*UserRecord{f, g}, nil).Once()
	watch.On("MarkConfirmedFraud", ctx, f.ID, deviceID, mock.AnythingOfType("time.Time")).Return(nil).Once()
	watch.On("MarkConfirmedFraud", ctx, g.ID, deviceID, mock.AnythingOfType("time.Time")).Return(nil).Once()

	groups, err := service.ResolveConfirmedFraud(ctx)
	require.NoError(t, err)

	require.Len(t, groups, 1)
	assert.Equal(t, deviceID, groups[0].DeviceID)
	assert.Equal(t, 2, groups[0].UserCount)
	watch.AssertExpectations(t)
}

func TestDetectPremiumAbuseFlagsManyIPs(t *testing.T) {
	// Scenario: a premium user active from five distinct IPs and one
	// city. The IP threshold triggers regardless of the city count.
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	service := newTestService(users, sessions, new(mockWatchListStore))

	premium := testUser("Pedro Prado", nil, PlanPremium, time.Now().AddDate(0, -6, 0))
	ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}
	recent := make([]*SessionRecord, 0, 50)
	for i := 0; i < 50; i++ {
		recent = append(recent, &SessionRecord{
			ID:           uuid.New(),
			UserID:       premium.ID,
			IPAddress:    ips[i%len(ips)],
			City:         "Madrid",
			SessionStart: time.Now().Add(-time.Duration(i) * time.Hour),
		})
	}

	users.On("Query", ctx, UserFilter{Plans: []PlanType{PlanPremium, PlanSemestral, PlanAnual}}).
		Return([]*UserRecord{premium}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{UserIDs: []uuid.UUID{premium.ID}, RequireIP: true}, 50).
		Return(recent, nil).Once()

	records, err := service.DetectPremiumAbuse(ctx)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, premium.ID, records[0].User.ID)
	assert.Equal(t, 50, records[0].SessionCount)
	assert.Len(t, records[0].DistinctIPs, 5)
	assert.Len(t, records[0].DistinctCities, 1)
	assert.Len(t, records[0].RecentSessions, 5)
}

func TestDetectPremiumAbuseIgnoresPlausibleUsage(t *testing.T) {
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	service := newTestService(users, sessions, new(mockWatchListStore))

	premium := testUser("Quique Quesada", nil, PlanSemestral, time.Now().AddDate(0, -3, 0))
	recent := []*SessionRecord{
		{ID: uuid.New(), UserID: premium.ID, IPAddress: "1.1.1.1", City: "Madrid", SessionStart: time.Now()},
		{ID: uuid.New(), UserID: premium.ID, IPAddress: "2.2.2.2", City: "Madrid", SessionStart: time.Now().Add(-time.Hour)},
		{ID: uuid.New(), UserID: premium.ID, IPAddress: "3.3.3.3", City: "Sevilla", SessionStart: time.Now().Add(-2 * time.Hour)},
	}

	users.On("Query", ctx, UserFilter{Plans: []PlanType{PlanPremium, PlanSemestral, PlanAnual}}).
		Return([]*UserRecord{premium}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{UserIDs: []uuid.UUID{premium.ID}, RequireIP: true}, 50).
		Return(recent, nil).Once()

	records, err := service.DetectPremiumAbuse(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRunDetectionIsolatesDetectorFailures(t *testing.T) {
	// A failing clustering pass must not prevent the other detectors
	// from reporting their results.
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	watch := new(mockWatchListStore)
	service := newTestService(users, sessions, watch)

	users.On("Query", ctx, UserFilter{WithRegistrationIP: true}).
		Return(nil, errors.New("connection refused")).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireUserAgent: true}, 5000).
		Return([]*SessionRecord{}, nil).Twice()
	users.On("Query", ctx, UserFilter{Plans: []PlanType{PlanPremium, PlanSemestral, PlanAnual}}).
		Return([]*UserRecord{}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireDeviceID: true}, 0).
		Return([]*SessionRecord{}, nil).Once()

	report := service.RunDetection(ctx)
	require.NotNil(t, report)

	require.Len(t, report.Errors, 1)
	assert.Equal(t, "multi_account", report.Errors[0].Detector)
	assert.Contains(t, report.Errors[0].Message, "connection refused")
	assert.Empty(t, report.Clusters)
	assert.NotNil(t, report.PremiumAbuse)
	assert.NotNil(t, report.ConfirmedFraud)
	assert.False(t, report.GeneratedAt.IsZero())
	watch.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestRunDetectionBuildsDeviceGroupsDespiteUserQueryFailure(t *testing.T) {
	// A failing registration-IP lookup must not suppress the device
	// grouping pass, which only needs the session store.
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	service := newTestService(users, sessions, new(mockWatchListStore))

	base := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	u1 := testUser("Lola Lara", nil, PlanFree, base.AddDate(-1, 0, 0))
	u2 := testUser("Mario Mena", nil, PlanFree, base.AddDate(-1, 0, 0))

	ua := strPtr("Mozilla/5.0 (Windows NT 10.0) Chrome/120.0.0.0 Safari/537.36")
	recent := []*SessionRecord{
		{ID: uuid.New(), UserID: u1.ID, UserAgent: ua, IPAddress: "7.7.7.7", SessionStart: base},
		{ID: uuid.New(), UserID: u2.ID, UserAgent: ua, IPAddress: "7.7.7.7", SessionStart: base.Add(time.Hour)},
	}

	users.On("Query", ctx, UserFilter{WithRegistrationIP: true}).
		Return(nil, errors.New("connection refused")).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireUserAgent: true}, 5000).
		Return(recent, nil).Twice()
	users.On("Query", ctx, idSetFilter(u1.ID, u2.ID)).
		Return([]*UserRecord{u1, u2}, nil).Once()
	users.On("Query", ctx, UserFilter{Plans: []PlanType{PlanPremium, PlanSemestral, PlanAnual}}).
		Return([]*UserRecord{}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireDeviceID: true}, 0).
		Return([]*SessionRecord{}, nil).Once()

	report := service.RunDetection(ctx)

	require.NotEmpty(t, report.DeviceGroups)
	assert.Equal(t, 2, report.DeviceGroups[0].UserCount)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "multi_account", report.Errors[0].Detector)
	assert.Empty(t, report.Clusters)
}

func TestRunDetectionReportsMarkFailures(t *testing.T) {
	// Confirmed fraud groups are still reported when some watch-list
	// rows cannot be marked, and the failure shows up in the error
	// summary instead of only in the log.
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	watch := new(mockWatchListStore)
	service := newTestService(users, sessions, watch)

	base := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	f := testUser("Nuria Navas", nil, PlanFree, base)
	g := testUser("Oscar Ortega", nil, PlanFree, base)
	deviceID := "dev-1"

	users.On("Query", ctx, UserFilter{WithRegistrationIP: true}).
		Return([]*UserRecord{}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireUserAgent: true}, 5000).
		Return([]*SessionRecord{}, nil).Twice()
	users.On("Query", ctx, UserFilter{Plans: []PlanType{PlanPremium, PlanSemestral, PlanAnual}}).
		Return([]*UserRecord{}, nil).Once()

	sessions.On("QueryRecent", ctx, SessionFilter{RequireDeviceID: true}, 0).
		Return([]*SessionRecord{
			{ID: uuid.New(), UserID: f.ID, IPAddress: "1.1.1.1", SessionStart: base, DeviceID: &deviceID},
			{ID: uuid.New(), UserID: g.ID, IPAddress: "2.2.2.2", SessionStart: base, DeviceID: &deviceID},
		}, nil).Once()
	users.On("Query", ctx, idSetFilter(f.ID, g.ID)).
		Return([]*UserRecord{f, g}, nil).Once()
	watch.On("MarkConfirmedFraud", ctx, f.ID, deviceID, mock.AnythingOfType("time.Time")).Return(nil).Once()
	watch.On("MarkConfirmedFraud", ctx, g.ID, deviceID, mock.AnythingOfType("time.Time")).
		Return(errors.New("insert failed")).Once()

	report := service.RunDetection(ctx)

	require.Len(t, report.ConfirmedFraud, 1)
	assert.Equal(t, 2, report.ConfirmedFraud[0].UserCount)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "confirmed_fraud_mark", report.Errors[0].Detector)
	assert.Contains(t, report.Errors[0].Message, "insert failed")
	watch.AssertExpectations(t)
}

func TestNoTwoClustersShareAMemberSet(t *testing.T) {
	ctx := context.Background()
	users := new(mockUserDirectory)
	sessions := new(mockSessionStore)
	service := newTestService(users, sessions, new(mockWatchListStore))

	ip := "8.8.8.8"
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	h := testUser("Hugo Herrera", &ip, PlanFree, base)
	i := testUser("Irene Ibáñez", &ip, PlanFree, base.AddDate(0, 4, 0))

	ua := strPtr("UA-Y")
	sessH := &SessionRecord{
		ID: uuid.New(), UserID: h.ID, UserAgent: ua, IPAddress: "10.0.0.1",
		SessionStart: base.AddDate(0, 5, 0), ScreenResolution: strPtr("1366x768"),
	}
	sessI := &SessionRecord{
		ID: uuid.New(), UserID: i.ID, UserAgent: ua, IPAddress: "10.0.0.2",
		SessionStart: base.AddDate(0, 5, 0).Add(time.Hour), ScreenResolution: strPtr("1366x768"),
	}

	users.On("Query", ctx, UserFilter{WithRegistrationIP: true}).
		Return([]*UserRecord{h, i}, nil).Once()
	sessions.On("QueryRecent", ctx, SessionFilter{RequireUserAgent: true}, 5000).
		Return([]*SessionRecord{sessH, sessI}, nil).Twice()
	users.On("Query", ctx, idSetFilter(h.ID, i.ID)).
		Return([]*UserRecord{h, i}, nil).Once()
	sessions.On("QueryRecent", ctx, candidateSessionFilter(), 500).
		Return([]*SessionRecord{sessH, sessI}, nil).Once()

	clusters, _, _, err := service.AggregateClusters(ctx)
	require.NoError(t, err)

	keys := make(map[string]struct{})
	for _, c := range clusters {
		key := memberSetKey(c.Members)
		_, dup := keys[key]
		assert.False(t, dup, "duplicate member set emitted: %s", key)
		keys[key] = struct{}{}
	}
}
