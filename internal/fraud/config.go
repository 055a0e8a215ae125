package fraud

import "time"

// Config holds the calibrated weights and windows of the detection
// engine. The values are product decisions, not correctness
// constraints, so they are overridable rather than hard-coded.
type Config struct {
	// Window caps enforced on store queries
	SessionWindowLimit   int // global most-recent session window
	CandidateWindowLimit int // per-candidate-set corroboration window
	PerUserSessionLimit  int // per-user window for premium abuse

	// Pairwise time windows
	CloseSessionWindow      time.Duration // lastSession proximity inside a device group
	CloseRegistrationWindow time.Duration // registration proximity between cluster members

	// Device group scoring
	DeviceGroupBaseScore  int
	DeviceGroupPremium    int
	DeviceGroupCloseTime  int
	DeviceGroupLargeGroup int

	// Same-IP cluster scoring
	IPClusterBaseScore       int
	SameNameWeight           int
	PremiumMemberWeight      int
	CloseRegistrationWeight  int
	DeviceCorroborationBonus int

	// Cross-IP device (VPN) scoring
	VPNBaseScore int

	// Confidence tier thresholds
	MuyAltaThreshold int
	AltaThreshold    int
	MediaThreshold   int

	// Watch list
	WatchListThreshold int

	// Premium abuse
	PremiumAbuseIPThreshold   int
	PremiumAbuseCityThreshold int
	PremiumAbuseAuditSessions int
}

// DefaultConfig returns the calibrated production configuration.
func DefaultConfig() Config {
	return Config{
		SessionWindowLimit:   5000,
		CandidateWindowLimit: 500,
		PerUserSessionLimit:  50,

		CloseSessionWindow:      48 * time.Hour,
		CloseRegistrationWindow: 7 * 24 * time.Hour,

		DeviceGroupBaseScore:  30,
		DeviceGroupPremium:    30,
		DeviceGroupCloseTime:  25,
		DeviceGroupLargeGroup: 15,

		IPClusterBaseScore:       30,
		SameNameWeight:           25,
		PremiumMemberWeight:      20,
		CloseRegistrationWeight:  15,
		DeviceCorroborationBonus: 25,

		VPNBaseScore: 50,

		MuyAltaThreshold: 70,
		AltaThreshold:    50,
		MediaThreshold:   35,

		WatchListThreshold: 50,

		PremiumAbuseIPThreshold:   3,
		PremiumAbuseCityThreshold: 2,
		PremiumAbuseAuditSessions: 5,
	}
}

// ConfidenceFor maps a suspicion score to its tier.
func (c Config) ConfidenceFor(score int) Confidence {
	switch {
	case score >= c.MuyAltaThreshold:
		return ConfidenceMuyAlta
	case score >= c.AltaThreshold:
		return ConfidenceAlta
	case score >= c.MediaThreshold:
		return ConfidenceMedia
	default:
		return ConfidenceBaja
	}
}
