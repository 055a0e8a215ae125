package fraud

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	fingerprintSeparator = "|"
	missingComponent     = "?"
)

var (
	edgeVersionRe    = regexp.MustCompile(`Edge?/([\d.]+)`)
	chromeVersionRe  = regexp.MustCompile(`Chrome/([\d.]+)`)
	firefoxVersionRe = regexp.MustCompile(`Firefox/([\d.]+)`)
	safariVersionRe  = regexp.MustCompile(`Version/([\d.]+)`)
)

// ComputeFingerprint derives the exact device fingerprint of a session.
// It is undefined (ok=false) unless both screen resolution and user
// agent are present. Equality of two fingerprints implies equality of
// all four components.
func ComputeFingerprint(s *SessionRecord) (string, bool) {
	if s.ScreenResolution == nil || s.UserAgent == nil {
		return "", false
	}

	colorDepth := missingComponent
	if s.ColorDepth != nil {
		colorDepth = strconv.Itoa(*s.ColorDepth)
	}

	pixelRatio := missingComponent
	if s.PixelRatio != nil {
		pixelRatio = strconv.FormatFloat(*s.PixelRatio, 'f', 2, 64)
	}

	parts := []string{*s.ScreenResolution, colorDepth, pixelRatio, *s.UserAgent}
	return strings.Join(parts, fingerprintSeparator), true
}

// browserOf classifies the browser with a fixed precedence. Edge is
// checked before Chrome because Edge user agents also carry a Chrome
// token; the Safari check must exclude anything containing Chrome.
func browserOf(ua string) (name, version string) {
	switch {
	case strings.Contains(ua, "Edg"):
		return "Edge", firstMatch(edgeVersionRe, ua)
	case strings.Contains(ua, "Chrome"):
		return "Chrome", firstMatch(chromeVersionRe, ua)
	case strings.Contains(ua, "Firefox"):
		return "Firefox", firstMatch(firefoxVersionRe, ua)
	case strings.Contains(ua, "Safari"):
		return "Safari", firstMatch(safariVersionRe, ua)
	default:
		return "Other", ""
	}
}

// osOf classifies the operating system by ordered substring containment.
// The order is fixed and load-bearing: iOS user agents carry
// "like Mac OS X" and so classify as Mac, which keeps the grouping key
// stable for historical data.
func osOf(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Mac"):
		return "Mac"
	case strings.Contains(ua, "iPhone"):
		return "iPhone"
	case strings.Contains(ua, "iPad"):
		return "iPad"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	default:
		return "Other"
	}
}

// ShortDeviceLabel builds a human-readable device label for display.
// Never used for equality comparisons.
func ShortDeviceLabel(s *SessionRecord) string {
	if s.UserAgent == nil {
		return "Unknown device"
	}

	browser, version := browserOf(*s.UserAgent)
	os := osOf(*s.UserAgent)

	if version != "" {
		// Major version only keeps the label short
		if dot := strings.Index(version, "."); dot > 0 {
			version = version[:dot]
		}
		return fmt.Sprintf("%s %s (%s)", browser, version, os)
	}
	return fmt.Sprintf("%s (%s)", browser, os)
}

// DeviceCategory builds the coarse "{browser}/{os}" key used by the
// device group clusterer. Deliberately independent from the exact
// fingerprint: the two notions of "same device" serve different
// thresholds and purposes.
func DeviceCategory(s *SessionRecord) string {
	if s.UserAgent == nil {
		return "Other/Other"
	}
	browser, _ := browserOf(*s.UserAgent)
	return browser + "/" + osOf(*s.UserAgent)
}

func firstMatch(re *regexp.Regexp, ua string) string {
	if m := re.FindStringSubmatch(ua); len(m) > 1 {
		return m[1]
	}
	return ""
}
