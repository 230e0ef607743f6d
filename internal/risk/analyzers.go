package risk

import (
	"strings"
	"time"

	"attendguard/internal/geo"
	"attendguard/internal/reputation"
)

// Flags raised by the default analyzers.
const (
	FlagDeviceBlocked      = "device-blocked"
	FlagDeviceShared       = "device-shared"
	FlagDeviceHighRisk     = "device-high-risk"
	FlagDeviceRapidUse     = "device-rapid-use"
	FlagNetworkBlocked     = "network-blocked"
	FlagSuspiciousLocation = "network-suspicious-location"
	FlagNetworkProxy       = "network-proxy"
	FlagNetworkMultiDevice = "network-multi-device"
	FlagTimingTooFast      = "timing-too-fast"
	FlagAutomatedPattern   = "timing-automated-pattern"
	FlagNewDevice          = "new-device"
	FlagNewBrowser         = "new-browser"
	FlagHistoricallyRisky  = "historically-risky"
	FlagOutOfRange         = "location-out-of-range"
	FlagFrequencyPattern   = "suspicious-frequency-pattern"
)

// Thresholds parameterizes the default analyzers.
type Thresholds struct {
	MaxStudentsPerDevice int
	DeviceHighRisk       float64
	DeviceRapidUse       int
	WatchedCountries     []string
	MaxDevicesPerNetwork int
	MinInterval          time.Duration
	// AutomationVariance is in squared milliseconds.
	AutomationVariance float64
	TimingSamples      int
	MinTimingSamples   int
	HistoricallyRisky  float64
	GeoRadiusMeters    float64
	AnomalyThreshold   int
}

// DefaultThresholds returns the stock rule parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxStudentsPerDevice: 1,
		DeviceHighRisk:       70,
		DeviceRapidUse:       5,
		WatchedCountries:     []string{"CN", "RU", "IR", "KP"},
		MaxDevicesPerNetwork: 3,
		MinInterval:          5 * time.Second,
		AutomationVariance:   1000,
		TimingSamples:        5,
		MinTimingSamples:     3,
		HistoricallyRisky:    70,
		GeoRadiusMeters:      1000,
		AnomalyThreshold:     5,
	}
}

// DefaultAnalyzers returns the standard analyzer set in evaluation order.
func DefaultAnalyzers(t Thresholds) []Analyzer {
	return []Analyzer{
		DeviceAnalyzer(t),
		NetworkAnalyzer(t),
		TimingAnalyzer(t),
		BehavioralAnalyzer(t),
		GeolocationAnalyzer(t),
		AnomalyAnalyzer(t),
	}
}

// DeviceAnalyzer checks the device's block state, sharing, risk and rate.
// A blocked device short-circuits the remaining device rules.
func DeviceAnalyzer(t Thresholds) Analyzer {
	return Analyzer{
		Name: "device",
		Rules: []Rule{
			{Flag: FlagDeviceBlocked, Penalty: 100, Terminal: true, Match: func(_ Submission, ev Evidence) bool {
				return ev.DeviceBlocked
			}},
			{Flag: FlagDeviceShared, Penalty: 50, Match: func(sub Submission, ev Evidence) bool {
				students := distinct(ev.DeviceHistory, func(a reputation.Association) string { return a.StudentID })
				if _, seen := students[sub.StudentID]; seen {
					return false
				}
				return len(students)+1 > t.MaxStudentsPerDevice
			}},
			{Flag: FlagDeviceHighRisk, Penalty: 30, Match: func(_ Submission, ev Evidence) bool {
				return len(ev.DeviceHistory) > 0 && reputation.AverageRisk(ev.DeviceHistory) > t.DeviceHighRisk
			}},
			{Flag: FlagDeviceRapidUse, Penalty: 25, Match: func(_ Submission, ev Evidence) bool {
				return len(ev.DeviceRecent)+1 > t.DeviceRapidUse
			}},
		},
	}
}

// NetworkAnalyzer checks the network's block state, origin and fan-out.
func NetworkAnalyzer(t Thresholds) Analyzer {
	watched := make(map[string]struct{}, len(t.WatchedCountries))
	for _, c := range t.WatchedCountries {
		watched[strings.ToUpper(c)] = struct{}{}
	}
	return Analyzer{
		Name: "network",
		Rules: []Rule{
			{Flag: FlagNetworkBlocked, Penalty: 100, Terminal: true, Match: func(_ Submission, ev Evidence) bool {
				return ev.NetworkBlocked
			}},
			{Flag: FlagSuspiciousLocation, Penalty: 20, Match: func(_ Submission, ev Evidence) bool {
				_, ok := watched[strings.ToUpper(ev.Network.Country)]
				return ev.Network.Country != "" && ok
			}},
			{Flag: FlagNetworkProxy, Penalty: 40, Match: func(_ Submission, ev Evidence) bool {
				return ev.Network.Proxy
			}},
			{Flag: FlagNetworkMultiDevice, Penalty: 35, Match: func(sub Submission, ev Evidence) bool {
				devices := distinct(ev.NetworkRecent, func(a reputation.Association) string { return a.DeviceFingerprint })
				devices[sub.DeviceFingerprint] = struct{}{}
				return len(devices) > t.MaxDevicesPerNetwork
			}},
		},
	}
}

// TimingAnalyzer looks for bursts and machine-regular submission intervals.
func TimingAnalyzer(t Thresholds) Analyzer {
	return Analyzer{
		Name: "timing",
		Rules: []Rule{
			{Flag: FlagTimingTooFast, Penalty: 45, Match: func(sub Submission, ev Evidence) bool {
				return withinInterval(sub.At, ev.DeviceRecent, t.MinInterval) ||
					withinInterval(sub.At, ev.NetworkRecent, t.MinInterval)
			}},
			{Flag: FlagAutomatedPattern, Penalty: 30, Match: func(_ Submission, ev Evidence) bool {
				samples := ev.DeviceHistory
				if len(samples) > t.TimingSamples {
					samples = samples[:t.TimingSamples]
				}
				if len(samples) < t.MinTimingSamples {
					return false
				}
				return intervalVariance(samples) < t.AutomationVariance
			}},
		},
	}
}

// BehavioralAnalyzer compares the attempt against the student's accepted
// history. Students without history are not judged.
func BehavioralAnalyzer(t Thresholds) Analyzer {
	return Analyzer{
		Name: "behavioral",
		Applies: func(_ Submission, ev Evidence) bool {
			return len(ev.StudentHistory) > 0
		},
		Rules: []Rule{
			{Flag: FlagNewDevice, Penalty: 15, Match: func(sub Submission, ev Evidence) bool {
				_, ok := distinct(ev.StudentHistory, func(a reputation.Association) string { return a.DeviceFingerprint })[sub.DeviceFingerprint]
				return !ok
			}},
			{Flag: FlagNewBrowser, Penalty: 10, Match: func(sub Submission, ev Evidence) bool {
				_, ok := distinct(ev.StudentHistory, func(a reputation.Association) string { return a.BrowserFingerprint })[sub.BrowserFingerprint]
				return !ok
			}},
			{Flag: FlagHistoricallyRisky, Penalty: 20, Match: func(_ Submission, ev Evidence) bool {
				return averageScore(ev.StudentHistory) < t.HistoricallyRisky
			}},
		},
	}
}

// GeolocationAnalyzer applies only when both the submission and the
// session carry coordinates.
func GeolocationAnalyzer(t Thresholds) Analyzer {
	return Analyzer{
		Name: "geolocation",
		Applies: func(sub Submission, ev Evidence) bool {
			return sub.Location != nil && ev.SessionLocation != nil
		},
		Rules: []Rule{
			{Flag: FlagOutOfRange, Penalty: 25, Match: func(sub Submission, ev Evidence) bool {
				return geo.Distance(*sub.Location, *ev.SessionLocation) > t.GeoRadiusMeters
			}},
		},
	}
}

// AnomalyAnalyzer flags students submitting unusually often in the same
// hour of day.
func AnomalyAnalyzer(t Thresholds) Analyzer {
	return Analyzer{
		Name: "anomaly",
		Rules: []Rule{
			{Flag: FlagFrequencyPattern, Penalty: 30, Match: func(_ Submission, ev Evidence) bool {
				return ev.PriorFrequency > t.AnomalyThreshold
			}},
		},
	}
}

func distinct(as []reputation.Association, key func(reputation.Association) string) map[string]struct{} {
	out := make(map[string]struct{}, len(as))
	for _, a := range as {
		if k := key(a); k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

func withinInterval(at time.Time, as []reputation.Association, d time.Duration) bool {
	for _, a := range as {
		if at.Sub(a.At) < d {
			return true
		}
	}
	return false
}

// intervalVariance is the population variance, in ms², of the gaps between
// consecutive associations.
func intervalVariance(as []reputation.Association) float64 {
	gaps := make([]float64, 0, len(as)-1)
	for i := 1; i < len(as); i++ {
		gaps = append(gaps, float64(as[i-1].At.Sub(as[i].At).Milliseconds()))
	}
	var mean float64
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))
	var v float64
	for _, g := range gaps {
		v += (g - mean) * (g - mean)
	}
	return v / float64(len(gaps))
}

func averageScore(as []reputation.Association) float64 {
	if len(as) == 0 {
		return 0
	}
	var sum int
	for _, a := range as {
		sum += a.Score
	}
	return float64(sum) / float64(len(as))
}
