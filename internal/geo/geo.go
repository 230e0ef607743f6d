package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"

	"github.com/oschwald/geoip2-golang"
)

const earthRadiusMeters = 6371e3

// Point is a WGS84 coordinate.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	phi1 := a.Latitude * math.Pi / 180
	phi2 := b.Latitude * math.Pi / 180
	dPhi := (b.Latitude - a.Latitude) * math.Pi / 180
	dLambda := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Info is what a network identity resolves to.
type Info struct {
	Country string
	Proxy   bool
}

// Lookup resolves a network identity to geolocation facts.
type Lookup interface {
	Lookup(ctx context.Context, network string) (Info, error)
}

// NoopLookup resolves nothing; proxy detection is off without a database.
type NoopLookup struct{}

// Lookup implements Lookup.
func (NoopLookup) Lookup(context.Context, string) (Info, error) { return Info{}, nil }

// MaxMind resolves IP network identities with GeoIP2 databases. The
// anonymous-IP database is optional and drives the proxy indicator.
type MaxMind struct {
	country   *geoip2.Reader
	anonymous *geoip2.Reader
}

// OpenMaxMind opens the country database and, when anonymousPath is set,
// the anonymous-IP database.
func OpenMaxMind(countryPath, anonymousPath string) (*MaxMind, error) {
	if countryPath == "" {
		return nil, errors.New("country database path required")
	}
	country, err := geoip2.Open(countryPath)
	if err != nil {
		return nil, fmt.Errorf("open country db: %w", err)
	}
	m := &MaxMind{country: country}
	if anonymousPath != "" {
		anon, err := geoip2.Open(anonymousPath)
		if err != nil {
			_ = country.Close()
			return nil, fmt.Errorf("open anonymous ip db: %w", err)
		}
		m.anonymous = anon
	}
	return m, nil
}

// Lookup implements Lookup. Identities that are not IP addresses resolve to
// an empty Info.
func (m *MaxMind) Lookup(_ context.Context, network string) (Info, error) {
	ip := net.ParseIP(network)
	if ip == nil {
		return Info{}, nil
	}
	var info Info
	if m.country != nil {
		rec, err := m.country.Country(ip)
		if err != nil {
			return Info{}, fmt.Errorf("country lookup: %w", err)
		}
		info.Country = rec.Country.IsoCode
	}
	if m.anonymous != nil {
		rec, err := m.anonymous.AnonymousIP(ip)
		if err != nil {
			return Info{}, fmt.Errorf("anonymous ip lookup: %w", err)
		}
		info.Proxy = rec.IsAnonymous || rec.IsAnonymousVPN || rec.IsPublicProxy || rec.IsTorExitNode
	}
	return info, nil
}

// Close releases the underlying databases.
func (m *MaxMind) Close() error {
	var errs []error
	if m.country != nil {
		errs = append(errs, m.country.Close())
	}
	if m.anonymous != nil {
		errs = append(errs, m.anonymous.Close())
	}
	return errors.Join(errs...)
}
