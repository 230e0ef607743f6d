package risk

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/directory"
	"attendguard/internal/geo"
	"attendguard/internal/logging"
	"attendguard/internal/reputation"
)

// DeviceTrackedHistory is how many recent associations make up a device's
// tracked history.
const DeviceTrackedHistory = 10

// HistoryReader is the slice of the reputation store the collector reads.
type HistoryReader interface {
	IsBlocked(ctx context.Context, id reputation.Identity) (bool, error)
	Query(ctx context.Context, q reputation.Query) ([]reputation.Association, error)
}

// HistoryCollector fans out the evidence reads for a submission.
// Reputation reads are required; geolocation, session location and the
// frequency counter degrade to empty evidence when they fail.
type HistoryCollector struct {
	history   HistoryReader
	sessions  directory.Sessions
	lookup    geo.Lookup
	frequency FrequencyCounter
	log       *zap.Logger
}

// NewHistoryCollector wires a collector. sessions, lookup and frequency may be nil.
func NewHistoryCollector(history HistoryReader, sessions directory.Sessions, lookup geo.Lookup, frequency FrequencyCounter, lg *zap.Logger) *HistoryCollector {
	if lookup == nil {
		lookup = geo.NoopLookup{}
	}
	return &HistoryCollector{history: history, sessions: sessions, lookup: lookup, frequency: frequency, log: logging.OrNop(lg)}
}

// Collect implements Collector.
func (c *HistoryCollector) Collect(ctx context.Context, sub Submission) (Evidence, error) {
	var ev Evidence
	device := reputation.Device(sub.DeviceFingerprint)
	network := reputation.Network(sub.NetworkIdentity)
	rateSince := sub.At.Add(-reputation.RateWindow)
	behavioralSince := sub.At.Add(-reputation.BehavioralWindow)
	lg := logging.FromContext(ctx, c.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ev.DeviceBlocked, err = c.history.IsBlocked(gctx, device)
		return wrap("device block state", err)
	})
	g.Go(func() (err error) {
		ev.NetworkBlocked, err = c.history.IsBlocked(gctx, network)
		return wrap("network block state", err)
	})
	g.Go(func() (err error) {
		ev.DeviceHistory, err = c.history.Query(gctx, reputation.Query{Subject: device, Since: behavioralSince, Limit: DeviceTrackedHistory})
		return wrap("device history", err)
	})
	g.Go(func() (err error) {
		ev.DeviceRecent, err = c.history.Query(gctx, reputation.Query{Subject: device, Since: rateSince})
		return wrap("device rate history", err)
	})
	g.Go(func() (err error) {
		ev.NetworkRecent, err = c.history.Query(gctx, reputation.Query{Subject: network, Since: rateSince})
		return wrap("network rate history", err)
	})
	g.Go(func() (err error) {
		ev.StudentHistory, err = c.history.Query(gctx, reputation.Query{Subject: reputation.Student(sub.StudentID), Since: behavioralSince, AcceptedOnly: true})
		return wrap("student history", err)
	})
	g.Go(func() error {
		info, err := c.lookup.Lookup(gctx, sub.NetworkIdentity)
		if err != nil {
			lg.Warn("geo lookup failed", zap.String("network", sub.NetworkIdentity), zap.Error(err))
			return nil
		}
		ev.Network = info
		return nil
	})
	if c.sessions != nil && sub.Location != nil {
		g.Go(func() error {
			sess, err := c.sessions.Session(gctx, sub.SessionID)
			if err != nil {
				if !errors.Is(err, directory.ErrNotFound) {
					lg.Warn("session location unavailable", zap.String("session_id", sub.SessionID), zap.Error(err))
				}
				return nil
			}
			ev.SessionLocation = sess.Location
			return nil
		})
	}
	if c.frequency != nil {
		g.Go(func() error {
			prior, err := c.frequency.Hit(gctx, sub.StudentID, sub.At)
			if err != nil {
				lg.Warn("frequency counter unavailable", zap.String("student_id", sub.StudentID), zap.Error(err))
				return nil
			}
			ev.PriorFrequency = prior
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Evidence{}, err
	}
	return ev, nil
}

func wrap(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
