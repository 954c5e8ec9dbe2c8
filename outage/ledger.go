// Package outage implements the outage ledger. It is the exclusive owner of
// outage start and end timestamps.
package outage

import (
	"context"
	"time"

	"github.com/gobuffalo/nulls"
	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/store"
	"go.uber.org/zap"
)

// Store are the persistence dependencies needed for NewLedger.
type Store interface {
	// OpenOutageByDevice retrieves the currently open outage for the device. If
	// none is open, an errors.ErrNotFound error is returned.
	OpenOutageByDevice(ctx context.Context, device string) (store.Outage, error)
	// CreateOutage inserts a new open outage for the device starting at the
	// given time.
	CreateOutage(ctx context.Context, device string, start time.Time) (store.Outage, error)
	// UpdateOutage updates start, end and duration of the given outage.
	UpdateOutage(ctx context.Context, outage store.Outage) error
	// OutagesInWindow retrieves all outages for the device overlapping the
	// window [from, to).
	OutagesInWindow(ctx context.Context, device string, from time.Time, to time.Time) ([]store.Outage, error)
}

// Ledger maintains open and closed outage intervals per device. At most one
// outage per device is open at any time.
type Ledger struct {
	logger *zap.Logger
	store  Store
}

// NewLedger creates a new Ledger using the given Store.
func NewLedger(logger *zap.Logger, s Store) *Ledger {
	return &Ledger{
		logger: logger,
		store:  s,
	}
}

// Open opens an outage for the given device starting at the given time. If an
// outage is already open for the device, nothing happens. This guards against
// duplicate offline signals.
func (l *Ledger) Open(ctx context.Context, device string, at time.Time) error {
	_, err := l.store.OpenOutageByDevice(ctx, device)
	if err == nil {
		// Already open.
		return nil
	}
	if e, _ := errors.Cast(err); e.Code != errors.ErrNotFound {
		return errors.Wrap(err, "lookup open outage", errors.Details{"device": device})
	}
	_, err = l.store.CreateOutage(ctx, device, at)
	if err != nil {
		return errors.Wrap(err, "create outage", errors.Details{"device": device})
	}
	return nil
}

// Close closes the currently open outage for the given device at the given
// time and computes its duration. If no outage is open, nothing happens. This
// guards against spurious online signals with no matching offline.
func (l *Ledger) Close(ctx context.Context, device string, at time.Time) error {
	open, err := l.store.OpenOutageByDevice(ctx, device)
	if err != nil {
		if e, _ := errors.Cast(err); e.Code == errors.ErrNotFound {
			return nil
		}
		return errors.Wrap(err, "lookup open outage", errors.Details{"device": device})
	}
	open.End = nulls.NewTime(at)
	open.DurationMS = at.Sub(open.Start).Milliseconds()
	if open.DurationMS < 0 {
		open.DurationMS = 0
	}
	err = l.store.UpdateOutage(ctx, open)
	if err != nil {
		return errors.Wrap(err, "update outage", errors.Details{"device": device})
	}
	return nil
}

// Repair adjusts the open outage of the given device using the downtime the
// device measured itself while it could not report. The outage start moves
// forward by the buffered duration, clamped to not exceed the given time.
// This corrects for the gap between the device going dark and the server
// noticing. If no outage is open, nothing happens.
func (l *Ledger) Repair(ctx context.Context, device string, bufferedMS int64, at time.Time) error {
	if bufferedMS < 0 {
		return errors.NewInvalidPayloadError("negative buffered duration",
			errors.Details{"device": device, "buffered_ms": bufferedMS})
	}
	open, err := l.store.OpenOutageByDevice(ctx, device)
	if err != nil {
		if e, _ := errors.Cast(err); e.Code == errors.ErrNotFound {
			return nil
		}
		return errors.Wrap(err, "lookup open outage", errors.Details{"device": device})
	}
	adjusted := open.Start.Add(time.Duration(bufferedMS) * time.Millisecond)
	if adjusted.After(at) {
		adjusted = at
	}
	open.Start = adjusted
	open.DurationMS = at.Sub(open.Start).Milliseconds()
	err = l.store.UpdateOutage(ctx, open)
	if err != nil {
		return errors.Wrap(err, "update outage", errors.Details{"device": device})
	}
	return nil
}

// DowntimeInWindow computes the total downtime of the given device within the
// window [from, to). Closed outages contribute their overlap with the window.
// A still-open outage contributes its overlap up to the given current time.
func (l *Ledger) DowntimeInWindow(ctx context.Context, device string, from time.Time, to time.Time,
	now time.Time) (time.Duration, error) {
	outages, err := l.store.OutagesInWindow(ctx, device, from, to)
	if err != nil {
		return 0, errors.Wrap(err, "outages in window", errors.Details{"device": device})
	}
	var downtime time.Duration
	for _, o := range outages {
		end := now
		if o.End.Valid {
			end = o.End.Time
		}
		downtime += overlap(o.Start, end, from, to)
	}
	return downtime, nil
}

// overlap computes the duration of the intersection of [aStart, aEnd) and
// [bStart, bEnd).
func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}
