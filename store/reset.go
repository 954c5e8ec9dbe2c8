package store

import (
	"context"

	"github.com/lefinal/uptime-server/errors"
)

// summaryMarkerPrefix is the key prefix of summary deduplication markers.
// These are dropped on reset so summaries for wiped buckets can fire again.
const summaryMarkerPrefix = "summary."

// ResetHistory erases all outage, sample and event history, drops the
// summary markers and returns every device to DeviceStatusUnknown. The
// command poll cursor is kept so already-handled subscriber commands are not
// replayed. The steps are not atomic. A failed reset reports the error to
// the caller who simply re-issues the command, every step is idempotent.
func (m *Mall) ResetHistory(ctx context.Context) error {
	err := m.DeleteOutages(ctx)
	if err != nil {
		return errors.Wrap(err, "delete outages", nil)
	}
	err = m.DeleteUptimeSamples(ctx)
	if err != nil {
		return errors.Wrap(err, "delete uptime samples", nil)
	}
	err = m.DeleteEventRecords(ctx)
	if err != nil {
		return errors.Wrap(err, "delete event records", nil)
	}
	err = m.DeleteMarkersByPrefix(ctx, summaryMarkerPrefix)
	if err != nil {
		return errors.Wrap(err, "delete summary markers", nil)
	}
	err = m.ResetDeviceStatuses(ctx)
	if err != nil {
		return errors.Wrap(err, "reset device statuses", nil)
	}
	return nil
}
