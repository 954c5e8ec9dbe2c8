package messenger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/service"
	"github.com/lefinal/uptime-server/sla"
	"github.com/lefinal/uptime-server/store"
	"go.uber.org/zap"
)

// cursorMarkerKey is the marker key holding the id of the next update to
// process.
const cursorMarkerKey = "cursor.updates"

// pollPause is the pause between two update polls when the previous one
// returned nothing or failed.
const pollPause = 2 * time.Second

// Store are the persistence dependencies needed for NewCommandService.
type Store interface {
	// AddSubscriber registers the chat as broadcast destination if not yet
	// known.
	AddSubscriber(ctx context.Context, chatID int64) error
	// MarkerByKey retrieves the marker value for the given key.
	MarkerByKey(ctx context.Context, key string) (string, error)
	// SetMarker sets the marker with the given key.
	SetMarker(ctx context.Context, key string, value string) error
	// Devices retrieves all known devices.
	Devices(ctx context.Context) ([]store.Device, error)
	// ResetHistory erases all history and returns devices to unknown state.
	ResetHistory(ctx context.Context) error
}

// Reporter computes SLA reports for command replies.
type Reporter interface {
	// ObservedReport reconstructs the SLA for [from, to) from the outage
	// ledger.
	ObservedReport(ctx context.Context, device string, from time.Time, to time.Time, now time.Time) (sla.Report, error)
	// RollingReport computes the average self-reported SLA over the last n day
	// buckets.
	RollingReport(ctx context.Context, device string, n uint) (sla.Report, error)
}

// CommandConfig is the configuration for NewCommandService.
type CommandConfig struct {
	// PrimaryDevice is the device that status commands report on.
	PrimaryDevice string
	// AdminChatIDs is the allow-list for privileged commands.
	AdminChatIDs []int64
	// Zone is the fixed local zone for window computation.
	Zone *time.Location
}

// commandService polls the messaging backend for subscriber commands and
// answers them. The poll cursor is persisted per processed update so a crash
// mid-batch does not replay already-handled updates.
type commandService struct {
	logger   *zap.Logger
	config   CommandConfig
	client   Client
	store    Store
	reporter Reporter
	// now returns the current time. Extracted for tests.
	now func() time.Time
}

// NewCommandService creates a new service.Service that serves subscriber
// commands.
func NewCommandService(logger *zap.Logger, config CommandConfig, client Client, s Store,
	reporter Reporter) service.Service {
	return &commandService{
		logger:   logger,
		config:   config,
		client:   client,
		store:    s,
		reporter: reporter,
		now:      time.Now,
	}
}

// Run the service until the given context.Context is done.
func (s *commandService) Run(ctx context.Context) error {
	cursor := s.loadCursor(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		updates, err := s.client.Updates(ctx, cursor)
		if err != nil {
			errors.Log(s.logger, errors.Wrap(err, "poll updates", nil))
			s.pause(ctx)
			continue
		}
		if len(updates) == 0 {
			s.pause(ctx)
			continue
		}
		for _, update := range updates {
			s.handleUpdate(ctx, update)
			// Advance the cursor after every processed update so a crash only
			// replays updates after the saved position.
			cursor = update.ID + 1
			err = s.store.SetMarker(ctx, cursorMarkerKey, strconv.FormatInt(cursor, 10))
			if err != nil {
				errors.Log(s.logger, errors.Wrap(err, "persist cursor", nil))
			}
		}
	}
}

// loadCursor reads the persisted poll cursor. A missing marker means we start
// from the beginning.
func (s *commandService) loadCursor(ctx context.Context) int64 {
	value, err := s.store.MarkerByKey(ctx, cursorMarkerKey)
	if err != nil {
		if e, _ := errors.Cast(err); e.Code != errors.ErrNotFound {
			errors.Log(s.logger, errors.Wrap(err, "load cursor", nil))
		}
		return 0
	}
	cursor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		errors.Log(s.logger, errors.NewInternalErrorFromErr(err, "parse cursor",
			errors.Details{"was": value}))
		return 0
	}
	return cursor
}

func (s *commandService) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(pollPause):
	}
}

// handleUpdate registers the chat as subscriber and dispatches the command.
// Failures are answered best-effort and never stop the poll loop.
func (s *commandService) handleUpdate(ctx context.Context, update Update) {
	err := s.store.AddSubscriber(ctx, update.ChatID)
	if err != nil {
		errors.Log(s.logger, errors.Wrap(err, "add subscriber",
			errors.Details{"chat_id": update.ChatID}))
	}
	reply, err := s.dispatch(ctx, update)
	if err != nil {
		errors.Log(s.logger, errors.Wrap(err, "dispatch command",
			errors.Details{"chat_id": update.ChatID, "text": update.Text}))
		reply = "Sorry, something went wrong while handling that command."
	}
	if reply == "" {
		return
	}
	err = s.client.SendText(ctx, update.ChatID, reply)
	if err != nil {
		errors.Log(s.logger, errors.Wrap(err, "send reply",
			errors.Details{"chat_id": update.ChatID}))
	}
}

// dispatch maps the command text to its handler and returns the reply text.
func (s *commandService) dispatch(ctx context.Context, update Update) (string, error) {
	command := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(update.Text), "/"))
	switch command {
	case "start":
		return "Subscribed. You will receive status changes, daily summaries and alerts.", nil
	case "status":
		return s.statusReply(ctx)
	case "statusweek":
		return s.rollingReply(ctx, 7)
	case "statusmonth":
		return s.rollingReply(ctx, 30)
	case "devices":
		return s.devicesReply(ctx)
	case "reset":
		return s.resetReply(ctx, update.ChatID)
	}
	return "Unknown command. Available: status, statusweek, statusmonth, devices, reset.", nil
}

// statusReply answers with the observed SLA of the primary device for the
// current day.
func (s *commandService) statusReply(ctx context.Context) (string, error) {
	now := s.now()
	from := sla.DayStart(now, s.config.Zone)
	report, err := s.reporter.ObservedReport(ctx, s.config.PrimaryDevice, from, now, now)
	if err != nil {
		return "", errors.Wrap(err, "observed report", nil)
	}
	return FormatReport(report), nil
}

// rollingReply answers with the self-reported rolling SLA over the given
// number of day buckets.
func (s *commandService) rollingReply(ctx context.Context, days uint) (string, error) {
	report, err := s.reporter.RollingReport(ctx, s.config.PrimaryDevice, days)
	if err != nil {
		return "", errors.Wrap(err, "rolling report", nil)
	}
	return FormatReport(report), nil
}

// devicesReply answers with every known device, its status and last-seen
// timestamp.
func (s *commandService) devicesReply(ctx context.Context) (string, error) {
	devices, err := s.store.Devices(ctx)
	if err != nil {
		return "", errors.Wrap(err, "retrieve devices", nil)
	}
	if len(devices) == 0 {
		return "No devices have reported yet.", nil
	}
	var b strings.Builder
	b.WriteString("Devices:\n")
	for _, device := range devices {
		b.WriteString(fmt.Sprintf("%s: %s, last seen %s\n", device.Name, device.Status,
			device.LastSeen.In(s.config.Zone).Format("2006-01-02 15:04:05")))
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// resetReply erases all history if the caller is on the allow-list.
func (s *commandService) resetReply(ctx context.Context, chatID int64) (string, error) {
	if !s.isAdmin(chatID) {
		s.logger.Warn("refused reset command", zap.Int64("chat_id", chatID))
		return "You are not allowed to do that.", nil
	}
	err := s.store.ResetHistory(ctx)
	if err != nil {
		return "", errors.Wrap(err, "reset history", nil)
	}
	return "All history erased. Devices are back to unknown state.", nil
}

func (s *commandService) isAdmin(chatID int64) bool {
	for _, adminChatID := range s.config.AdminChatIDs {
		if adminChatID == chatID {
			return true
		}
	}
	return false
}

// FormatReport renders an sla.Report as a subscriber-facing message. Reports
// without data yield an explicit no-data notice because silence is
// indistinguishable from failure to subscribers.
func FormatReport(report sla.Report) string {
	if !report.HasData {
		return fmt.Sprintf("No data yet for %s (%s).", report.Device, report.Label)
	}
	downtimeMS := report.PeriodMS - report.UptimeMS
	if downtimeMS < 0 {
		downtimeMS = 0
	}
	return fmt.Sprintf("%s (%s): %.2f%% uptime, downtime %s.", report.Device, report.Label,
		report.Percent, (time.Duration(downtimeMS) * time.Millisecond).Round(time.Second))
}
