// Package alertsvc escalates prolonged device outages to subscribers, first
// with a text message and later with a voice broadcast.
package alertsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/gobuffalo/nulls"
	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/service"
	"github.com/lefinal/uptime-server/store"
	"go.uber.org/zap"
)

const (
	// defaultTickInterval is used when Config.TickInterval is unset.
	defaultTickInterval = 30 * time.Second
	// defaultTextAfter is used when Config.TextAfter is unset.
	defaultTextAfter = time.Minute
	// defaultVoiceAfter is used when Config.VoiceAfter is unset.
	defaultVoiceAfter = 2 * time.Minute
)

// Store provides the current device states.
type Store interface {
	// Devices retrieves all known devices.
	Devices(ctx context.Context) ([]store.Device, error)
}

// Notifier delivers the escalation broadcasts.
type Notifier interface {
	// BroadcastText sends the given message to every subscriber.
	BroadcastText(ctx context.Context, message string)
	// BroadcastVoice sends the audio asset at the given path to every
	// subscriber.
	BroadcastVoice(ctx context.Context, assetPath string)
}

// Config is the configuration for NewService.
type Config struct {
	// TextAfter is how long a device needs to be offline before the text stage
	// fires. Defaults to defaultTextAfter.
	TextAfter time.Duration
	// VoiceAfter is how long a device needs to be offline before the voice
	// stage fires. Must be greater than TextAfter. Defaults to
	// defaultVoiceAfter.
	VoiceAfter time.Duration
	// VoiceAsset is the path of the audio file for the voice stage. If the file
	// does not exist, the voice stage does nothing.
	VoiceAsset string
	// TickInterval is the interval in which device states are checked.
	// Defaults to defaultTickInterval.
	TickInterval time.Duration
}

// escalationState tracks the escalation progress for one offline device.
type escalationState struct {
	// offlineSince is when the device was first observed offline. Invalid while
	// the device is online.
	offlineSince nulls.Time
	// textSent describes whether the text stage has fired for this outage.
	textSent bool
	// voiceSent describes whether the voice stage has fired for this outage.
	voiceSent bool
}

type alertService struct {
	logger   *zap.Logger
	store    Store
	notifier Notifier
	config   Config
	// states holds the escalation progress per device name. Only accessed from
	// the tick loop.
	states map[string]*escalationState
	// now is patched in tests.
	now func() time.Time
}

// NewService creates the escalation monitor service. Fails if VoiceAfter is
// not greater than TextAfter. Start it with Run.
func NewService(logger *zap.Logger, s Store, notifier Notifier, config Config) (service.Service, error) {
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.TextAfter <= 0 {
		config.TextAfter = defaultTextAfter
	}
	if config.VoiceAfter <= 0 {
		config.VoiceAfter = defaultVoiceAfter
	}
	if config.VoiceAfter <= config.TextAfter {
		return nil, errors.NewInvalidPayloadError("voice-after must be greater than text-after", errors.Details{
			"text_after":  config.TextAfter,
			"voice_after": config.VoiceAfter,
		})
	}
	return &alertService{
		logger:   logger,
		store:    s,
		notifier: notifier,
		config:   config,
		states:   make(map[string]*escalationState),
		now:      time.Now,
	}, nil
}

// Run ticks until the given context.Context is done.
func (s *alertService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx, s.now()); err != nil {
				errors.Log(s.logger, errors.Wrap(err, "escalation tick", nil))
			}
		}
	}
}

// tick advances the escalation state for every device.
func (s *alertService) tick(ctx context.Context, now time.Time) error {
	devices, err := s.store.Devices(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieve devices", nil)
	}
	for _, device := range devices {
		s.advance(ctx, device, now)
	}
	return nil
}

// advance fires due escalation stages for the given device or resets the
// state when the device has recovered.
func (s *alertService) advance(ctx context.Context, device store.Device, now time.Time) {
	if device.Status != store.DeviceStatusOffline {
		if _, ok := s.states[device.Name]; ok {
			// Recovered, re-arm both stages.
			delete(s.states, device.Name)
			s.logger.Debug("escalation state reset", zap.String("device", device.Name))
		}
		return
	}
	state, ok := s.states[device.Name]
	if !ok {
		state = &escalationState{offlineSince: nulls.NewTime(now)}
		s.states[device.Name] = state
	}
	elapsed := now.Sub(state.offlineSince.Time)
	if !state.textSent && elapsed >= s.config.TextAfter {
		state.textSent = true
		s.notifier.BroadcastText(ctx, fmt.Sprintf("CRITICAL: Device %s has been offline for %s.",
			device.Name, elapsed.Round(time.Second)))
		s.logger.Info("text escalation fired",
			zap.String("device", device.Name),
			zap.Duration("offline_for", elapsed))
	}
	if !state.voiceSent && elapsed >= s.config.VoiceAfter {
		state.voiceSent = true
		s.notifier.BroadcastVoice(ctx, s.config.VoiceAsset)
		s.logger.Info("voice escalation fired",
			zap.String("device", device.Name),
			zap.Duration("offline_for", elapsed))
	}
}
