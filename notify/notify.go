// Package notify fans engine events out to subscribers and live channels.
// Delivery is best-effort, a broken subscriber never blocks the engine.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/messenger"
	"github.com/lefinal/uptime-server/sla"
	"github.com/lefinal/uptime-server/store"
	"go.uber.org/zap"
)

// sendTimeout is the timeout for delivering a single broadcast. Delivery runs
// detached from the caller so that slow subscribers cannot stall liveness
// handling.
const sendTimeout = 15 * time.Second

// Store provides the subscriber list for broadcasts.
type Store interface {
	// Subscribers retrieves the chat ids of all registered subscribers.
	Subscribers(ctx context.Context) ([]int64, error)
}

// Channel is a live output that receives JSON-encoded engine events, for
// example the MQTT announcer or the websocket hub. Publishing must not block.
type Channel interface {
	// Publish publishes the payload for the given event kind.
	Publish(ctx context.Context, event string, payload []byte)
}

// Event kinds passed to Channel.Publish.
const (
	// EventStatus is published when a device changes its online-state.
	EventStatus = "status"
	// EventSummary is published with scheduled uptime summaries.
	EventSummary = "summary"
)

// Broadcaster delivers messages to all subscribers via the messenger client
// and pushes events to the attached live channels.
type Broadcaster struct {
	logger   *zap.Logger
	store    Store
	client   messenger.Client
	channels []Channel
	// running tracks detached deliveries for Wait.
	running sync.WaitGroup
}

// NewBroadcaster creates a Broadcaster with the given subscriber store,
// messenger client and live channels.
func NewBroadcaster(logger *zap.Logger, s Store, client messenger.Client, channels ...Channel) *Broadcaster {
	return &Broadcaster{
		logger:   logger,
		store:    s,
		client:   client,
		channels: channels,
	}
}

// BroadcastText sends the given message to every subscriber. Delivery runs
// detached and failures are only logged.
func (b *Broadcaster) BroadcastText(_ context.Context, message string) {
	b.fanOut("text", func(ctx context.Context, chatID int64) error {
		return b.client.SendText(ctx, chatID, message)
	})
}

// BroadcastVoice sends the audio asset at the given path to every subscriber.
// Delivery runs detached and failures are only logged.
func (b *Broadcaster) BroadcastVoice(_ context.Context, assetPath string) {
	b.fanOut("voice", func(ctx context.Context, chatID int64) error {
		return b.client.SendVoice(ctx, chatID, assetPath)
	})
}

// fanOut retrieves the subscriber list and runs send for each subscriber
// concurrently. It returns immediately.
func (b *Broadcaster) fanOut(kind string, send func(ctx context.Context, chatID int64) error) {
	b.running.Add(1)
	go func() {
		defer b.running.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		subscribers, err := b.store.Subscribers(ctx)
		if err != nil {
			errors.Log(b.logger, errors.Wrap(err, "retrieve subscribers for broadcast", errors.Details{"kind": kind}))
			return
		}
		var wg sync.WaitGroup
		for _, chatID := range subscribers {
			wg.Add(1)
			go func(chatID int64) {
				defer wg.Done()
				if err := send(ctx, chatID); err != nil {
					errors.Log(b.logger, errors.Wrap(err, "deliver broadcast", errors.Details{
						"kind":    kind,
						"chat_id": chatID,
					}))
				}
			}(chatID)
		}
		wg.Wait()
	}()
}

// Wait blocks until all detached deliveries have finished.
func (b *Broadcaster) Wait() {
	b.running.Wait()
}

// statusMessage is the payload published to live channels via EventStatus.
type statusMessage struct {
	Device   string             `json:"device"`
	Status   store.DeviceStatus `json:"status"`
	LastSeen time.Time          `json:"last_seen"`
}

// AnnounceStatus publishes the new device state to all attached live channels.
func (b *Broadcaster) AnnounceStatus(ctx context.Context, device store.Device) {
	payload, err := json.Marshal(statusMessage{
		Device:   device.Name,
		Status:   device.Status,
		LastSeen: device.LastSeen,
	})
	if err != nil {
		errors.Log(b.logger, errors.NewInternalErrorFromErr(err, "marshal status message", errors.Details{"device": device.Name}))
		return
	}
	b.publish(ctx, EventStatus, payload)
}

// summaryMessage is the payload published to live channels via EventSummary.
type summaryMessage struct {
	Device   string  `json:"device"`
	Label    string  `json:"label"`
	HasData  bool    `json:"has_data"`
	UptimeMS int64   `json:"uptime_ms"`
	PeriodMS int64   `json:"period_ms"`
	Percent  float64 `json:"percent"`
}

// AnnounceSummary publishes the given uptime report to all attached live
// channels.
func (b *Broadcaster) AnnounceSummary(ctx context.Context, report sla.Report) {
	payload, err := json.Marshal(summaryMessage{
		Device:   report.Device,
		Label:    report.Label,
		HasData:  report.HasData,
		UptimeMS: report.UptimeMS,
		PeriodMS: report.PeriodMS,
		Percent:  report.Percent,
	})
	if err != nil {
		errors.Log(b.logger, errors.NewInternalErrorFromErr(err, "marshal summary message", errors.Details{"device": report.Device}))
		return
	}
	b.publish(ctx, EventSummary, payload)
}

func (b *Broadcaster) publish(ctx context.Context, event string, payload []byte) {
	for _, channel := range b.channels {
		channel.Publish(ctx, event, payload)
	}
}
