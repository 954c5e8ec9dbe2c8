package alertsvc

import (
	"context"
	"testing"
	"time"

	"github.com/lefinal/uptime-server/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type storeStub struct {
	devices []store.Device
	err     error
}

func (s *storeStub) Devices(_ context.Context) ([]store.Device, error) {
	return s.devices, s.err
}

func (s *storeStub) setStatus(name string, status store.DeviceStatus) {
	for i := range s.devices {
		if s.devices[i].Name == name {
			s.devices[i].Status = status
			return
		}
	}
	s.devices = append(s.devices, store.Device{Name: name, Status: status})
}

type notifierStub struct {
	texts  []string
	voices []string
}

func (n *notifierStub) BroadcastText(_ context.Context, message string) {
	n.texts = append(n.texts, message)
}

func (n *notifierStub) BroadcastVoice(_ context.Context, assetPath string) {
	n.voices = append(n.voices, assetPath)
}

type alertServiceSuite struct {
	suite.Suite
	store    *storeStub
	notifier *notifierStub
	svc      *alertService
	start    time.Time
}

func (suite *alertServiceSuite) SetupTest() {
	suite.store = &storeStub{}
	suite.notifier = &notifierStub{}
	svc, err := NewService(zap.NewNop(), suite.store, suite.notifier, Config{
		TextAfter:  time.Minute,
		VoiceAfter: 2 * time.Minute,
		VoiceAsset: "/assets/alert.ogg",
	})
	suite.Require().NoError(err, "create should not fail")
	suite.svc = svc.(*alertService)
	suite.start = time.Date(2022, 3, 4, 12, 0, 0, 0, time.UTC)
}

// tickAt runs a tick with the wall-clock at start plus the given offset.
func (suite *alertServiceSuite) tickAt(offset time.Duration) {
	suite.Require().NoError(suite.svc.tick(context.Background(), suite.start.Add(offset)))
}

func (suite *alertServiceSuite) TestEscalationSequence() {
	suite.store.setStatus("heater", store.DeviceStatusOffline)
	suite.tickAt(0)
	suite.Empty(suite.notifier.texts, "no text right after going offline")
	suite.tickAt(30 * time.Second)
	suite.Empty(suite.notifier.texts, "no text before text-after elapsed")
	suite.tickAt(65 * time.Second)
	suite.Len(suite.notifier.texts, 1, "text stage should have fired")
	suite.Empty(suite.notifier.voices, "no voice before voice-after elapsed")
	suite.tickAt(125 * time.Second)
	suite.Len(suite.notifier.texts, 1, "text stage should not repeat")
	suite.Require().Len(suite.notifier.voices, 1, "voice stage should have fired")
	suite.Equal("/assets/alert.ogg", suite.notifier.voices[0])
}

func (suite *alertServiceSuite) TestStagesFireOnce() {
	suite.store.setStatus("heater", store.DeviceStatusOffline)
	suite.tickAt(0)
	for offset := 3 * time.Minute; offset < 30*time.Minute; offset += 30 * time.Second {
		suite.tickAt(offset)
	}
	suite.Len(suite.notifier.texts, 1, "text stage should fire exactly once")
	suite.Len(suite.notifier.voices, 1, "voice stage should fire exactly once")
}

func (suite *alertServiceSuite) TestRecoveryRearms() {
	suite.store.setStatus("heater", store.DeviceStatusOffline)
	suite.tickAt(0)
	suite.tickAt(90 * time.Second)
	suite.Require().Len(suite.notifier.texts, 1)
	// Recover.
	suite.store.setStatus("heater", store.DeviceStatusOnline)
	suite.tickAt(2 * time.Minute)
	// Second outage.
	suite.store.setStatus("heater", store.DeviceStatusOffline)
	suite.tickAt(3 * time.Minute)
	suite.Len(suite.notifier.texts, 1, "fresh outage should not alert immediately")
	suite.tickAt(3*time.Minute + 70*time.Second)
	suite.Len(suite.notifier.texts, 2, "text stage should re-fire for new outage")
}

func (suite *alertServiceSuite) TestUnknownStatusDoesNotAlert() {
	suite.store.setStatus("heater", store.DeviceStatusUnknown)
	suite.tickAt(0)
	suite.tickAt(10 * time.Minute)
	suite.Empty(suite.notifier.texts)
	suite.Empty(suite.notifier.voices)
}

func (suite *alertServiceSuite) TestIndependentDevices() {
	suite.store.setStatus("heater", store.DeviceStatusOffline)
	suite.store.setStatus("pump", store.DeviceStatusOnline)
	suite.tickAt(0)
	suite.tickAt(90 * time.Second)
	suite.Require().Len(suite.notifier.texts, 1)
	suite.Contains(suite.notifier.texts[0], "heater")
}

func TestAlertService(t *testing.T) {
	suite.Run(t, new(alertServiceSuite))
}

func TestNewService_VoiceAfterValidation(t *testing.T) {
	_, err := NewService(zap.NewNop(), &storeStub{}, &notifierStub{}, Config{
		TextAfter:  2 * time.Minute,
		VoiceAfter: time.Minute,
	})
	assert.Error(t, err, "should fail for voice-after not greater than text-after")
}

func TestNewService_Defaults(t *testing.T) {
	svc, err := NewService(zap.NewNop(), &storeStub{}, &notifierStub{}, Config{})
	require.NoError(t, err, "create should not fail")
	s := svc.(*alertService)
	assert.Equal(t, defaultTextAfter, s.config.TextAfter)
	assert.Equal(t, defaultVoiceAfter, s.config.VoiceAfter)
	assert.Equal(t, defaultTickInterval, s.config.TickInterval)
}
