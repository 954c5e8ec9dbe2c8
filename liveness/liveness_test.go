package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/gobuffalo/nulls"
	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/event"
	"github.com/lefinal/uptime-server/store"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// storeStub mocks Store.
type storeStub struct {
	mock.Mock
}

func (stub *storeStub) TouchDevice(ctx context.Context, name string, seenAt time.Time) (store.Device, error) {
	args := stub.Called(ctx, name, seenAt)
	return args.Get(0).(store.Device), args.Error(1)
}

func (stub *storeStub) SetDeviceStatus(ctx context.Context, name string, status store.DeviceStatus) error {
	args := stub.Called(ctx, name, status)
	return args.Error(0)
}

func (stub *storeStub) Devices(ctx context.Context) ([]store.Device, error) {
	args := stub.Called(ctx)
	return args.Get(0).([]store.Device), args.Error(1)
}

func (stub *storeStub) AppendEventRecord(ctx context.Context, record store.EventRecord) error {
	args := stub.Called(ctx, record)
	return args.Error(0)
}

func (stub *storeStub) UpsertUptimeSample(ctx context.Context, sample store.UptimeSample) error {
	args := stub.Called(ctx, sample)
	return args.Error(0)
}

// ledgerStub mocks Ledger.
type ledgerStub struct {
	mock.Mock
}

func (stub *ledgerStub) Open(ctx context.Context, device string, at time.Time) error {
	args := stub.Called(ctx, device, at)
	return args.Error(0)
}

func (stub *ledgerStub) Close(ctx context.Context, device string, at time.Time) error {
	args := stub.Called(ctx, device, at)
	return args.Error(0)
}

func (stub *ledgerStub) Repair(ctx context.Context, device string, bufferedMS int64, at time.Time) error {
	args := stub.Called(ctx, device, bufferedMS, at)
	return args.Error(0)
}

// notifierStub mocks Notifier.
type notifierStub struct {
	mock.Mock
}

func (stub *notifierStub) BroadcastText(ctx context.Context, message string) {
	stub.Called(ctx, message)
}

func (stub *notifierStub) AnnounceStatus(ctx context.Context, device store.Device) {
	stub.Called(ctx, device)
}

// monitorSuite tests Monitor.
type monitorSuite struct {
	suite.Suite
	storeStub    *storeStub
	ledgerStub   *ledgerStub
	notifierStub *notifierStub
	monitor      *Monitor
	receivedAt   time.Time
}

func (suite *monitorSuite) SetupTest() {
	suite.storeStub = &storeStub{}
	suite.ledgerStub = &ledgerStub{}
	suite.notifierStub = &notifierStub{}
	suite.monitor = NewMonitor(zap.New(zapcore.NewNopCore()), Config{
		StalenessWindow: 2 * time.Minute,
		Zone:            time.UTC,
	}, suite.storeStub, suite.ledgerStub, suite.notifierStub)
	suite.receivedAt = time.Date(2022, 3, 14, 12, 0, 0, 0, time.UTC)
}

func (suite *monitorSuite) report(kind event.Kind) event.Report {
	return event.Report{
		Device:     "garden-node",
		Kind:       kind,
		ReceivedAt: suite.receivedAt,
	}
}

func (suite *monitorSuite) expectTouch(current store.DeviceStatus) {
	suite.storeStub.On("TouchDevice", mock.Anything, "garden-node", suite.receivedAt).
		Return(store.Device{
			Name:     "garden-node",
			Status:   current,
			LastSeen: suite.receivedAt,
		}, nil).Once()
}

// TestHeartbeatOnlyTouches assures a heartbeat refreshes last-seen and does
// nothing else.
func (suite *monitorSuite) TestHeartbeatOnlyTouches() {
	suite.expectTouch(store.DeviceStatusOnline)
	defer suite.storeStub.AssertExpectations(suite.T())
	defer suite.ledgerStub.AssertExpectations(suite.T())
	defer suite.notifierStub.AssertExpectations(suite.T())
	err := suite.monitor.HandleReport(context.Background(), suite.report(event.KindHeartbeat))
	suite.Require().NoError(err, "should not fail")
}

// TestOfflineOpensOutageAndBroadcasts assures an explicit offline report
// transitions, opens an outage and broadcasts.
func (suite *monitorSuite) TestOfflineOpensOutageAndBroadcasts() {
	suite.expectTouch(store.DeviceStatusOnline)
	suite.storeStub.On("AppendEventRecord", mock.Anything, mock.Anything).Return(nil).Once()
	suite.storeStub.On("SetDeviceStatus", mock.Anything, "garden-node", store.DeviceStatusOffline).
		Return(nil).Once()
	suite.ledgerStub.On("Open", mock.Anything, "garden-node", suite.receivedAt).Return(nil).Once()
	suite.notifierStub.On("AnnounceStatus", mock.Anything, mock.Anything).Once()
	suite.notifierStub.On("BroadcastText", mock.Anything, mock.Anything).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	defer suite.ledgerStub.AssertExpectations(suite.T())
	defer suite.notifierStub.AssertExpectations(suite.T())
	err := suite.monitor.HandleReport(context.Background(), suite.report(event.KindOffline))
	suite.Require().NoError(err, "should not fail")
}

// TestOnlineClosesOutage assures an explicit online report closes the open
// outage.
func (suite *monitorSuite) TestOnlineClosesOutage() {
	suite.expectTouch(store.DeviceStatusOffline)
	suite.storeStub.On("AppendEventRecord", mock.Anything, mock.Anything).Return(nil).Once()
	suite.storeStub.On("SetDeviceStatus", mock.Anything, "garden-node", store.DeviceStatusOnline).
		Return(nil).Once()
	suite.ledgerStub.On("Close", mock.Anything, "garden-node", suite.receivedAt).Return(nil).Once()
	suite.notifierStub.On("AnnounceStatus", mock.Anything, mock.Anything).Once()
	suite.notifierStub.On("BroadcastText", mock.Anything, mock.Anything).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	defer suite.ledgerStub.AssertExpectations(suite.T())
	err := suite.monitor.HandleReport(context.Background(), suite.report(event.KindOnline))
	suite.Require().NoError(err, "should not fail")
}

// TestDuplicateOfflineDoesNotTransition assures repeated offline reports do
// not drive the ledger or broadcast again.
func (suite *monitorSuite) TestDuplicateOfflineDoesNotTransition() {
	suite.expectTouch(store.DeviceStatusOffline)
	suite.storeStub.On("AppendEventRecord", mock.Anything, mock.Anything).Return(nil).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	defer suite.ledgerStub.AssertExpectations(suite.T())
	defer suite.notifierStub.AssertExpectations(suite.T())
	err := suite.monitor.HandleReport(context.Background(), suite.report(event.KindOffline))
	suite.Require().NoError(err, "should not fail")
}

// TestStateSyncSilentByDefault assures state-sync transitions do not
// broadcast unless configured.
func (suite *monitorSuite) TestStateSyncSilentByDefault() {
	suite.expectTouch(store.DeviceStatusOnline)
	suite.storeStub.On("AppendEventRecord", mock.Anything, mock.Anything).Return(nil).Once()
	suite.storeStub.On("SetDeviceStatus", mock.Anything, "garden-node", store.DeviceStatusOffline).
		Return(nil).Once()
	suite.ledgerStub.On("Open", mock.Anything, "garden-node", suite.receivedAt).Return(nil).Once()
	suite.notifierStub.On("AnnounceStatus", mock.Anything, mock.Anything).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	defer suite.notifierStub.AssertExpectations(suite.T())
	report := suite.report(event.KindStateSync)
	report.State = nulls.NewString("OFFLINE")
	err := suite.monitor.HandleReport(context.Background(), report)
	suite.Require().NoError(err, "should not fail")
	suite.notifierStub.AssertNotCalled(suite.T(), "BroadcastText", mock.Anything, mock.Anything)
}

// TestStateSyncWithoutStateFails assures a state-sync without usable state is
// rejected.
func (suite *monitorSuite) TestStateSyncWithoutStateFails() {
	suite.expectTouch(store.DeviceStatusOnline)
	err := suite.monitor.HandleReport(context.Background(), suite.report(event.KindStateSync))
	suite.Require().Error(err, "should fail")
	suite.True(errors.BlameUser(err), "should blame user")
}

// TestDailySyncUpsertsSample assures a daily sync writes the bucketed sample
// with the declared day key.
func (suite *monitorSuite) TestDailySyncUpsertsSample() {
	suite.expectTouch(store.DeviceStatusOnline)
	suite.storeStub.On("UpsertUptimeSample", mock.Anything, store.UptimeSample{
		Device:     "garden-node",
		BucketKey:  "2022-03-13",
		UptimeMS:   82800000,
		RecordedAt: suite.receivedAt,
	}).Return(nil).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	report := suite.report(event.KindDailySync)
	report.UptimeMS = nulls.NewInt64(82800000)
	report.Day = nulls.NewString("2022-03-13")
	err := suite.monitor.HandleReport(context.Background(), report)
	suite.Require().NoError(err, "should not fail")
}

// TestDailySyncDerivesBucketKey assures the arrival day is used when the
// device declared no day key.
func (suite *monitorSuite) TestDailySyncDerivesBucketKey() {
	suite.expectTouch(store.DeviceStatusOnline)
	suite.storeStub.On("UpsertUptimeSample", mock.Anything, mock.MatchedBy(func(sample store.UptimeSample) bool {
		return sample.BucketKey == "2022-03-14"
	})).Return(nil).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	report := suite.report(event.KindDailySync)
	report.UptimeMS = nulls.NewInt64(1000)
	err := suite.monitor.HandleReport(context.Background(), report)
	suite.Require().NoError(err, "should not fail")
}

// TestDailySyncWithoutUptimeIsLivenessOnly assures a daily sync without
// payload is accepted as a plain liveness refresh instead of being rejected.
func (suite *monitorSuite) TestDailySyncWithoutUptimeIsLivenessOnly() {
	suite.expectTouch(store.DeviceStatusOnline)
	err := suite.monitor.HandleReport(context.Background(), suite.report(event.KindDailySync))
	suite.Require().NoError(err, "should not fail")
	suite.storeStub.AssertNotCalled(suite.T(), "UpsertUptimeSample", mock.Anything, mock.Anything)
}

// TestBufferedSyncRepairsOutage assures a buffered sync drives ledger repair.
func (suite *monitorSuite) TestBufferedSyncRepairsOutage() {
	suite.expectTouch(store.DeviceStatusOffline)
	suite.ledgerStub.On("Repair", mock.Anything, "garden-node", int64(240000), suite.receivedAt).
		Return(nil).Once()
	defer suite.ledgerStub.AssertExpectations(suite.T())
	report := suite.report(event.KindBufferedSync)
	report.UptimeMS = nulls.NewInt64(240000)
	err := suite.monitor.HandleReport(context.Background(), report)
	suite.Require().NoError(err, "should not fail")
}

// TestBufferedSyncWithoutUptimeFails assures a buffered sync without payload
// is rejected.
func (suite *monitorSuite) TestBufferedSyncWithoutUptimeFails() {
	suite.expectTouch(store.DeviceStatusOffline)
	err := suite.monitor.HandleReport(context.Background(), suite.report(event.KindBufferedSync))
	suite.Require().Error(err, "should fail")
	suite.True(errors.BlameUser(err), "should blame user")
}

// TestSweepForcesStaleOffline assures the sweep forces silent devices
// offline and opens an outage.
func (suite *monitorSuite) TestSweepForcesStaleOffline() {
	now := suite.receivedAt
	suite.storeStub.On("Devices", mock.Anything).Return([]store.Device{{
		Name:     "garden-node",
		Status:   store.DeviceStatusOnline,
		LastSeen: now.Add(-5 * time.Minute),
	}}, nil).Once()
	suite.storeStub.On("SetDeviceStatus", mock.Anything, "garden-node", store.DeviceStatusOffline).
		Return(nil).Once()
	suite.ledgerStub.On("Open", mock.Anything, "garden-node", now).Return(nil).Once()
	suite.notifierStub.On("AnnounceStatus", mock.Anything, mock.Anything).Once()
	suite.notifierStub.On("BroadcastText", mock.Anything, mock.Anything).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	defer suite.ledgerStub.AssertExpectations(suite.T())
	err := suite.monitor.SweepStale(context.Background(), now)
	suite.Require().NoError(err, "should not fail")
}

// TestSweepRecoversFreshDevice assures a device reporting again within the
// window is brought back online via the sweep.
func (suite *monitorSuite) TestSweepRecoversFreshDevice() {
	now := suite.receivedAt
	suite.storeStub.On("Devices", mock.Anything).Return([]store.Device{{
		Name:     "garden-node",
		Status:   store.DeviceStatusOffline,
		LastSeen: now.Add(-30 * time.Second),
	}}, nil).Once()
	suite.storeStub.On("SetDeviceStatus", mock.Anything, "garden-node", store.DeviceStatusOnline).
		Return(nil).Once()
	suite.ledgerStub.On("Close", mock.Anything, "garden-node", now).Return(nil).Once()
	suite.notifierStub.On("AnnounceStatus", mock.Anything, mock.Anything).Once()
	suite.notifierStub.On("BroadcastText", mock.Anything, mock.Anything).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	defer suite.ledgerStub.AssertExpectations(suite.T())
	err := suite.monitor.SweepStale(context.Background(), now)
	suite.Require().NoError(err, "should not fail")
}

// TestSweepLeavesSettledDevicesAlone assures devices already in the derived
// state are not touched.
func (suite *monitorSuite) TestSweepLeavesSettledDevicesAlone() {
	now := suite.receivedAt
	suite.storeStub.On("Devices", mock.Anything).Return([]store.Device{
		{Name: "garden-node", Status: store.DeviceStatusOnline, LastSeen: now.Add(-30 * time.Second)},
		{Name: "cellar-node", Status: store.DeviceStatusOffline, LastSeen: now.Add(-10 * time.Minute)},
	}, nil).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	defer suite.ledgerStub.AssertExpectations(suite.T())
	defer suite.notifierStub.AssertExpectations(suite.T())
	err := suite.monitor.SweepStale(context.Background(), now)
	suite.Require().NoError(err, "should not fail")
}

func TestMonitor(t *testing.T) {
	suite.Run(t, new(monitorSuite))
}
