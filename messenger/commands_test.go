package messenger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/sla"
	"github.com/lefinal/uptime-server/store"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const timeout = 3 * time.Second

// clientStub serves one batch of updates and records sent messages. After the
// batch was served, the given cancel func is called.
type clientStub struct {
	mutex   sync.Mutex
	batch   []Update
	served  bool
	cancel  context.CancelFunc
	offsets []int64
	sent    map[int64][]string
}

func newClientStub(batch []Update, cancel context.CancelFunc) *clientStub {
	return &clientStub{
		batch:  batch,
		cancel: cancel,
		sent:   make(map[int64][]string),
	}
}

func (stub *clientStub) Updates(_ context.Context, offset int64) ([]Update, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.offsets = append(stub.offsets, offset)
	if stub.served {
		stub.cancel()
		return nil, nil
	}
	stub.served = true
	return stub.batch, nil
}

func (stub *clientStub) SendText(_ context.Context, chatID int64, text string) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.sent[chatID] = append(stub.sent[chatID], text)
	return nil
}

func (stub *clientStub) SendVoice(_ context.Context, _ int64, _ string) error {
	return nil
}

func (stub *clientStub) sentTo(chatID int64) []string {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return append([]string{}, stub.sent[chatID]...)
}

// commandStoreStub mocks Store.
type commandStoreStub struct {
	mock.Mock
}

func (stub *commandStoreStub) AddSubscriber(ctx context.Context, chatID int64) error {
	args := stub.Called(ctx, chatID)
	return args.Error(0)
}

func (stub *commandStoreStub) MarkerByKey(ctx context.Context, key string) (string, error) {
	args := stub.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (stub *commandStoreStub) SetMarker(ctx context.Context, key string, value string) error {
	args := stub.Called(ctx, key, value)
	return args.Error(0)
}

func (stub *commandStoreStub) Devices(ctx context.Context) ([]store.Device, error) {
	args := stub.Called(ctx)
	return args.Get(0).([]store.Device), args.Error(1)
}

func (stub *commandStoreStub) ResetHistory(ctx context.Context) error {
	args := stub.Called(ctx)
	return args.Error(0)
}

// reporterStub mocks Reporter.
type reporterStub struct {
	mock.Mock
}

func (stub *reporterStub) ObservedReport(ctx context.Context, device string, from time.Time,
	to time.Time, now time.Time) (sla.Report, error) {
	args := stub.Called(ctx, device, from, to, now)
	return args.Get(0).(sla.Report), args.Error(1)
}

func (stub *reporterStub) RollingReport(ctx context.Context, device string, n uint) (sla.Report, error) {
	args := stub.Called(ctx, device, n)
	return args.Get(0).(sla.Report), args.Error(1)
}

// commandServiceSuite tests commandService.
type commandServiceSuite struct {
	suite.Suite
	storeStub    *commandStoreStub
	reporterStub *reporterStub
}

func (suite *commandServiceSuite) SetupTest() {
	suite.storeStub = &commandStoreStub{}
	suite.reporterStub = &reporterStub{}
}

// runWithBatch runs the command service until the given batch was served.
func (suite *commandServiceSuite) runWithBatch(batch []Update) *clientStub {
	lifetime, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client := newClientStub(batch, cancel)
	s := NewCommandService(zap.New(zapcore.NewNopCore()), CommandConfig{
		PrimaryDevice: "garden-node",
		AdminChatIDs:  []int64{100},
		Zone:          time.UTC,
	}, client, suite.storeStub, suite.reporterStub).(*commandService)
	s.now = func() time.Time { return time.Date(2022, 3, 14, 12, 0, 0, 0, time.UTC) }
	err := s.Run(lifetime)
	suite.Require().NoError(err, "should not fail")
	suite.Equal(context.Canceled, lifetime.Err(), "should not time out")
	return client
}

// TestCursorAdvancesPerUpdate assures the cursor is persisted after every
// processed update.
func (suite *commandServiceSuite) TestCursorAdvancesPerUpdate() {
	suite.storeStub.On("MarkerByKey", mock.Anything, cursorMarkerKey).
		Return("", errors.NewResourceNotFoundError("marker not set", nil)).Once()
	suite.storeStub.On("AddSubscriber", mock.Anything, mock.Anything).Return(nil)
	suite.storeStub.On("SetMarker", mock.Anything, cursorMarkerKey, "8").Return(nil).Once()
	suite.storeStub.On("SetMarker", mock.Anything, cursorMarkerKey, "13").Return(nil).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	suite.runWithBatch([]Update{
		{ID: 7, ChatID: 200, Text: "hello"},
		{ID: 12, ChatID: 200, Text: "hello again"},
	})
}

// TestResumeFromPersistedCursor assures polling starts at the saved cursor.
func (suite *commandServiceSuite) TestResumeFromPersistedCursor() {
	suite.storeStub.On("MarkerByKey", mock.Anything, cursorMarkerKey).Return("42", nil).Once()
	client := suite.runWithBatch(nil)
	suite.Require().NotEmpty(client.offsets, "should have polled")
	suite.Equal(int64(42), client.offsets[0], "should start polling at saved cursor")
}

// TestRegistersSubscriberOnFirstContact assures every inbound chat is
// registered as a subscriber.
func (suite *commandServiceSuite) TestRegistersSubscriberOnFirstContact() {
	suite.storeStub.On("MarkerByKey", mock.Anything, cursorMarkerKey).
		Return("", errors.NewResourceNotFoundError("marker not set", nil)).Once()
	suite.storeStub.On("AddSubscriber", mock.Anything, int64(200)).Return(nil).Once()
	suite.storeStub.On("SetMarker", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	defer suite.storeStub.AssertExpectations(suite.T())
	suite.runWithBatch([]Update{{ID: 1, ChatID: 200, Text: "/start"}})
}

// TestStatusCommand assures the status command answers with the observed
// report for the current day.
func (suite *commandServiceSuite) TestStatusCommand() {
	suite.storeStub.On("MarkerByKey", mock.Anything, cursorMarkerKey).
		Return("", errors.NewResourceNotFoundError("marker not set", nil)).Once()
	suite.storeStub.On("AddSubscriber", mock.Anything, mock.Anything).Return(nil)
	suite.storeStub.On("SetMarker", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	dayStart := time.Date(2022, 3, 14, 0, 0, 0, 0, time.UTC)
	now := time.Date(2022, 3, 14, 12, 0, 0, 0, time.UTC)
	suite.reporterStub.On("ObservedReport", mock.Anything, "garden-node", dayStart, now, now).
		Return(sla.Report{
			Device:   "garden-node",
			Label:    "2022-03-14",
			HasData:  true,
			UptimeMS: 43200000,
			PeriodMS: 43200000,
			Percent:  100,
		}, nil).Once()
	defer suite.reporterStub.AssertExpectations(suite.T())
	client := suite.runWithBatch([]Update{{ID: 1, ChatID: 200, Text: "status"}})
	sent := client.sentTo(200)
	suite.Require().Len(sent, 1, "should reply once")
	suite.Contains(sent[0], "100.00%", "should contain percentage")
}

// TestStatusWeekCommand assures statusweek asks for a 7 bucket rolling
// report.
func (suite *commandServiceSuite) TestStatusWeekCommand() {
	suite.storeStub.On("MarkerByKey", mock.Anything, cursorMarkerKey).
		Return("", errors.NewResourceNotFoundError("marker not set", nil)).Once()
	suite.storeStub.On("AddSubscriber", mock.Anything, mock.Anything).Return(nil)
	suite.storeStub.On("SetMarker", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	suite.reporterStub.On("RollingReport", mock.Anything, "garden-node", uint(7)).
		Return(sla.Report{Device: "garden-node", Label: "last 7 days"}, nil).Once()
	defer suite.reporterStub.AssertExpectations(suite.T())
	client := suite.runWithBatch([]Update{{ID: 1, ChatID: 200, Text: "/statusweek"}})
	sent := client.sentTo(200)
	suite.Require().Len(sent, 1, "should reply once")
	suite.Contains(sent[0], "No data yet", "should reply with no data notice")
}

// TestDevicesCommand assures the devices command lists all devices.
func (suite *commandServiceSuite) TestDevicesCommand() {
	suite.storeStub.On("MarkerByKey", mock.Anything, cursorMarkerKey).
		Return("", errors.NewResourceNotFoundError("marker not set", nil)).Once()
	suite.storeStub.On("AddSubscriber", mock.Anything, mock.Anything).Return(nil)
	suite.storeStub.On("SetMarker", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	suite.storeStub.On("Devices", mock.Anything).Return([]store.Device{
		{Name: "garden-node", Status: store.DeviceStatusOnline,
			LastSeen: time.Date(2022, 3, 14, 11, 59, 0, 0, time.UTC)},
	}, nil).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	client := suite.runWithBatch([]Update{{ID: 1, ChatID: 200, Text: "devices"}})
	sent := client.sentTo(200)
	suite.Require().Len(sent, 1, "should reply once")
	suite.Contains(sent[0], "garden-node", "should list device")
	suite.Contains(sent[0], "ONLINE", "should contain status")
}

// TestResetRefusedForUnknownChat assures reset requires the allow-list.
func (suite *commandServiceSuite) TestResetRefusedForUnknownChat() {
	suite.storeStub.On("MarkerByKey", mock.Anything, cursorMarkerKey).
		Return("", errors.NewResourceNotFoundError("marker not set", nil)).Once()
	suite.storeStub.On("AddSubscriber", mock.Anything, mock.Anything).Return(nil)
	suite.storeStub.On("SetMarker", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	defer suite.storeStub.AssertExpectations(suite.T())
	client := suite.runWithBatch([]Update{{ID: 1, ChatID: 200, Text: "reset"}})
	sent := client.sentTo(200)
	suite.Require().Len(sent, 1, "should reply once")
	suite.Contains(sent[0], "not allowed", "should refuse")
	suite.storeStub.AssertNotCalled(suite.T(), "ResetHistory", mock.Anything)
}

// TestResetAllowedForAdmin assures reset works for allow-listed chats.
func (suite *commandServiceSuite) TestResetAllowedForAdmin() {
	suite.storeStub.On("MarkerByKey", mock.Anything, cursorMarkerKey).
		Return("", errors.NewResourceNotFoundError("marker not set", nil)).Once()
	suite.storeStub.On("AddSubscriber", mock.Anything, mock.Anything).Return(nil)
	suite.storeStub.On("SetMarker", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	suite.storeStub.On("ResetHistory", mock.Anything).Return(nil).Once()
	defer suite.storeStub.AssertExpectations(suite.T())
	client := suite.runWithBatch([]Update{{ID: 1, ChatID: 100, Text: "/reset"}})
	sent := client.sentTo(100)
	suite.Require().Len(sent, 1, "should reply once")
	suite.Contains(sent[0], "erased", "should confirm")
}

// TestUnknownCommandGetsHelp assures unknown commands are answered with a
// short help text.
func (suite *commandServiceSuite) TestUnknownCommandGetsHelp() {
	suite.storeStub.On("MarkerByKey", mock.Anything, cursorMarkerKey).
		Return("", errors.NewResourceNotFoundError("marker not set", nil)).Once()
	suite.storeStub.On("AddSubscriber", mock.Anything, mock.Anything).Return(nil)
	suite.storeStub.On("SetMarker", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client := suite.runWithBatch([]Update{{ID: 1, ChatID: 200, Text: "make me a sandwich"}})
	sent := client.sentTo(200)
	suite.Require().Len(sent, 1, "should reply once")
	suite.Contains(sent[0], "Unknown command", "should send help")
}

func TestCommandService(t *testing.T) {
	suite.Run(t, new(commandServiceSuite))
}

func TestFormatReport(t *testing.T) {
	t.Run("no data", func(t *testing.T) {
		got := FormatReport(sla.Report{Device: "garden-node", Label: "2022-03-13"})
		if got != "No data yet for garden-node (2022-03-13)." {
			t.Errorf("FormatReport() = %v", got)
		}
	})
	t.Run("with data", func(t *testing.T) {
		got := FormatReport(sla.Report{
			Device:   "garden-node",
			Label:    "2022-03-13",
			HasData:  true,
			UptimeMS: 82800000,
			PeriodMS: 86400000,
			Percent:  95.83,
		})
		if got != "garden-node (2022-03-13): 95.83% uptime, downtime 1h0m0s." {
			t.Errorf("FormatReport() = %v", got)
		}
	})
}
