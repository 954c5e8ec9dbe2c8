package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lefinal/uptime-server/messenger"
	"github.com/lefinal/uptime-server/sla"
	"github.com/lefinal/uptime-server/store"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type storeStub struct {
	subscribers []int64
	err         error
}

func (s *storeStub) Subscribers(_ context.Context) ([]int64, error) {
	return s.subscribers, s.err
}

// clientStub records deliveries and fails for chat ids listed in failFor.
type clientStub struct {
	m       sync.Mutex
	texts   map[int64][]string
	voices  map[int64][]string
	failFor map[int64]error
}

func newClientStub() *clientStub {
	return &clientStub{
		texts:   make(map[int64][]string),
		voices:  make(map[int64][]string),
		failFor: make(map[int64]error),
	}
}

func (c *clientStub) Updates(_ context.Context, _ int64) ([]messenger.Update, error) {
	return nil, nil
}

func (c *clientStub) SendText(_ context.Context, chatID int64, text string) error {
	c.m.Lock()
	defer c.m.Unlock()
	if err, ok := c.failFor[chatID]; ok {
		return err
	}
	c.texts[chatID] = append(c.texts[chatID], text)
	return nil
}

func (c *clientStub) SendVoice(_ context.Context, chatID int64, assetPath string) error {
	c.m.Lock()
	defer c.m.Unlock()
	if err, ok := c.failFor[chatID]; ok {
		return err
	}
	c.voices[chatID] = append(c.voices[chatID], assetPath)
	return nil
}

func (c *clientStub) sentTexts(chatID int64) []string {
	c.m.Lock()
	defer c.m.Unlock()
	return append([]string(nil), c.texts[chatID]...)
}

func (c *clientStub) sentVoices(chatID int64) []string {
	c.m.Lock()
	defer c.m.Unlock()
	return append([]string(nil), c.voices[chatID]...)
}

type channelStub struct {
	m        sync.Mutex
	events   []string
	payloads [][]byte
}

func (c *channelStub) Publish(_ context.Context, event string, payload []byte) {
	c.m.Lock()
	defer c.m.Unlock()
	c.events = append(c.events, event)
	c.payloads = append(c.payloads, payload)
}

type broadcasterSuite struct {
	suite.Suite
	store   *storeStub
	client  *clientStub
	channel *channelStub
	b       *Broadcaster
}

func (suite *broadcasterSuite) SetupTest() {
	suite.store = &storeStub{subscribers: []int64{1, 2, 3}}
	suite.client = newClientStub()
	suite.channel = &channelStub{}
	suite.b = NewBroadcaster(zap.NewNop(), suite.store, suite.client, suite.channel)
}

func (suite *broadcasterSuite) TestBroadcastTextReachesAllSubscribers() {
	suite.b.BroadcastText(context.Background(), "meow")
	suite.b.Wait()
	for _, chatID := range suite.store.subscribers {
		suite.Equal([]string{"meow"}, suite.client.sentTexts(chatID), "chat %d", chatID)
	}
}

func (suite *broadcasterSuite) TestBroadcastTextFailureIsolated() {
	suite.client.failFor[2] = context.DeadlineExceeded
	suite.b.BroadcastText(context.Background(), "meow")
	suite.b.Wait()
	suite.Equal([]string{"meow"}, suite.client.sentTexts(1))
	suite.Empty(suite.client.sentTexts(2))
	suite.Equal([]string{"meow"}, suite.client.sentTexts(3))
}

func (suite *broadcasterSuite) TestBroadcastTextStoreFail() {
	suite.store.err = context.DeadlineExceeded
	suite.b.BroadcastText(context.Background(), "meow")
	suite.b.Wait()
	for _, chatID := range []int64{1, 2, 3} {
		suite.Empty(suite.client.sentTexts(chatID))
	}
}

func (suite *broadcasterSuite) TestBroadcastVoice() {
	suite.b.BroadcastVoice(context.Background(), "/assets/alert.ogg")
	suite.b.Wait()
	for _, chatID := range suite.store.subscribers {
		suite.Equal([]string{"/assets/alert.ogg"}, suite.client.sentVoices(chatID))
	}
}

func (suite *broadcasterSuite) TestAnnounceStatus() {
	lastSeen := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC)
	suite.b.AnnounceStatus(context.Background(), store.Device{
		Name:     "heater",
		Status:   store.DeviceStatusOffline,
		LastSeen: lastSeen,
	})
	suite.Require().Equal([]string{EventStatus}, suite.channel.events)
	var got statusMessage
	suite.Require().NoError(json.Unmarshal(suite.channel.payloads[0], &got))
	suite.Equal("heater", got.Device)
	suite.Equal(store.DeviceStatusOffline, got.Status)
	suite.True(lastSeen.Equal(got.LastSeen))
}

func (suite *broadcasterSuite) TestAnnounceSummary() {
	suite.b.AnnounceSummary(context.Background(), sla.Report{
		Device:   "heater",
		Label:    "2022-03-04",
		HasData:  true,
		UptimeMS: 43_200_000,
		PeriodMS: 86_400_000,
		Percent:  50,
	})
	suite.Require().Equal([]string{EventSummary}, suite.channel.events)
	var got summaryMessage
	suite.Require().NoError(json.Unmarshal(suite.channel.payloads[0], &got))
	suite.Equal("heater", got.Device)
	suite.True(got.HasData)
	suite.InDelta(50, got.Percent, 0.001)
}

func TestBroadcaster(t *testing.T) {
	suite.Run(t, new(broadcasterSuite))
}
