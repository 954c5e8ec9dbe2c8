package ws

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type hubSuite struct {
	suite.Suite
	hub    *Hub
	cancel context.CancelFunc
	done   chan struct{}
}

func (suite *hubSuite) SetupTest() {
	suite.hub = NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	suite.cancel = cancel
	suite.done = make(chan struct{})
	go func() {
		defer close(suite.done)
		_ = suite.hub.Run(ctx)
	}()
}

func (suite *hubSuite) TearDownTest() {
	suite.cancel()
	select {
	case <-suite.done:
	case <-time.After(time.Second):
		suite.Fail("hub did not shut down in time")
	}
}

func (suite *hubSuite) newClient(sendBuffer int) *Client {
	return &Client{
		id:     uuid.New(),
		logger: zap.NewNop(),
		send:   make(chan []byte, sendBuffer),
	}
}

func (suite *hubSuite) TestBroadcastReachesRegisteredClient() {
	c := suite.newClient(1)
	suite.hub.register <- c
	suite.hub.Broadcast([]byte("meow"))
	select {
	case message := <-c.send:
		suite.Equal([]byte("meow"), message)
	case <-time.After(time.Second):
		suite.Fail("timeout while waiting for broadcast")
	}
}

func (suite *hubSuite) TestUnregisterClosesSendChannel() {
	c := suite.newClient(1)
	suite.hub.register <- c
	suite.hub.unregister <- c
	select {
	case _, ok := <-c.send:
		suite.False(ok, "send-channel should be closed")
	case <-time.After(time.Second):
		suite.Fail("timeout while waiting for channel close")
	}
}

func (suite *hubSuite) TestSlowClientDoesNotBlockBroadcast() {
	slow := suite.newClient(0)
	fast := suite.newClient(2)
	suite.hub.register <- slow
	suite.hub.register <- fast
	suite.hub.Broadcast([]byte("first"))
	suite.hub.Broadcast([]byte("second"))
	received := 0
	timeout := time.After(time.Second)
	for received < 2 {
		select {
		case <-fast.send:
			received++
		case <-timeout:
			suite.Fail("timeout while waiting for broadcasts")
			return
		}
	}
}

func TestHub(t *testing.T) {
	suite.Run(t, new(hubSuite))
}
