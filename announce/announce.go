// Package announce publishes engine events to an MQTT broker so that home
// automation can react to device state changes and uptime summaries.
package announce

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/lefinal/uptime-server/errors"
	"go.uber.org/zap"
)

const mqttClientID = "uptime-server"
const baseTopic = "lefinal/uptime"
const mqttKeepAlive = 8

const disconnectTimeout = 3 * time.Second

// Config is the config for the Announcer.
type Config struct {
	// MQTTAddr is the address where the MQTT-server is found.
	MQTTAddr string
}

// publisher is used for publishing MQTT messages.
type publisher interface {
	Publish(ctx context.Context, publish *paho.Publish) (*paho.PublishResponse, error)
}

// Announcer maintains the connection to the MQTT broker and publishes engine
// events under baseTopic. Run it with Announcer.Run, publishing before the
// connection is up drops the message.
type Announcer struct {
	logger    *zap.Logger
	config    Config
	brokerURL *url.URL
	// m locks publisher.
	m sync.RWMutex
	// publisher is set once the connection is established.
	publisher publisher
}

// New creates an Announcer with the given Config. Start it with Announcer.Run.
func New(logger *zap.Logger, config Config) (*Announcer, error) {
	brokerURL, err := url.Parse(config.MQTTAddr)
	if err != nil {
		return nil, errors.NewInternalErrorFromErr(err, "invalid mqtt addr", errors.Details{"was": config.MQTTAddr})
	}
	return &Announcer{
		logger:    logger,
		config:    config,
		brokerURL: brokerURL,
	}, nil
}

// Run keeps the connection to the MQTT server until the given context.Context
// is done.
func (a *Announcer) Run(ctx context.Context) error {
	conn, err := autopaho.NewConnection(ctx, a.genClientConfig())
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "create mqtt server connection failed", nil)
	}
	a.m.Lock()
	a.publisher = conn
	a.m.Unlock()
	// Wait until we are done.
	<-ctx.Done()
	// Shutdown MQTT connection.
	disconnectCtx, cancelDisconnect := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancelDisconnect()
	err = conn.Disconnect(disconnectCtx)
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "disconnect from mqtt server failed", nil)
	}
	return nil
}

// genClientConfig generates the autopaho.ClientConfig that is ready to launch.
func (a *Announcer) genClientConfig() autopaho.ClientConfig {
	return autopaho.ClientConfig{
		BrokerUrls: []*url.URL{a.brokerURL},
		KeepAlive:  mqttKeepAlive,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqtt server connection established")
		},
		OnConnectError: func(err error) {
			errors.Log(a.logger, errors.Error{
				Code:    errors.ErrCommunication,
				Err:     err,
				Message: "mqtt server connection failed",
			})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: mqttClientID,
			Router:   paho.NewStandardRouter(),
			OnServerDisconnect: func(disconnect *paho.Disconnect) {
				reason := string(disconnect.ReasonCode)
				if disconnect.Properties != nil {
					reason = disconnect.Properties.ReasonString
				}
				errors.Log(a.logger, errors.Error{
					Code:    errors.ErrCommunication,
					Message: fmt.Sprintf("mqtt server requested disconnect: %s", reason),
				})
			},
			OnClientError: func(err error) {
				errors.Log(a.logger, errors.Error{
					Code:    errors.ErrCommunication,
					Err:     err,
					Message: "mqtt server connection client error",
				})
			},
		},
	}
}

// Publish publishes the payload for the given event kind to the matching
// topic under baseTopic. Messages published before the connection is up are
// dropped.
func (a *Announcer) Publish(ctx context.Context, event string, payload []byte) {
	a.m.RLock()
	pub := a.publisher
	a.m.RUnlock()
	if pub == nil {
		a.logger.Debug("dropping publish as mqtt connection is not up yet",
			zap.String("event", event))
		return
	}
	topic := fmt.Sprintf("%s/%s", baseTopic, event)
	_, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
	})
	if err != nil {
		errors.Log(a.logger, errors.NewInternalErrorFromErr(err, "publish message failed", errors.Details{
			"topic": topic,
		}))
		return
	}
}
