package telemetry

import (
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"
)

const kConnectTimeout = 5 * time.Second

// Publisher is the part of an MQTT client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes every number to <prefix>/<name> at QoS 0.
type MQTTSink struct {
	client Publisher
	prefix string
}

// NewMQTTSink wraps a connected client.
func NewMQTTSink(client Publisher, prefix string) *MQTTSink {
	return &MQTTSink{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// DialMQTT connects to broker (tcp://host:port) and returns a sink and the
// client, which the caller disconnects.
func DialMQTT(broker, clientID, prefix string, logger logging.Logger) (*MQTTSink, mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(kConnectTimeout)
	opts.OnConnect = func(mqtt.Client) {
		logger.Infow("connected to MQTT broker", "broker", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnw("MQTT connection lost", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	if err := connect(client, broker, kConnectTimeout); err != nil {
		return nil, nil, err
	}
	return NewMQTTSink(client, prefix), client, nil
}

type connector interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
}

// connect waits up to timeout for the first connection. A failed client is
// disconnected so it stops retrying.
func connect(client connector, broker string, timeout time.Duration) error {
	token := client.Connect()
	// with ConnectRetry the token only completes once connected, so a timeout
	// leaves the client retrying in the background
	if token.WaitTimeout(timeout) && token.Error() != nil {
		client.Disconnect(0)
		return errors.Wrapf(token.Error(), "connect to %s", broker)
	}
	return nil
}

func (s *MQTTSink) topic(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *MQTTSink) PutNumber(name string, value float64) {
	s.client.Publish(s.topic(name), 0, false, strconv.FormatFloat(value, 'g', -1, 64))
}
