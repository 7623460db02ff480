package mesh

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// TriggerHandler is called when a refinement is requested over MQTT. An
// empty trajectory means the configured input.
type TriggerHandler func(trajectory string)

// MQTTClient manages the broker connection and the refine trigger subscription.
type MQTTClient struct {
	client         mqtt.Client
	prefix         string
	triggerHandler TriggerHandler
	log            logrus.FieldLogger
	isConnected    bool
	mu             sync.RWMutex
}

// RefineTopic returns the command topic that requests a refinement.
func RefineTopic(prefix string) string {
	return prefix + "/refine/set"
}

// publishPrefix resolves the topic prefix: MQTT_PUBLISH_PREFIX, then config,
// then "voxmesh".
func publishPrefix(config *Config) string {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" && config != nil {
		prefix = config.MQTT.PublishPrefix
	}
	if prefix == "" {
		prefix = "voxmesh"
	}
	return prefix
}

// InitMQTT connects to the configured broker in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this
// returns nil, nil.
func InitMQTT(config *Config, handler TriggerHandler, logger logrus.FieldLogger) (*MQTTClient, error) {
	log := orDiscard(logger)

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil {
		broker = config.MQTT.Broker
	}
	if broker == "" {
		log.Info("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	client := &MQTTClient{
		prefix:         publishPrefix(config),
		triggerHandler: handler,
		log:            log.WithField("broker", broker),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config != nil {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "voxmesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config != nil {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config != nil {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Trigger handlers run a whole refinement; they must not block the
	// paho router.
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		client.log.Info("MQTT reconnecting")
	})

	client.client = mqtt.NewClient(opts)
	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect with exponential backoff.
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.log.Info("connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.log.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.log.WithError(token.Error()).Warn("MQTT connection failed")
		} else {
			c.log.Warn("MQTT connection timeout")
		}

		c.log.WithField("retryIn", retryDelay).Info("retrying MQTT connection")
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := RefineTopic(c.prefix)
	token := client.Subscribe(topic, 0, c.handleTrigger)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.log.WithError(token.Error()).WithField("topic", topic).Error("subscribe failed")
		return
	}
	c.log.WithField("topic", topic).Info("subscribed to refine trigger")
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.log.WithError(err).Warn("MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

// triggerPayload is the JSON form of a refine request.
type triggerPayload struct {
	Trajectory string `json:"trajectory"`
}

// parseTrigger accepts {"trajectory": "..."}, a JSON string, or a raw path.
// An empty payload selects the configured trajectory.
func parseTrigger(payload []byte) string {
	var tp triggerPayload
	if err := json.Unmarshal(payload, &tp); err == nil {
		return tp.Trajectory
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(payload))
}

func (c *MQTTClient) handleTrigger(client mqtt.Client, msg mqtt.Message) {
	trajectory := parseTrigger(msg.Payload())
	c.log.WithFields(logrus.Fields{
		"topic":      msg.Topic(),
		"trajectory": trajectory,
	}).Info("refine requested")

	if h := c.getTriggerHandler(); h != nil {
		h(trajectory)
	}
}

// SetTriggerHandler replaces the refine trigger callback.
func (c *MQTTClient) SetTriggerHandler(handler TriggerHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggerHandler = handler
}

func (c *MQTTClient) getTriggerHandler() TriggerHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.triggerHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Prefix returns the topic prefix used for subscriptions and publishing.
func (c *MQTTClient) Prefix() string {
	return c.prefix
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.log.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing mqtt.Client without connecting.
func newMQTTClientWithMock(client mqtt.Client, prefix string, handler TriggerHandler, logger logrus.FieldLogger) *MQTTClient {
	return &MQTTClient{
		client:         client,
		prefix:         prefix,
		triggerHandler: handler,
		log:            orDiscard(logger),
	}
}
