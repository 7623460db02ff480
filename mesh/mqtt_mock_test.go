package mesh

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already completed mqtt.Token.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// sentMessage is one message recorded by fakeClient.
type sentMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// fakeClient is an in-memory mqtt.Client. Subscriptions are exact topic
// matches.
type fakeClient struct {
	mu           sync.RWMutex
	connected    bool
	publishErr   error
	subscribeErr error
	handlers     map[string]mqtt.MessageHandler
	sent         []sentMessage
	disconnects  int
}

func newFakeClient(connected bool) *fakeClient {
	return &fakeClient{
		connected: connected,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (c *fakeClient) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *fakeClient) messages() []sentMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]sentMessage(nil), c.sent...)
}

// deliver invokes the handler subscribed to topic, if any.
func (c *fakeClient) deliver(topic string, payload []byte) bool {
	c.mu.RLock()
	h, ok := c.handlers[topic]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	h(c, &fakeMessage{topic: topic, payload: payload})
	return true
}

func (c *fakeClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return &fakeToken{err: mqtt.ErrNotConnected}
	}
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	c.sent = append(c.sent, sentMessage{Topic: topic, Payload: data, QoS: qos, Retain: retained})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return &fakeToken{err: c.subscribeErr}
	}
	c.handlers[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if tok := c.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// fakeMessage carries a topic and payload; everything else is zero.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
