package relaycache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
)

// DefaultMQTTPrefix is the topic root for notifications and the DM inbox.
const DefaultMQTTPrefix = "relaycache"

// MQTTBridge mirrors emitter notifications onto MQTT topics and feeds
// decrypted DMs arriving on <prefix>/dm/inbox into a reconciler.
type MQTTBridge struct {
	client mqtt.Client
	prefix string
	inbox  *DirectMessageReconciler
}

// NotificationEnvelope is the JSON published for every notification.
type NotificationEnvelope struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
	Count  int    `json:"count"`
	At     int64  `json:"at"`
}

// InboxMessage is the JSON accepted on the DM inbox topic.
type InboxMessage struct {
	OK           bool         `json:"ok"`
	ID           string       `json:"id,omitempty"`
	Direction    string       `json:"direction,omitempty"`
	Sender       string       `json:"sender,omitempty"`
	Recipients   []string     `json:"recipients,omitempty"`
	RemotePubkey string       `json:"remotePubkey,omitempty"`
	Timestamp    int64        `json:"timestamp,omitempty"`
	Plaintext    string       `json:"plaintext,omitempty"`
	Event        *nostr.Event `json:"event,omitempty"`
}

func (m InboxMessage) raw() *RawDirectMessage {
	return &RawDirectMessage{
		OK:           m.OK,
		ID:           m.ID,
		Event:        m.Event,
		Direction:    m.Direction,
		Sender:       m.Sender,
		Recipients:   m.Recipients,
		RemotePubkey: m.RemotePubkey,
		Timestamp:    m.Timestamp,
		Plaintext:    m.Plaintext,
	}
}

// NewMQTTBridge creates the client. Call Connect to start it. inbox may be
// nil to disable the inbox subscription.
func NewMQTTBridge(clientID, host, user, pass, prefix string, inbox *DirectMessageReconciler) *MQTTBridge {
	if prefix == "" {
		prefix = DefaultMQTTPrefix
	}
	b := &MQTTBridge{prefix: prefix, inbox: inbox}
	b.client = initializeMQTT(b.onConnect(), clientID, host, user, pass)
	return b
}

func initializeMQTT(onConnect mqtt.OnConnectHandler, name string, host string, user string, pass string) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(host)
	opts.SetClientID(name)
	opts.SetUsername(user)
	opts.SetPassword(pass)
	opts.SetAutoReconnect(true)
	opts.OnConnect = onConnect
	opts.OnConnectionLost = connectLostHandler
	return mqtt.NewClient(opts)
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	logrus.Printf("MQTT Connection lost: %v", err)
}

func (b *MQTTBridge) onConnect() mqtt.OnConnectHandler {
	return func(client mqtt.Client) {
		logrus.Println("Connected to MQTT")
		if b.inbox == nil {
			return
		}
		if token := client.Subscribe(b.InboxTopic(), 1, b.inboxHandler); token.Wait() && token.Error() != nil {
			logrus.Errorf("📡 subscribe %s: %v", b.InboxTopic(), token.Error())
		}
	}
}

// Connect blocks until the broker accepts the connection or timeout passes.
func (b *MQTTBridge) Connect(timeout time.Duration) error {
	token := b.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect: timed out after %s", timeout)
	}
	return token.Error()
}

func (b *MQTTBridge) Disconnect() {
	b.client.Disconnect(250)
}

// InboxTopic is where upstream decryptors publish DMs.
func (b *MQTTBridge) InboxTopic() string {
	return b.prefix + "/dm/inbox"
}

// TopicFor maps "videos:updated" to "<prefix>/videos/updated".
func (b *MQTTBridge) TopicFor(name string) string {
	return b.prefix + "/" + strings.ReplaceAll(name, ":", "/")
}

// Attach publishes every notification of emitter.
func (b *MQTTBridge) Attach(emitter *Emitter) {
	emitter.OnAny(func(n Notification) {
		b.Publish(n)
	})
}

// Publish sends one notification without waiting for the broker.
func (b *MQTTBridge) Publish(n Notification) {
	envelope := NotificationEnvelope{
		Name:   n.Name,
		Reason: n.Reason,
		Count:  payloadCount(n.Payload),
		At:     time.Now().Unix(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		logrus.Warnf("📡 encode %s: %v", n.Name, err)
		return
	}
	b.client.Publish(b.TopicFor(n.Name), 0, false, body)
}

func (b *MQTTBridge) inboxHandler(client mqtt.Client, msg mqtt.Message) {
	var in InboxMessage
	if err := json.Unmarshal(msg.Payload(), &in); err != nil {
		logrus.Warnf("📡 bad inbox payload: %v", err)
		return
	}
	b.inbox.ApplyMessage(in.raw())
}

// payloadCount reports a size for slice, map and int payloads; 1 otherwise.
func payloadCount(payload any) int {
	switch v := payload.(type) {
	case nil:
		return 0
	case int:
		return v
	case CacheStats:
		return v.Size
	}
	rv := reflect.ValueOf(payload)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len()
	}
	return 1
}
