package services

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/rs/zerolog/log"
)

const (
	mqttKeepAlive      = 60 * time.Second
	mqttDisconnectWait = 250 // milliseconds
)

// MqttService owns the broker connection for the gateway topics. Topics may be
// registered at any time; once the service is running every registered topic
// is subscribed before Start returns, and again on every reconnect.
type MqttService struct {
	clientID string
	client   mqtt.Client

	mu      sync.Mutex
	subs    map[string]mqttSubscription
	running bool
}

type mqttSubscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

func NewMqttService(clientID, brokerURL, user, password string) *MqttService {
	s := &MqttService{
		clientID: clientID,
		subs:     make(map[string]mqttSubscription),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetUsername(user).
		SetPassword(password).
		SetOrderMatters(false).
		SetKeepAlive(mqttKeepAlive).
		SetConnectRetry(true).
		SetOnConnectHandler(s.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Str("client_id", clientID).Msg("MQTT connection lost")
		})
	s.client = mqtt.NewClient(opts)
	return s
}

// AddSubscriptionTopic registers handler for topic. On a running service the
// broker has acknowledged the subscription when it returns.
func (s *MqttService) AddSubscriptionTopic(topic string, qos byte, handler mqtt.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[topic] = mqttSubscription{qos: qos, handler: handler}
	if s.running && s.client.IsConnected() {
		if err := s.subscribe(topic); err != nil {
			log.Error().Err(err).Msg("MQTT subscribe")
		}
	}
}

// subscribe must be called with s.mu held.
func (s *MqttService) subscribe(topic string) error {
	sub, ok := s.subs[topic]
	if !ok {
		return errors.NotFoundf("handler for topic %q", topic)
	}
	token := s.client.Subscribe(topic, sub.qos, sub.handler)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Annotatef(err, "subscribing to %q", topic)
	}
	log.Info().Str("topic", topic).Uint8("qos", sub.qos).Msg("subscribed")
	return nil
}

// subscribeAll must be called with s.mu held.
func (s *MqttService) subscribeAll() error {
	var firstErr error
	for topic := range s.subs {
		if err := s.subscribe(topic); err != nil {
			log.Error().Err(err).Msg("MQTT subscribe")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// resubscribe runs on paho's connect goroutine. It races Start on the first
// connection, which only costs a duplicate SUBSCRIBE.
func (s *MqttService) resubscribe(mqtt.Client) {
	log.Info().Str("client_id", s.clientID).Msg("MQTT client connected")
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.subscribeAll()
}

// Start connects to the broker and subscribes every topic registered so far.
func (s *MqttService) Start() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return errors.AlreadyExistsf("MQTT client %q", s.clientID)
	}
	log.Info().Str("client_id", s.clientID).Msg("Starting MQTT client")

	// The connect handler takes s.mu, so the lock is not held while connecting.
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return errors.Annotatef(token.Error(), "connecting MQTT client %q", s.clientID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return errors.Trace(s.subscribeAll())
}

func (s *MqttService) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if s.client.IsConnected() {
		s.client.Disconnect(mqttDisconnectWait)
	}
	log.Info().Str("client_id", s.clientID).Msg("MQTT client stopped")
}

func (s *MqttService) PublishMessage(topic string, qos byte, retained bool, payload interface{}) error {
	if !s.client.IsConnected() {
		return errors.Errorf("MQTT client %q not connected, cannot publish to %q", s.clientID, topic)
	}
	token := s.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Annotatef(err, "publishing to %q", topic)
	}
	log.Debug().Str("topic", topic).Msg("published message")
	return nil
}

func (s *MqttService) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[topic]; !ok {
		return errors.NotFoundf("subscription %q", topic)
	}
	if s.running && s.client.IsConnected() {
		token := s.client.Unsubscribe(topic)
		token.Wait()
		if err := token.Error(); err != nil {
			return errors.Annotatef(err, "unsubscribing from %q", topic)
		}
		log.Info().Str("topic", topic).Msg("unsubscribed")
	}
	delete(s.subs, topic)
	return nil
}
