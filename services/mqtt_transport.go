package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog/log"

	"snaprgb/models"
	"snaprgb/utils"
)

// mqttBus is the part of MqttService the transport needs.
type mqttBus interface {
	AddSubscriptionTopic(topic string, qos byte, handler mqtt.MessageHandler)
	PublishMessage(topic string, qos byte, retained bool, payload interface{}) error
	Unsubscribe(topic string) error
}

// MqttTransport carries RPCs to the gateway daemon over MQTT:
//
//	<prefix>/bridge/request/address   -> <prefix>/bridge/response/address
//	<prefix>/rpc/request              -> <prefix>/rpc/response/<call_id>, one message per node
type MqttTransport struct {
	bus     mqttBus
	prefix  string
	timeout time.Duration

	rpcCalls   *pendingCalls[models.Reply]
	addrCalls  *pendingCalls[models.BridgeAddressResponse]
	subscribed []string
}

func NewMqttTransport(bus mqttBus, prefix string, timeout time.Duration) *MqttTransport {
	return &MqttTransport{
		bus:       bus,
		prefix:    prefix,
		timeout:   timeout,
		rpcCalls:  newPendingCalls[models.Reply](),
		addrCalls: newPendingCalls[models.BridgeAddressResponse](),
	}
}

// StartMqttTransport connects svc and subscribes the gateway response topics
// before returning, so a request published right after cannot miss its reply.
func StartMqttTransport(svc *MqttService, prefix string, timeout time.Duration) (*MqttTransport, error) {
	if err := svc.Start(); err != nil {
		return nil, errors.Trace(err)
	}
	t := NewMqttTransport(svc, prefix, timeout)
	t.Start()
	return t, nil
}

// Start registers the response subscriptions. The MqttService subscribes them
// again on every reconnect.
func (t *MqttTransport) Start() {
	rpcTopic := fmt.Sprintf("%s/rpc/response/+", t.prefix)
	addrTopic := fmt.Sprintf("%s/bridge/response/address", t.prefix)

	t.bus.AddSubscriptionTopic(rpcTopic, 1, t.rpcResponseHandler())
	t.bus.AddSubscriptionTopic(addrTopic, 1, t.bridgeAddressHandler())
	t.subscribed = []string{rpcTopic, addrTopic}
}

func (t *MqttTransport) Close() error {
	for _, topic := range t.subscribed {
		if err := t.bus.Unsubscribe(topic); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("failed to unsubscribe")
		}
	}
	t.subscribed = nil
	return nil
}

func (t *MqttTransport) BridgeAddress(ctx context.Context, device string) (models.Address, error) {
	callID := uuid.NewString()
	responses := t.addrCalls.add(callID, 1)
	defer t.addrCalls.remove(callID)

	data, err := json.Marshal(models.BridgeAddressRequest{CallID: callID, Device: device})
	if err != nil {
		return models.Address{}, errors.Trace(err)
	}
	topic := fmt.Sprintf("%s/bridge/request/address", t.prefix)
	if err := t.bus.PublishMessage(topic, 1, false, data); err != nil {
		return models.Address{}, errors.Annotate(err, "requesting bridge address")
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case resp := <-responses:
		addr, err := models.ParseAddress(resp.Addr)
		return addr, errors.Annotatef(err, "bridge address for %s", device)
	case <-timer.C:
		return models.Address{}, errors.Timeoutf("bridge address for %s", device)
	case <-ctx.Done():
		return models.Address{}, errors.Trace(ctx.Err())
	}
}

func (t *MqttTransport) CallDmcast(ctx context.Context, targets []models.Address, fn string, args ...int64) (map[models.Address]models.Reply, error) {
	callID := uuid.NewString()
	replies := t.rpcCalls.add(callID, len(targets))
	defer t.rpcCalls.remove(callID)

	data, err := encodeRPCRequest(callID, targets, fn, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.Debug().Str("call_id", callID).Str("func", fn).Int("targets", len(targets)).Msg("rpc request")

	topic := fmt.Sprintf("%s/rpc/request", t.prefix)
	if err := t.bus.PublishMessage(topic, 1, false, data); err != nil {
		return nil, errors.Annotatef(err, "publishing %s", fn)
	}
	return collectReplies(ctx, t.timeout, targets, replies)
}

func (t *MqttTransport) rpcResponseHandler() mqtt.MessageHandler {
	callIDLevel := utils.TopicDepth(t.prefix) + 2
	return func(client mqtt.Client, msg mqtt.Message) {
		callID, reply, err := decodeRPCResponse(msg.Payload())
		if err != nil {
			log.Error().Err(err).Str("topic", msg.Topic()).Msg("dropping rpc response")
			return
		}
		if topicID := utils.GetTopicN(msg.Topic(), callIDLevel); topicID != callID {
			log.Error().Str("topic", msg.Topic()).Str("call_id", callID).Msg("rpc response call id does not match topic")
			return
		}
		if !t.rpcCalls.deliver(callID, reply) {
			log.Debug().Str("call_id", callID).Stringer("addr", reply.Addr).Msg("late or unexpected rpc response")
		}
	}
}

func (t *MqttTransport) bridgeAddressHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		var resp models.BridgeAddressResponse
		if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
			log.Error().Err(err).Str("topic", msg.Topic()).Msg("dropping bridge address response")
			return
		}
		t.addrCalls.deliver(resp.CallID, resp)
	}
}
