package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"snaprgb/models"
)

// NatsTransport carries RPCs to the gateway daemon over NATS. The bridge
// address is a plain request/reply on <prefix>.bridge.address; a dmcast call
// is published on <prefix>.rpc.request with a fresh inbox that collects one
// reply per node.
type NatsTransport struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

func NewNatsTransport(nc *nats.Conn, prefix string, timeout time.Duration) *NatsTransport {
	return &NatsTransport{nc: nc, prefix: prefix, timeout: timeout}
}

func (t *NatsTransport) BridgeAddress(ctx context.Context, device string) (models.Address, error) {
	data, err := json.Marshal(models.BridgeAddressRequest{CallID: uuid.NewString(), Device: device})
	if err != nil {
		return models.Address{}, errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	msg, err := t.nc.RequestWithContext(ctx, fmt.Sprintf("%s.bridge.address", t.prefix), data)
	if err != nil {
		return models.Address{}, errors.Annotatef(err, "bridge address for %s", device)
	}

	var resp models.BridgeAddressResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return models.Address{}, errors.Annotate(err, "decoding bridge address")
	}
	addr, err := models.ParseAddress(resp.Addr)
	return addr, errors.Annotatef(err, "bridge address for %s", device)
}

func (t *NatsTransport) CallDmcast(ctx context.Context, targets []models.Address, fn string, args ...int64) (map[models.Address]models.Reply, error) {
	callID := uuid.NewString()
	data, err := encodeRPCRequest(callID, targets, fn, args)
	if err != nil {
		return nil, errors.Trace(err)
	}

	replies := make(chan models.Reply, len(targets))
	inbox := t.nc.NewRespInbox()
	sub, err := t.nc.Subscribe(inbox, func(msg *nats.Msg) {
		id, reply, err := decodeRPCResponse(msg.Data)
		if err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("dropping rpc response")
			return
		}
		if id != callID {
			log.Error().Str("call_id", id).Msg("rpc response for another call")
			return
		}
		select {
		case replies <- reply:
		default:
		}
	})
	if err != nil {
		return nil, errors.Annotate(err, "subscribing rpc inbox")
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("call_id", callID).Msg("unsubscribing rpc inbox")
		}
	}()

	log.Debug().Str("call_id", callID).Str("func", fn).Int("targets", len(targets)).Msg("rpc request")
	if err := t.nc.PublishRequest(fmt.Sprintf("%s.rpc.request", t.prefix), inbox, data); err != nil {
		return nil, errors.Annotatef(err, "publishing %s", fn)
	}
	return collectReplies(ctx, t.timeout, targets, replies)
}

// Close leaves the connection open: it is shared with the state reporter and
// drained by the owner.
func (t *NatsTransport) Close() error {
	return nil
}
