package services

import (
	"github.com/juju/errors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ConnectNats keeps retrying in the background when the server is not up yet.
func ConnectNats(url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name("snaprgb"),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to NATS at %s", url)
	}
	return nc, nil
}
