package app

import (
	"github.com/juju/errors"

	"snaprgb/models"
)

// BridgeToken names the node attached to the local serial port.
const BridgeToken = "bridge"

// Resolver turns the target of a request into a node address.
type Resolver struct {
	bridge models.Address
}

// NewResolver needs the bridge address discovered at startup.
func NewResolver(bridge models.Address) (*Resolver, error) {
	if bridge.IsZero() {
		return nil, errors.NotValidf("zero bridge address")
	}
	return &Resolver{bridge: bridge}, nil
}

func (r *Resolver) Bridge() models.Address {
	return r.bridge
}

// Resolve accepts BridgeToken or 12 hex digits. Anything else is
// models.ErrInvalidAddress.
func (r *Resolver) Resolve(token string) (models.Address, error) {
	if token == BridgeToken {
		return r.bridge, nil
	}
	addr, err := models.ParseAddress(token)
	if err != nil {
		return models.Address{}, errors.Annotatef(err, "target")
	}
	return addr, nil
}
