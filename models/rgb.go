package models

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/spf13/cast"
)

// ErrInvalidPayload is returned when an RGB request body cannot be used.
const ErrInvalidPayload = errors.ConstError("invalid payload")

const (
	redBit   = 2
	greenBit = 1
	blueBit  = 0
)

// RGB is the on/off state of the three LED channels of a node.
type RGB struct {
	R bool
	G bool
	B bool
}

// EncodeRGB packs the state into the 3-bit wire form 00000rgb.
func EncodeRGB(c RGB) byte {
	return bit(c.R)<<redBit | bit(c.G)<<greenBit | bit(c.B)<<blueBit
}

// DecodeRGB unpacks the low three bits of v. Higher bits are ignored, as the
// node itself masks them.
func DecodeRGB(v int64) RGB {
	return RGB{
		R: (v>>redBit)&1 == 1,
		G: (v>>greenBit)&1 == 1,
		B: (v>>blueBit)&1 == 1,
	}
}

type rgbJSON struct {
	R byte `json:"r"`
	G byte `json:"g"`
	B byte `json:"b"`
}

// MarshalJSON renders the state as {"r":0|1,"g":0|1,"b":0|1}.
func (c RGB) MarshalJSON() ([]byte, error) {
	return json.Marshal(rgbJSON{R: bit(c.R), G: bit(c.G), B: bit(c.B)})
}

// UnmarshalJSON requires all of "r", "g" and "b". Each value may be a bool, a
// number (non-zero is on) or a string such as "1" or "true".
func (c *RGB) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Annotatef(ErrInvalidPayload, "%v", err)
	}
	if raw == nil {
		return errors.Annotatef(ErrInvalidPayload, "expected an object")
	}

	var state RGB
	for _, ch := range []struct {
		key string
		dst *bool
	}{
		{"r", &state.R},
		{"g", &state.G},
		{"b", &state.B},
	} {
		v, ok := raw[ch.key]
		if !ok || v == nil {
			return errors.Annotatef(ErrInvalidPayload, "missing %q", ch.key)
		}
		on, err := cast.ToBoolE(v)
		if err != nil {
			return errors.Annotatef(ErrInvalidPayload, "%q: %v", ch.key, err)
		}
		*ch.dst = on
	}
	*c = state
	return nil
}

func bit(on bool) byte {
	if on {
		return 1
	}
	return 0
}
