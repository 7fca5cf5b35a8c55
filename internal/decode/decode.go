// Package decode turns reassembled uplink messages into software bus packets.
package decode

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/core"
)

// Decoder parses one complete uplink message.
type Decoder interface {
	Decode(data []byte) (core.BusPacket, error)
	Name() string
}

// New creates the decoder selected by cfg.Type.
func New(cfg config.DecoderConfig) (Decoder, error) {
	switch cfg.Type {
	case "", "ccsds":
		var opts CCSDSOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return NewCCSDS(opts), nil
	case "cbor":
		var opts CBOROptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return NewCBOR(opts)
	default:
		return nil, fmt.Errorf("%w: unknown decoder %q", core.ErrConfigInvalid, cfg.Type)
	}
}

func decodeOptions(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("%w: decoder options: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrDecode, fmt.Sprintf(format, args...))
}
