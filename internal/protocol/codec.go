package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Subprotocol names negotiated on the WebSocket handshake.
const (
	SubprotocolJSON = "telemetry.json.v1"
	SubprotocolCBOR = "telemetry.cbor.v1"
)

// Codec encodes outbound messages and decodes inbound requests for one
// subprotocol.
type Codec interface {
	// Subprotocol returns the negotiated subprotocol name.
	Subprotocol() string
	// Binary reports whether frames are binary rather than text.
	Binary() bool
	EncodeMessage(m Message) ([]byte, error)
	DecodeRequest(data []byte) (Request, error)
	EncodeRequest(r Request) ([]byte, error)
	DecodeMessage(data []byte) (Message, error)
}

// ErrEncode is returned when a message cannot be represented on the wire,
// for example a point carrying NaN on the JSON subprotocol.
var ErrEncode = errors.New("encode message")

// Subprotocols lists the supported subprotocols in server preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolCBOR}

// ForSubprotocol returns the codec for a negotiated subprotocol.
// An empty name selects JSON.
func ForSubprotocol(name string) (Codec, error) {
	switch name {
	case "", SubprotocolJSON:
		return JSON, nil
	case SubprotocolCBOR:
		return CBOR, nil
	}
	return nil, fmt.Errorf("unsupported subprotocol %q", name)
}

// JSON is the text-frame codec.
var JSON Codec = jsonCodec{}

// CBOR is the binary-frame codec using core deterministic encoding, so
// equal messages always produce equal bytes.
var CBOR Codec = newCBORCodec()

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) EncodeMessage(m Message) ([]byte, error) {
	return encodeMessage(m, json.Marshal)
}

func (jsonCodec) DecodeRequest(data []byte) (Request, error) {
	return decodeRequest(data, json.Unmarshal)
}

func (jsonCodec) EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(requestWire(r))
}

func (jsonCodec) DecodeMessage(data []byte) (Message, error) {
	return decodeMessage(data, json.Unmarshal)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Subprotocol() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool        { return true }

func (c cborCodec) EncodeMessage(m Message) ([]byte, error) {
	return encodeMessage(m, c.enc.Marshal)
}

func (c cborCodec) DecodeRequest(data []byte) (Request, error) {
	return decodeRequest(data, c.dec.Unmarshal)
}

func (c cborCodec) EncodeRequest(r Request) ([]byte, error) {
	return c.enc.Marshal(requestWire(r))
}

func (c cborCodec) DecodeMessage(data []byte) (Message, error) {
	return decodeMessage(data, c.dec.Unmarshal)
}

func encodeMessage(m Message, marshal func(any) ([]byte, error)) ([]byte, error) {
	data, err := marshal(envelope(m))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrEncode, TypeOf(m), err)
	}
	return data, nil
}

// decodeMessage decodes an outbound message, for clients.
func decodeMessage(data []byte, unmarshal func([]byte, any) error) (Message, error) {
	var h header
	if err := unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	var m Message
	switch h.Type {
	case TypeChunk:
		m = &ChunkMessage{}
	case TypeComplete:
		m = &CompleteMessage{}
	case TypeError:
		m = &ErrorMessage{}
	case TypeLive:
		m = &LiveMessage{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, h.Type)
	}
	if err := unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", h.Type, err)
	}
	return m, nil
}
