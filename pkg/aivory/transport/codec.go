// codec.go converts envelopes to and from websocket frames.

package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedMessage is returned when an inbound frame cannot be decoded.
var ErrMalformedMessage = errors.New("transport: malformed message")

// Codec encodes outbound envelopes and decodes inbound messages.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Name identifies the codec in logs.
	Name() string

	// FrameType is the websocket message type used for outbound frames.
	FrameType() int

	// Encode serializes an envelope.
	Encode(env Envelope) ([]byte, error)

	// Decode parses an inbound frame.
	Decode(data []byte) (Inbound, error)
}

// JSONCodec sends text frames holding JSON envelopes. It is the default.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) FrameType() int { return websocket.TextMessage }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", env.Type, err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Inbound, error) {
	if !gjson.ValidBytes(data) {
		return Inbound{}, ErrMalformedMessage
	}
	msg := gjson.ParseBytes(data)
	msgType := msg.Get("type")
	if msgType.Type != gjson.String {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return Inbound{
		Type:    msgType.String(),
		Code:    msg.Get("payload.code").String(),
		Message: msg.Get("payload.message").String(),
	}, nil
}

// MsgpackCodec sends binary frames holding MessagePack envelopes, using
// the same field names as the JSON form.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (MsgpackCodec) Encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("encode %s message: %w", env.Type, err)
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte) (Inbound, error) {
	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"payload"`
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return Inbound{Type: msg.Type, Code: msg.Payload.Code, Message: msg.Payload.Message}, nil
}

// decodeFrame picks the decoder by frame type so a JSON collector can
// answer a msgpack agent and vice versa.
func decodeFrame(frameType int, data []byte, fallback Codec) (Inbound, error) {
	switch frameType {
	case websocket.TextMessage:
		return JSONCodec{}.Decode(data)
	case websocket.BinaryMessage:
		return MsgpackCodec{}.Decode(data)
	default:
		return fallback.Decode(data)
	}
}
