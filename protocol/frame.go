package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// browsers speak json text frames
// relay peer links may speak binary frames, which carry the same message as a protobuf `Struct`
type FrameKind int

const (
	FrameKindJson FrameKind = iota
	FrameKindProto
)

func (self FrameKind) String() string {
	switch self {
	case FrameKindJson:
		return "json"
	case FrameKindProto:
		return "proto"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func EncodeJson(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func DecodeJson(b []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, fmt.Errorf("%w %s", ErrMalformedMessage, err)
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}
	return message, nil
}

func ToFrame(message *Message) (*structpb.Struct, error) {
	messageJson, err := EncodeJson(message)
	if err != nil {
		return nil, err
	}
	frame := &structpb.Struct{}
	if err := protojson.Unmarshal(messageJson, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func FromFrame(frame *structpb.Struct) (*Message, error) {
	messageJson, err := protojson.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("%w %s", ErrMalformedMessage, err)
	}
	return DecodeJson(messageJson)
}

func EncodeFrame(message *Message) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(frame)
}

func DecodeFrame(b []byte) (*Message, error) {
	frame := &structpb.Struct{}
	if err := proto.Unmarshal(b, frame); err != nil {
		return nil, fmt.Errorf("%w %s", ErrMalformedMessage, err)
	}
	return FromFrame(frame)
}

func Encode(kind FrameKind, message *Message) ([]byte, error) {
	switch kind {
	case FrameKindProto:
		return EncodeFrame(message)
	default:
		return EncodeJson(message)
	}
}

func Decode(kind FrameKind, b []byte) (*Message, error) {
	switch kind {
	case FrameKindProto:
		return DecodeFrame(b)
	default:
		return DecodeJson(b)
	}
}
