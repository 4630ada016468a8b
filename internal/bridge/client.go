package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message is one bridged record.
type Message struct {
	Topic   string
	Seq     uint64
	Payload json.RawMessage
}

// Decode unmarshals the payload of m into a T.
func Decode[T any](m Message) (T, error) {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s message %d: %w", m.Topic, m.Seq, err)
	}
	return v, nil
}

// Client consumes topics from a bridge Server.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Subscribe streams topic and calls fn for each message until the stream
// ends, ctx is done, or fn returns an error, which is then returned as is.
// A stream ended by the server closing the topic returns nil.
func (c *Client) Subscribe(ctx context.Context, topic string, fn func(Message) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	req, err := structpb.NewStruct(map[string]interface{}{"topic": topic})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}

	for {
		env := new(structpb.Struct)
		if err := stream.RecvMsg(env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		msg, err := decodeEnvelope(env)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

func decodeEnvelope(env *structpb.Struct) (Message, error) {
	fields := env.GetFields()
	body := fields["message"].GetStructValue()
	if body == nil {
		return Message{}, errors.New("bridge envelope has no message")
	}
	payload, err := protojson.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("re-encode message: %w", err)
	}
	return Message{
		Topic:   fields["topic"].GetStringValue(),
		Seq:     uint64(fields["seq"].GetNumberValue()),
		Payload: payload,
	}, nil
}
