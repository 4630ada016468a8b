// Package bridge exports bus topics to processes outside the initializer over
// a server-streaming gRPC call. Messages travel as protobuf Struct values so
// any record with a JSON form can be bridged without generated types.
package bridge

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/sceneinit/internal/bus"
	"github.com/banshee-data/sceneinit/internal/monitoring"
)

const (
	serviceName     = "scene.v1.SceneBridge"
	subscribeMethod = "/" + serviceName + "/Subscribe"
)

var logf = monitoring.Component("bridge")

// SubscribeHandler is the service contract registered with grpc.
type SubscribeHandler interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SubscribeHandler)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "scene/v1/bridge.proto",
}

func subscribeStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SubscribeHandler).Subscribe(req, stream)
}

// Ensure Server implements the service contract.
var _ SubscribeHandler = (*Server)(nil)

// Server streams registry topics to gRPC clients.
type Server struct {
	registry *bus.Registry
	grpc     *grpc.Server
}

// NewServer creates a Server for the topics in reg.
func NewServer(reg *bus.Registry, opts ...grpc.ServerOption) *Server {
	s := &Server{
		registry: reg,
		grpc:     grpc.NewServer(opts...),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	logf("serving %s on %s", serviceName, lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop closes the listener and cancels all active streams.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// Subscribe streams every message of the requested topic, latched history
// first, until the client goes away or the topic closes. Each stream message
// is an envelope {"topic", "seq", "message"}.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	name := req.GetFields()["topic"].GetStringValue()
	if name == "" {
		return status.Error(codes.InvalidArgument, "topic is required")
	}
	source, ok := s.registry.Lookup(name)
	if !ok {
		return status.Errorf(codes.NotFound, "unknown topic %q", name)
	}

	ctx := stream.Context()
	logf("client subscribed to %s", name)
	defer logf("client left %s", name)

	var seq uint64
	for payload := range source.SubscribeJSON(ctx) {
		seq++
		msg := new(structpb.Struct)
		if err := protojson.Unmarshal(payload, msg); err != nil {
			return status.Errorf(codes.Internal, "encode %s message %d: %v", name, seq, err)
		}
		env := &structpb.Struct{Fields: map[string]*structpb.Value{
			"topic":   structpb.NewStringValue(name),
			"seq":     structpb.NewNumberValue(float64(seq)),
			"message": structpb.NewStructValue(msg),
		}}
		if err := stream.SendMsg(env); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	return nil
}
