package live

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Feed service identifiers. Messages are google.protobuf.Struct in both
// directions, so no generated code is needed.
const (
	FeedServiceName = "stockdesk.v1.AdviceFeed"
	watchMethod     = "/" + FeedServiceName + "/Watch"
)

// FeedService is implemented by the gRPC feed server.
type FeedService interface {
	Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

var feedServiceDesc = grpc.ServiceDesc{
	ServiceName: FeedServiceName,
	HandlerType: (*FeedService)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "stockdesk/v1/feed.proto",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FeedService).Watch(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// stateToStruct converts a state through its JSON form.
func stateToStruct(st RunState) (*structpb.Struct, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encoding state %s: %w", st.Key, err)
	}
	return s, nil
}

func structToState(s *structpb.Struct) (RunState, error) {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return RunState{}, err
	}
	var st RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return RunState{}, fmt.Errorf("decoding state: %w", err)
	}
	return st, nil
}

// watchFilter extracts the optional "isin" field of a Watch request.
func watchFilter(req *structpb.Struct) string {
	if v, ok := req.GetFields()["isin"]; ok {
		return v.GetStringValue()
	}
	return ""
}
