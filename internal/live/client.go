package live

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client connects to a feed server and hands every received state to a
// callback, mirroring the server's board.
type Client struct {
	addr string
	log  *slog.Logger
	opts []grpc.DialOption
}

// NewClient creates a client targeting the given gRPC address.
func NewClient(addr string, log *slog.Logger, opts ...grpc.DialOption) *Client {
	if log == nil {
		log = slog.Default()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Client{addr: addr, log: log, opts: opts}
}

// Watch streams states, optionally only for isin, into fn. It blocks until
// ctx is cancelled, fn returns false, or the stream ends.
func (c *Client) Watch(ctx context.Context, isin string, fn func(RunState) bool) error {
	conn, err := grpc.NewClient(c.addr, c.opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	req, err := structpb.NewStruct(map[string]any{})
	if err != nil {
		return err
	}
	if isin != "" {
		req.Fields["isin"] = structpb.NewStringValue(isin)
	}

	cs, err := conn.NewStream(ctx, &feedServiceDesc.Streams[0], watchMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to advice feed", "addr", c.addr, "isin", isin)

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving state: %w", err)
		}
		st, err := structToState(msg)
		if err != nil {
			c.log.Warn("skipping undecodable state", "error", err)
			continue
		}
		if !fn(st) {
			return nil
		}
	}
}
