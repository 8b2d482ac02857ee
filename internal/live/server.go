package live

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements the AdviceFeed gRPC service over a Board.
type Server struct {
	board *Board
	log   *slog.Logger
}

var _ FeedService = (*Server)(nil)

// NewServer creates a gRPC feed backed by the given Board.
func NewServer(board *Board, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{board: board, log: log}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&feedServiceDesc, s)
}

// Watch sends the current state of every matching key, then streams updates
// until the client disconnects. A request with "isin" only receives that
// stock's advice runs.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	isin := watchFilter(req)
	match := func(st RunState) bool {
		return isin == "" || st.ISIN == isin
	}
	send := func(st RunState) error {
		msg, err := stateToStruct(st)
		if err != nil {
			return err
		}
		return stream.Send(msg)
	}

	// Subscribe before the snapshot so no update falls in between; a state
	// seen twice is harmless.
	subID, ch := s.board.Subscribe(256)
	defer s.board.Unsubscribe(subID)

	for _, st := range s.board.Snapshots() {
		if !match(st) {
			continue
		}
		if err := send(st); err != nil {
			return err
		}
	}

	s.log.Info("grpc client subscribed", "subID", subID, "isin", isin)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case st, ok := <-ch:
			if !ok {
				return nil
			}
			if !match(st) {
				continue
			}
			if err := send(st); err != nil {
				return err
			}
		}
	}
}
