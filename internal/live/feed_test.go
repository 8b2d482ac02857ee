package live

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"stockdesk/internal/think"
)

func startFeed(t *testing.T, b *Board) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewServer(b, nil).RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	return NewClient("passthrough:///bufnet", nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

func TestFeedSnapshotThenLive(t *testing.T) {
	api := newFakeStreamer()
	api.queue(testISIN, strings.NewReader(completedAdvice))
	api.queue(testISIN, strings.NewReader(completedAdvice))
	api.queue("DE0007164600", strings.NewReader(completedAdvice))
	b := NewBoard(api, nil, nil)

	first := b.StartAdvice(context.Background(), testISIN)
	waitState(t, b, testISIN)
	b.StartAdvice(context.Background(), "DE0007164600")
	waitState(t, b, "DE0007164600")

	client := startFeed(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []RunState
	started := false
	err := client.Watch(ctx, testISIN, func(st RunState) bool {
		got = append(got, st)
		if !started {
			// The snapshot arrived; start a live run.
			started = true
			b.StartAdvice(context.Background(), testISIN)
		}
		return !(st.RunID != first && st.Terminal())
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if len(got) < 2 {
		t.Fatalf("got %d states, want snapshot and live updates", len(got))
	}
	snap := got[0]
	if snap.RunID != first || snap.Status != StatusCompleted || snap.SessionID != 42 {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Segments) != 2 || snap.Segments[0].Kind != think.Think || !snap.Segments[0].Closed {
		t.Errorf("segments = %+v", snap.Segments)
	}
	if len(snap.Steps) != 1 || snap.Steps[0].Step != "Resolve symbol" {
		t.Errorf("steps = %+v", snap.Steps)
	}
	for _, st := range got {
		if st.ISIN != testISIN {
			t.Errorf("filter leaked state for %s", st.ISIN)
		}
	}
	last := got[len(got)-1]
	if last.RunID == first || last.Status != StatusCompleted {
		t.Errorf("last = %+v, want the live run completed", last)
	}
}

func TestStateStructRoundTrip(t *testing.T) {
	in := RunState{
		Key: ChatKey(9), Kind: KindChat, RunID: 3, SessionID: 9, Status: StatusRunning,
		Text: "a<think>b", Segments: think.Split("a<think>b"),
		UpdatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	s, err := stateToStruct(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := structToState(s)
	if err != nil {
		t.Fatal(err)
	}
	if out.Key != in.Key || out.SessionID != 9 || out.Text != in.Text || !out.UpdatedAt.Equal(in.UpdatedAt) {
		t.Errorf("round trip = %+v", out)
	}
	if len(out.Segments) != 2 || out.Segments[1].Kind != think.Think || out.Segments[1].Closed {
		t.Errorf("segments = %+v", out.Segments)
	}
}
