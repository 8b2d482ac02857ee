package sse

import (
	"strings"
	"testing"
)

const adviceWire = "event: progress\ndata: {\"step\":\"fetch\",\"stepIndex\":0,\"totalSteps\":10,\"percent\":10,\"status\":\"running\"}\n\n" +
	"event: advice_chunk\ndata: {\"text\":\"Hold – 5€\"}\n\n" +
	"event: done\ndata: {\"success\":true,\"sessionId\":42}\n\n"

func frameStrings(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event + "|" + string(f.Data)
	}
	return out
}

func equalFrames(t *testing.T, got, want []Frame) {
	t.Helper()
	g, w := frameStrings(got), frameStrings(want)
	if len(g) != len(w) {
		t.Fatalf("got %d frames, want %d:\n  got  %q\n  want %q", len(g), len(w), g, w)
	}
	for i := range g {
		if g[i] != w[i] {
			t.Errorf("frame %d:\n  got  %q\n  want %q", i, g[i], w[i])
		}
	}
}

func TestDecoderSingleChunk(t *testing.T) {
	d := NewDecoder("")
	frames := d.Feed(adviceWire)

	want := []string{
		`progress|{"step":"fetch","stepIndex":0,"totalSteps":10,"percent":10,"status":"running"}`,
		`advice_chunk|{"text":"Hold – 5€"}`,
		`done|{"success":true,"sessionId":42}`,
	}
	got := frameStrings(frames)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("frames mismatch:\n  got  %q\n  want %q", got, want)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", d.Pending())
	}
}

func TestDecoderTwoWaySplits(t *testing.T) {
	want := NewDecoder("").Feed(adviceWire)

	for i := 0; i <= len(adviceWire); i++ {
		d := NewDecoder("")
		var got []Frame
		got = append(got, d.Feed(adviceWire[:i])...)
		got = append(got, d.Feed(adviceWire[i:])...)
		if len(got) != len(want) {
			t.Fatalf("split at %d: got %d frames, want %d", i, len(got), len(want))
		}
		equalFrames(t, got, want)
	}
}

func TestDecoderThreeWaySplits(t *testing.T) {
	wire := "data: {\"text\":\"He\"}\n\ndata: {\"text\":\"llo\"}\n\n"
	want := NewDecoder(ImplicitMessage).Feed(wire)

	for i := 0; i <= len(wire); i++ {
		for j := i; j <= len(wire); j++ {
			d := NewDecoder(ImplicitMessage)
			var got []Frame
			got = append(got, d.Feed(wire[:i])...)
			got = append(got, d.Feed(wire[i:j])...)
			got = append(got, d.Feed(wire[j:])...)
			equalFrames(t, got, want)
		}
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	want := NewDecoder("").Feed(adviceWire)

	d := NewDecoder("")
	var got []Frame
	for i := 0; i < len(adviceWire); i++ {
		got = append(got, d.Feed(adviceWire[i:i+1])...)
	}
	equalFrames(t, got, want)
}

func TestDecoderTrailingBlockIsRetained(t *testing.T) {
	d := NewDecoder("")
	frames := d.Feed("event: done\ndata: {\"success\":true}")
	if len(frames) != 0 {
		t.Fatalf("got %d frames before separator, want 0", len(frames))
	}
	if d.Pending() == 0 {
		t.Fatal("expected trailing block to stay buffered")
	}

	frames = d.Feed("\n\n")
	if len(frames) != 1 || frames[0].Event != "done" {
		t.Fatalf("got %q, want one done frame", frameStrings(frames))
	}
}

func TestDecoderBlockRules(t *testing.T) {
	tests := []struct {
		name     string
		implicit string
		wire     string
		want     []string
	}{
		{
			name: "no data line is dropped",
			wire: "event: progress\n\n",
			want: nil,
		},
		{
			name: "malformed JSON is dropped, stream continues",
			wire: "event: progress\ndata: {not json\n\nevent: done\ndata: {\"success\":false}\n\n",
			want: []string{`done|{"success":false}`},
		},
		{
			name: "last event and data lines win",
			wire: "event: progress\nevent: done\ndata: {\"a\":1}\ndata: {\"b\":2}\n\n",
			want: []string{`done|{"b":2}`},
		},
		{
			name:     "implicit event type",
			implicit: ImplicitMessage,
			wire:     "data: {\"text\":\"x\"}\n\n",
			want:     []string{`message|{"text":"x"}`},
		},
		{
			name: "explicit channel without event line",
			wire: "data: {\"text\":\"x\"}\n\n",
			want: []string{`|{"text":"x"}`},
		},
		{
			name: "CRLF lines",
			wire: "event: done\r\ndata: {\"success\":true}\r\n\n",
			want: []string{`done|{"success":true}`},
		},
		{
			name: "empty blocks between frames",
			wire: "data: 1\n\n\n\ndata: 2\n\n",
			want: []string{`|1`, `|2`},
		},
		{
			name: "empty data payload is dropped",
			wire: "data: \n\n",
			want: nil,
		},
		{
			name: "unknown lines ignored",
			wire: "id: 7\nretry: 100\n: comment\nevent: ping\ndata: {}\n\n",
			want: []string{`ping|{}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := frameStrings(NewDecoder(tt.implicit).Feed(tt.wire))
			if strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecoderDroppedCount(t *testing.T) {
	d := NewDecoder("")
	d.Feed("data: {\n\ndata: nope\n\ndata: {}\n\n")
	if d.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", d.Dropped())
	}
}

func TestDecoderReset(t *testing.T) {
	d := NewDecoder("")
	d.Feed("data: {\"text\":")
	d.Reset()
	frames := d.Feed("data: {}\n\n")
	if len(frames) != 1 || string(frames[0].Data) != "{}" {
		t.Errorf("got %q after reset, want one {} frame", frameStrings(frames))
	}
}

func TestFrameDecode(t *testing.T) {
	f := Frame{Event: "done", Data: []byte(`{"success":true,"sessionId":7}`)}
	var v struct {
		Success   bool `json:"success"`
		SessionID *int `json:"sessionId"`
	}
	if err := f.Decode(&v); err != nil {
		t.Fatal(err)
	}
	if !v.Success || v.SessionID == nil || *v.SessionID != 7 {
		t.Errorf("decoded %+v", v)
	}
}
