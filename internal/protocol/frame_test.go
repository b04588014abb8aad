package protocol

import (
	"bytes"
	"testing"
)

func TestDecodeFrameRequest(t *testing.T) {
	raw := []byte(`{"type":"req","id":"r1","method":"tools.list","params":{}}`)
	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Type != FrameReq || frame.ID != "r1" || frame.Method != "tools.list" {
		t.Errorf("unexpected frame: %+v", frame)
	}
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	if _, err := DecodeFrame([]byte(`{"type":"push","id":"x"}`)); err == nil {
		t.Error("expected error for unknown frame type")
	}
}

func TestDecodeFrameRejectsMissingDiscriminators(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"req without id", `{"type":"req","method":"tools.list"}`},
		{"req without method", `{"type":"req","id":"r1"}`},
		{"res without id", `{"type":"res","ok":true}`},
		{"evt without event", `{"type":"evt","payload":{}}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeFrame([]byte(tc.raw)); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestDecodeFrameResAndEvt(t *testing.T) {
	res, err := DecodeFrame([]byte(`{"type":"res","id":"c1","ok":true,"payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("res decode failed: %v", err)
	}
	if res.OK == nil || !*res.OK {
		t.Error("expected ok=true")
	}

	evt, err := DecodeFrame([]byte(`{"type":"evt","event":"tool.invoke","payload":{}}`))
	if err != nil {
		t.Fatalf("evt decode failed: %v", err)
	}
	if evt.Event != "tool.invoke" {
		t.Errorf("unexpected event %q", evt.Event)
	}
}

func TestDeferredSentinel(t *testing.T) {
	if !IsDeferred(Deferred) {
		t.Error("Deferred must satisfy IsDeferred")
	}
	if IsDeferred(map[string]any{}) {
		t.Error("plain payloads must not be deferred")
	}
}

func TestEncodeChunkRoundTrip(t *testing.T) {
	data := []byte("hello chunk")
	frame := EncodeChunk(0x01020304, data)
	id, chunk, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}
	if id != 0x01020304 {
		t.Errorf("transfer id = %#x, want 0x01020304", id)
	}
	if !bytes.Equal(chunk, data) {
		t.Errorf("chunk = %q, want %q", chunk, data)
	}
	// Little-endian header.
	if frame[0] != 0x04 || frame[3] != 0x01 {
		t.Errorf("header not little-endian: % x", frame[:4])
	}
}

func TestDecodeChunkTooShort(t *testing.T) {
	if _, _, err := DecodeChunk([]byte{1, 2}); err == nil {
		t.Error("expected error for short binary frame")
	}
}

func TestAsError(t *testing.T) {
	pe := Errf(CodeNotFound, "no node provides tool: %s", "x__y")
	if got := AsError(pe); got.Code != CodeNotFound {
		t.Errorf("code = %d, want %d", got.Code, CodeNotFound)
	}
	if got := AsError(bytes.ErrTooLarge); got.Code != CodeInternal {
		t.Errorf("plain errors map to %d, got %d", CodeInternal, got.Code)
	}
	if AsError(nil) != nil {
		t.Error("nil error must map to nil")
	}
}
