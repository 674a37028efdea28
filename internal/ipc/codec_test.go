package ipc

import (
	"testing"

	"google.golang.org/grpc/encoding"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	if c.Name() != "json" {
		t.Fatalf("Name() = %q, want json", c.Name())
	}

	in := &StartSessionRequest{Mode: "ExcludeMode", Targets: []string{`C:\a.exe`, `C:\b.exe`}}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	out := new(StartSessionRequest)
	if err := c.Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Mode != in.Mode || len(out.Targets) != len(in.Targets) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestJSONCodecRegisteredGlobally(t *testing.T) {
	if encoding.GetCodec("json") == nil {
		t.Fatal("expected \"json\" codec to be registered via init()")
	}
}
