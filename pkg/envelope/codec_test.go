package envelope_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/lilltek-go/fabric/pkg/envelope"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	c := envelope.NewCodec(1<<20, nil)
	env := envelope.Envelope{
		TypeID:    envelope.TypeUserBase + 1,
		Flags:     envelope.FlagOpenSession,
		FromEP:    "physical://root:135/hub0/leaf0",
		ToEP:      "logical://catalog/lookup",
		SessionID: uuid.New(),
		HopCount:  1,
		TTL:       15,
		Body:      []byte("hello fabric"),
	}

	wire, err := c.Encode(env)
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}

	got, err := c.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}

	if got.TypeID != env.TypeID || got.FromEP != env.FromEP || got.ToEP != env.ToEP ||
		got.SessionID != env.SessionID || got.TTL != env.TTL || string(got.Body) != string(env.Body) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, env)
	}
}

func TestEncodeDecodeCompressed(t *testing.T) {
	t.Parallel()

	c := envelope.NewCodec(0, nil)
	env := envelope.Envelope{
		TypeID: envelope.TypeUserBase,
		Flags:  envelope.FlagCompressed,
		TTL:    10,
		Body:   []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
	}

	wire, err := c.Encode(env)
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	got, err := c.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if string(got.Body) != string(env.Body) {
		t.Fatalf("Body = %q, want %q", got.Body, env.Body)
	}
}

func TestEncodeDecodeEncrypted(t *testing.T) {
	t.Parallel()

	key := make([]byte, 16)
	c := envelope.NewCodec(0, key)
	env := envelope.Envelope{
		TypeID: envelope.TypeUserBase,
		Flags:  envelope.FlagEncrypted,
		TTL:    10,
		Body:   []byte("secret payload"),
	}

	wire, err := c.Encode(env)
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	got, err := c.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if string(got.Body) != string(env.Body) {
		t.Fatalf("Body = %q, want %q", got.Body, env.Body)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	t.Parallel()

	c := envelope.NewCodec(0, nil)
	if _, err := c.Decode([]byte("not an envelope at all, too short too")); err == nil {
		t.Fatal("expected error for bad magic, got nil")
	}
}

func TestDecodeRejectsOversizeBody(t *testing.T) {
	t.Parallel()

	c := envelope.NewCodec(4, nil)
	env := envelope.Envelope{TypeID: envelope.TypeUserBase, TTL: 1, Body: []byte("too long")}
	wire, err := c.Encode(env)
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	if _, err := c.Decode(wire); err == nil {
		t.Fatal("expected ErrBodyTooLarge, got nil")
	}
}

func TestDecrementTTLDropsAtZero(t *testing.T) {
	t.Parallel()

	env := envelope.Envelope{TTL: 2}
	if !env.DecrementTTL() {
		t.Fatal("expected decrement from TTL=2 to keep the envelope alive")
	}
	if env.TTL != 1 {
		t.Fatalf("TTL = %d, want 1", env.TTL)
	}
	if env.DecrementTTL() {
		t.Fatal("expected decrement from TTL=1 to drop the envelope")
	}
	if env.TTL != 0 {
		t.Fatalf("TTL = %d, want 0", env.TTL)
	}

	env2 := envelope.Envelope{TTL: 0}
	if env2.DecrementTTL() {
		t.Fatal("expected DecrementTTL on TTL=0 to report drop")
	}
}
