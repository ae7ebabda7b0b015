package intent

import (
	"bytes"
	stdErrors "errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	xerrors "IntentHub/internal/errors"
)

func envelope(version uint8, tag string, declared uint32, payload []byte) []byte {
	buf := []byte{version, byte(len(tag))}
	buf = append(buf, tag...)
	buf = append(buf, byte(declared>>24), byte(declared>>16), byte(declared>>8), byte(declared))
	return append(buf, payload...)
}

func TestDecodeLendScenario(t *testing.T) {
	payload := []byte("amount:100,asset:USDC")
	raw := envelope(1, "LEND", uint32(len(payload)), payload)

	got, err := NewCodec().Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Action != ActionLend || got.Version != 1 || !bytes.Equal(got.Payload, payload) {
		t.Fatalf("unexpected intent: %+v", got)
	}
	if got.ID != DeriveID(raw) || !strings.HasPrefix(got.ID, "0x") || len(got.ID) != 66 {
		t.Fatalf("unexpected derived id %q", got.ID)
	}

	again, err := NewCodec().Decode(raw)
	if err != nil || again.ID != got.ID {
		t.Fatalf("decode must be deterministic: %v %q", err, again.ID)
	}
}

func TestDecodeRejections(t *testing.T) {
	longTag := strings.Repeat("A", MaxActionLen+1)
	codec := NewCodec(WithMaxPayload(16))

	cases := []struct {
		name string
		raw  []byte
		want xerrors.Code
	}{
		{name: "empty", raw: nil, want: CodeTruncated},
		{name: "one byte", raw: []byte{1}, want: CodeTruncated},
		{name: "unknown version", raw: envelope(9, "LEND", 0, nil), want: CodeUnknownVersion},
		{name: "zero tag length", raw: envelope(1, "", 0, nil), want: CodeInvalidAction},
		{name: "oversize tag", raw: append([]byte{1, byte(len(longTag))}, longTag...), want: CodeInvalidAction},
		{name: "tag truncated", raw: []byte{1, 4, 'L', 'E'}, want: CodeTruncated},
		{name: "invalid utf8 tag", raw: envelope(1, "\xff\xfe", 0, nil), want: CodeInvalidAction},
		{name: "missing payload length", raw: []byte{1, 4, 'L', 'E', 'N', 'D', 0, 0}, want: CodeTruncated},
		{name: "payload truncated", raw: envelope(1, "LEND", 10, []byte("abc")), want: CodeTruncated},
		{name: "payload over limit", raw: envelope(1, "LEND", 1<<20, nil), want: CodePayloadTooLarge},
		{name: "trailing bytes", raw: envelope(1, "LEND", 1, []byte("ab")), want: CodeTruncated},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Decode(tc.raw)
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := xerrors.CodeOf(err); got != tc.want {
				t.Fatalf("unexpected code: got %s want %s (%v)", got, tc.want, err)
			}
			if !IsCodecError(err) {
				t.Fatalf("expected codec error classification")
			}
		})
	}
}

func TestDecodeSentinelMatching(t *testing.T) {
	_, err := NewCodec().Decode(envelope(7, "LEND", 0, nil))
	if !stdErrors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
}

func TestEncodeValidates(t *testing.T) {
	codec := NewCodec(WithVersions(1), WithMaxPayload(4))
	if _, err := codec.Encode(Intent{Action: ActionLend, Version: 2}); xerrors.CodeOf(err) != CodeUnknownVersion {
		t.Fatalf("expected unknown version, got %v", err)
	}
	if _, err := codec.Encode(Intent{Action: "", Version: 1}); xerrors.CodeOf(err) != CodeInvalidAction {
		t.Fatalf("expected invalid action, got %v", err)
	}
	if _, err := codec.Encode(Intent{Action: ActionLend, Version: 1, Payload: []byte("12345")}); xerrors.CodeOf(err) != CodePayloadTooLarge {
		t.Fatalf("expected payload too large, got %v", err)
	}
	if got := codec.Versions(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected versions %v", got)
	}
}

func TestEncodeDecodeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	codec := NewCodec()

	properties.Property("decode(encode(intent)) preserves action, version and payload", prop.ForAll(
		func(version uint8, tag string, payload []byte) bool {
			in := Intent{Action: Action(tag), Version: version, Payload: payload}
			raw, err := codec.Encode(in)
			if err != nil {
				return false
			}
			out, err := codec.Decode(raw)
			if err != nil {
				return false
			}
			return out.Action == in.Action && out.Version == in.Version && bytes.Equal(out.Payload, in.Payload) && out.ID == DeriveID(raw)
		},
		gen.OneConstOf(uint8(1), uint8(2)),
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 && len(s) <= MaxActionLen }),
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("accepted byte strings re-encode to themselves", prop.ForAll(
		func(raw []byte) bool {
			decoded, err := codec.Decode(raw)
			if err != nil {
				return IsCodecError(err)
			}
			encoded, err := codec.Encode(decoded)
			return err == nil && bytes.Equal(encoded, raw)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
