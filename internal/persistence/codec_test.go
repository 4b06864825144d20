package persistence

import (
	"errors"
	"testing"

	"github.com/petrijr/keel/pkg/api"
)

func TestEncodeValueNil(t *testing.T) {
	data, err := EncodeValue("input", nil)
	if err != nil {
		t.Fatalf("EncodeValue(nil): %v", err)
	}
	if string(data) != "null" {
		t.Fatalf("expected null, got %s", data)
	}
}

func TestEncodeValueUnsupported(t *testing.T) {
	_, err := EncodeValue("input", make(chan int))
	if err == nil {
		t.Fatalf("expected error for channel value")
	}
	var serr *api.SerializationError
	if !errors.As(err, &serr) || serr.What != "input" {
		t.Fatalf("expected SerializationError for input, got %v", err)
	}
}

func TestDecodeValueEmpty(t *testing.T) {
	out, err := DecodeValue[int]("output", nil)
	if err != nil {
		t.Fatalf("DecodeValue(nil): %v", err)
	}
	if out != 0 {
		t.Fatalf("expected zero value, got %d", out)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	type payload struct {
		Name  string         `json:"name"`
		Count int            `json:"count"`
		Tags  map[string]int `json:"tags"`
	}
	in := payload{Name: "x", Count: 3, Tags: map[string]int{"a": 1, "b": 2}}

	data, err := EncodeValue("payload", in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeValue[payload]("payload", data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || out.Tags["b"] != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestHashInputDeterministicAcrossMapOrder(t *testing.T) {
	// encoding/json sorts map keys, so logically equal inputs must hash
	// equal regardless of construction order.
	a, _ := EncodeValue("a", map[string]int{"x": 1, "y": 2, "z": 3})
	b, _ := EncodeValue("b", map[string]int{"z": 3, "y": 2, "x": 1})

	if HashInput(a) != HashInput(b) {
		t.Fatalf("equal values hashed differently: %s vs %s", a, b)
	}

	c, _ := EncodeValue("c", map[string]int{"x": 1, "y": 2, "z": 4})
	if HashInput(a) == HashInput(c) {
		t.Fatalf("different values hashed equal")
	}
}

func TestHashInputIgnoresSurroundingWhitespace(t *testing.T) {
	if HashInput([]byte(`{"a":1}`)) != HashInput([]byte(" {\"a\":1}\n")) {
		t.Fatalf("whitespace changed the hash")
	}
}
