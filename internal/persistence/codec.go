package persistence

import (
	"bytes"
	"encoding/json"

	"github.com/spaolacci/murmur3"

	"github.com/petrijr/keel/pkg/api"
)

// EncodeValue serializes workflow, activity, and signal payloads as JSON.
// JSON is used rather than a binary codec because the encoded bytes double
// as the activity identity: encoding/json sorts map keys, so equal values
// always produce equal bytes and therefore equal hashes.
func EncodeValue(what string, v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &api.SerializationError{What: what, Cause: err}
	}
	return data, nil
}

// DecodeValue deserializes a payload into T.
func DecodeValue[T any](what string, data json.RawMessage) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &api.SerializationError{What: what, Cause: err}
	}
	return out, nil
}

// HashInput computes the deterministic hash over an encoded activity input.
// Together with the activity name it forms the activity identity used for
// divergence checking.
func HashInput(data json.RawMessage) uint64 {
	return murmur3.Sum64(bytes.TrimSpace(data))
}
