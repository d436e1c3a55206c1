package registry

import (
	"encoding/json"
	"fmt"
)

// Payload converts a submitted payload to the concrete type P.
//
// Accepts a P, a *P, raw JSON ([]byte or json.RawMessage), or any value that
// round-trips through encoding/json (such as a map decoded from YAML).
func Payload[P any](payload any) (P, error) {
	var zero P
	switch v := payload.(type) {
	case P:
		return v, nil
	case *P:
		if v == nil {
			return zero, fmt.Errorf("payload is a nil %T", v)
		}
		return *v, nil
	case json.RawMessage:
		return decodePayload[P](v)
	case []byte:
		return decodePayload[P](v)
	case nil:
		return zero, fmt.Errorf("payload is nil")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("encode payload %T: %w", payload, err)
	}
	return decodePayload[P](data)
}

func decodePayload[P any](data []byte) (P, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode payload as %T: %w", p, err)
	}
	return p, nil
}
