package frame

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors.
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Decode parses a raw client frame, dispatching on the "type" field, and
// returns the concrete inbound frame.
func Decode(data []byte) (Inbound, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch head.Type {
	case TypeJoin:
		var f Join
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &f, nil
	case TypeSubmitAnswer:
		var f SubmitAnswer
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &f, nil
	case TypeHeartbeat:
		var f Heartbeat
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &f, nil
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, head.Type)
	}
}
