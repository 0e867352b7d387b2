package translate

import (
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// StreamEvent is one decoded frame from Kiro's upstream response body
// (spec.md §4.5 Input: "AWS event-stream binary frames ... header
// section, payload section, CRC32; payload is JSON").
type StreamEvent struct {
	EventType string
	Payload   []byte
}

// UpstreamException is raised when a frame carries the AWS event-stream
// error convention (":message-type: exception"), e.g. throttlingException
// or internalServerException.
type UpstreamException struct {
	Kind string
	Body []byte
}

func (e *UpstreamException) Error() string {
	return fmt.Sprintf("kiro upstream exception %s: %s", e.Kind, e.Body)
}

// StreamReader decodes a Kiro response body frame by frame using the real
// AWS event-stream codec (prelude + headers + payload + CRC32 trailer),
// rather than hand-rolling the binary framing.
type StreamReader struct {
	dec *eventstream.Decoder
}

// NewStreamReader wraps r, Kiro's raw HTTP response body.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{dec: eventstream.NewDecoder(r)}
}

// Next decodes the next frame. Returns io.EOF when the stream ends cleanly.
// Returns *UpstreamException for frames carrying the exception convention.
func (s *StreamReader) Next() (*StreamEvent, error) {
	msg, err := s.dec.Decode(nil)
	if err != nil {
		return nil, err
	}

	if messageType, ok := headerString(msg.Headers, ":message-type"); ok && messageType == "exception" {
		kind, _ := headerString(msg.Headers, ":exception-type")
		return nil, &UpstreamException{Kind: kind, Body: msg.Payload}
	}

	eventType, _ := headerString(msg.Headers, ":event-type")
	return &StreamEvent{EventType: eventType, Payload: msg.Payload}, nil
}

func headerString(hs eventstream.Headers, name string) (string, bool) {
	for _, h := range hs {
		if h.Name != name {
			continue
		}
		if sv, ok := h.Value.Get().(string); ok {
			return sv, true
		}
	}
	return "", false
}
