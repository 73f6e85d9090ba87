package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"eventrouter/internal/domain"
)

const maxPooledBufferCapacity = 64 << 10

var encodeBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// decodeEventPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated events slice; errors wrap domain.ErrInvalidEvent.
func decodeEventPayload(raw []byte) ([]domain.Event, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrInvalidEvent)
	}
	if payload[0] != '[' {
		event, err := domain.DecodeEvent(payload)
		if err != nil {
			return nil, err
		}
		return []domain.Event{event}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	events, err := domain.DecodeEventsReader(decoder)
	if err != nil {
		return nil, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	return events, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: decode trailing json: %v", domain.ErrInvalidEvent, err)
	}
	return fmt.Errorf("%w: unexpected trailing json tokens", domain.ErrInvalidEvent)
}

// encodeEvent renders one normalized event as queue payload.
func encodeEvent(event domain.Event) ([]byte, error) {
	buf := encodeBufferPool.Get().(*bytes.Buffer)
	defer releaseBuffer(buf)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(event); err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID(), err)
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return append([]byte(nil), out...), nil
}

func releaseBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > maxPooledBufferCapacity {
		return
	}
	encodeBufferPool.Put(buf)
}
