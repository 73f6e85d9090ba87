package logging

import (
	"fmt"
	"log/slog"

	"eventrouter/internal/config"
)

// NewNotifyLogger opens the [log.notify] sink that records one line per routed message.
// Params: sink settings.
// Returns: logger (nil when the sink is disabled), cleanup callback, and setup error.
func NewNotifyLogger(sink config.LogSinkConfig) (*slog.Logger, func(), error) {
	if !sink.Enabled {
		return nil, func() {}, nil
	}
	file, err := openSinkFile(sink.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("build notify handler: %w", err)
	}
	handler, err := sinkHandler(sink, file, false)
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("build notify handler: %w", err)
	}
	return slog.New(handler), func() { _ = file.Close() }, nil
}
