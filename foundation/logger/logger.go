// Package logger provides a convience function to constructing a logger
// for use. This is required not just for applications but for testing.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs a Sugared Logger that writes to stdout and
// provides human readable timestamps.
func New(service string, outputPaths ...string) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()

	config.OutputPaths = []string{"stdout"}
	if outputPaths != nil {
		config.OutputPaths = outputPaths
	}

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true
	config.InitialFields = map[string]any{
		"service": service,
	}

	log, err := config.Build()
	if err != nil {
		return nil, err
	}

	return log.Sugar(), nil
}

// NewEventHandler adapts the logger into the event handler signature the
// blockchain packages accept. Every raw message is logged at info level and
// then handed to the optional sinks, in order.
func NewEventHandler(log *zap.SugaredLogger, sinks ...func(s string)) func(v string, args ...any) {
	return func(v string, args ...any) {
		s := v
		if len(args) > 0 {
			s = fmt.Sprintf(v, args...)
		}

		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		for _, sink := range sinks {
			sink(s)
		}
	}
}
