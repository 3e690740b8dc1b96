// Package logger provides the shared zerolog setup for every stage binary.
package logger

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

func init() {
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
}

// New builds a console-writer logger tagged with the stage's service name.
func New(serviceName, level string) zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(consoleWriter).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// NewPgxLogger builds the tracer writer pgx's tracelog writes through
// (internal/store wraps it with pgx-zerolog). It only needs to special-case
// []byte fields: tracelog logs jsonb query args as raw bytes, and those read
// as noise unless pretty-printed. Everything else, including the query
// string itself, goes through zerolog's normal formatting, since this
// repository's queries are the handful of fixed, moderate-length statements
// in internal/store and never need truncation.
func NewPgxLogger() zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
		FormatFieldValue: func(i any) string {
			v, ok := i.([]byte)
			if !ok {
				return fmt.Sprintf("%v", i)
			}
			var obj interface{}
			if err := json.Unmarshal(v, &obj); err != nil {
				return string(v)
			}
			pretty, _ := json.MarshalIndent(obj, "", "    ")
			return "\n" + string(pretty)
		},
	}

	return zerolog.New(writer).
		Level(zerolog.WarnLevel).
		With().
		Timestamp().
		Str("component", "database").
		Logger()
}
