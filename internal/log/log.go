// Package log builds the server's zap logger: a colorized console
// encoder writing to stdout plus a log file.
package log

import (
	"bytes"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// colorConsoleEncoder wraps zap's stock console encoder and removes the
// literal text \u001b from each encoded entry. The colors themselves
// come from the EncodeTime and EncodeLevel functions set in New.
type colorConsoleEncoder struct {
	zapcore.Encoder
}

func newColorConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return colorConsoleEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (c colorConsoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := c.Encoder.EncodeEntry(ent, fields)
	if err != nil {
		return nil, err
	}
	colored := bytes.Replace(buf.Bytes(), []byte("\\u001b"), []byte(""), -1)
	buf.Reset()
	buf.AppendString(string(colored))
	return buf, nil
}

func (c colorConsoleEncoder) Clone() zapcore.Encoder {
	return colorConsoleEncoder{Encoder: c.Encoder.Clone()}
}

func encodeTimeWithBanner(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(color.CyanString(t.Format("2006-01-02T15:04:05.000Z0700")))
}

func init() {
	_ = zap.RegisterEncoder("mongosqldConsole", func(cfg zapcore.EncoderConfig) (zapcore.Encoder, error) {
		return newColorConsoleEncoder(cfg), nil
	})
}

// New builds a zap.Logger at the given level, writing to stdout and,
// when path is non-empty, to a log file as well.
func New(level string, path string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Encoding = "mongosqldConsole"
	cfg.EncoderConfig.EncodeTime = encodeTimeWithBanner
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = lvl != zapcore.DebugLevel

	cfg.OutputPaths = []string{"stdout"}
	if path != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, path)
	}

	return cfg.Build()
}
