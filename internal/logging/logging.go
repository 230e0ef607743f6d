package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type requestIDKey struct{}

// New builds a zap logger; JSON in production, colored console otherwise.
func New(env string) (*zap.Logger, error) {
	if env == "production" || env == "prod" {
		return zap.NewProductionConfig().Build()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}

// OrNop returns lg, or a no-op logger when lg is nil.
func OrNop(lg *zap.Logger) *zap.Logger {
	if lg == nil {
		return zap.NewNop()
	}
	return lg
}

// WithRequestID stores a request identifier on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request identifier stored on ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromContext decorates lg with the request id carried by ctx.
func FromContext(ctx context.Context, lg *zap.Logger) *zap.Logger {
	lg = OrNop(lg)
	if id := RequestID(ctx); id != "" {
		return lg.With(zap.String("request_id", id))
	}
	return lg
}

// Fingerprint truncates an opaque identifier for log output.
func Fingerprint(v string) string {
	if len(v) <= 10 {
		return v
	}
	return v[:10] + "..."
}
