// Package log threads a structured logrus entry through a context.Context so
// that every component along a request's path can attach fields without
// passing a logger explicitly.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxKeyType struct{}

var ctxKey ctxKeyType

// WithLogger attaches entry to ctx, replacing any logger already attached.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKey, entry)
}

// WithFields returns a context carrying the logger from ctx (or the standard
// logger if none is attached) with fields merged in.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, FromContext(ctx).WithFields(fields))
}

// FromContext returns the logger attached to ctx, or logrus's standard logger
// wrapped in an empty Entry if none was attached.
func FromContext(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(ctxKey).(*logrus.Entry); ok && entry != nil {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
