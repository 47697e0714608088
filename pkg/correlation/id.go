package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// HTTPHeader carries the correlation ID on query API requests
	HTTPHeader = "X-Correlation-ID"

	// HTTPRequestIDHeader is accepted as a fallback
	HTTPRequestIDHeader = "X-Request-ID"
)

type contextKey int

const (
	correlationIDKey contextKey = iota
	callIDKey
)

var counter uint64

// ID is the correlation identifier that follows a call through the upstream
// analysis stages and onto the CallAudited event.
type ID string

// String returns the string representation of the correlation ID
func (id ID) String() string {
	return string(id)
}

// IsEmpty returns true if the correlation ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// New generates a new unique correlation ID
// Format: timestamp-random-counter (e.g., "1704531234567-a1b2c3d4-0001")
func New() ID {
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		randomBytes = []byte{0, 0, 0, 0}
	}
	count := atomic.AddUint64(&counter, 1)
	return ID(fmt.Sprintf("%d-%s-%04x", time.Now().UnixMilli(), hex.EncodeToString(randomBytes), count&0xFFFF))
}

// FromString returns the provided ID or generates a new one if empty
func FromString(s string) ID {
	if s == "" {
		return New()
	}
	return ID(s)
}

// WithCorrelationID returns a new context with the correlation ID attached
func WithCorrelationID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// FromContext extracts the correlation ID from a context
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(ID); ok {
		return id
	}
	return ""
}

// FromContextOrNew extracts the correlation ID from context or generates a new one
func FromContextOrNew(ctx context.Context) ID {
	if id := FromContext(ctx); !id.IsEmpty() {
		return id
	}
	return New()
}

// WithCallID attaches the call being processed to the context for logging.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey, callID)
}

// CallIDFromContext returns the call attached by WithCallID.
func CallIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(callIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextFields extracts correlation fields from a context
func ContextFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := FromContext(ctx); !id.IsEmpty() {
		fields["correlation_id"] = id.String()
	}
	if callID := CallIDFromContext(ctx); callID != "" {
		fields["call_id"] = callID
	}
	return fields
}

// LoggerFromContext returns a logrus.Entry with correlation fields from the context
func LoggerFromContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(ContextFields(ctx))
}
