package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aura-dev/aura/pkg/aerr"
	"github.com/aura-dev/aura/pkg/ceremony"
	"github.com/aura-dev/aura/pkg/types"
)

// CeremonyOperation builds the span attributes for one ceremony lifecycle
// step.
func CeremonyOperation(id types.CeremonyID, kind ceremony.Kind, phase ceremony.Phase) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("aura.ceremony.id", id.String()),
		attribute.String("aura.ceremony.kind", string(kind)),
		attribute.String("aura.ceremony.phase", string(phase)),
	}
}

// SessionOperation builds the span attributes for a signing session step.
func SessionOperation(id types.SessionID, device types.AuthorityID, participants int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("aura.session.id", id.String()),
		attribute.String("aura.authority.id", device.String()),
		attribute.Int("aura.session.participants", participants),
	}
}

// SyncOperation builds the span attributes for one anti-entropy round.
func SyncOperation(peer types.AuthorityID, sentEvents, receivedEvents int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("aura.sync.peer", peer.String()),
		attribute.Int("aura.sync.sent_events", sentEvents),
		attribute.Int("aura.sync.received_events", receivedEvents),
	}
}

// SyncPeer identifies the remote side of a round.
func SyncPeer(peer types.AuthorityID) attribute.KeyValue {
	return attribute.String("aura.sync.peer", peer.String())
}

// JournalOperation builds the span attributes for a journal append.
func JournalOperation(authority types.AuthorityID, epoch types.Epoch, nonce uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("aura.authority.id", authority.String()),
		attribute.Int64("aura.epoch", int64(epoch)),
		attribute.Int64("aura.nonce", int64(nonce)),
	}
}

// ErrorCategory maps an error onto its taxonomy attribute.
func ErrorCategory(err error) attribute.KeyValue {
	return attribute.String("aura.error.category", string(aerr.CategoryOf(err)))
}

// SetSpanStatus marks the current span according to err.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddSpanEvent annotates the current span with a named event.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
