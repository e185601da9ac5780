package probe

import (
	"context"
	"fmt"

	"github.com/sonde-hub/sonde/internal/hub/storage"
	"github.com/sonde-hub/sonde/pkg/audit"
)

// StoreAuditSink adapts storage.Store to the Router's AuditSink/EventSink
// interfaces, maintaining the hash chain described in pkg/audit against
// whatever row AppendAuditEntry last wrote (§4.11).
type StoreAuditSink struct {
	store *storage.Store
}

// NewStoreAuditSink constructs a StoreAuditSink over store.
func NewStoreAuditSink(store *storage.Store) *StoreAuditSink {
	return &StoreAuditSink{store: store}
}

// Record implements AuditSink.
func (a *StoreAuditSink) Record(ctx context.Context, probe, source string, status audit.Status, durationMs int64, apiKeyID, responseDigest string) error {
	prevHash := ""
	if last, ok := a.store.LastAuditEntry(ctx); ok {
		h, err := audit.Hash(audit.Entry{
			ID:             last.ID,
			Timestamp:      last.Timestamp,
			Probe:          last.Probe,
			Source:         last.Source,
			Status:         audit.Status(last.Status),
			DurationMs:     last.DurationMs,
			APIKeyID:       last.APIKeyID,
			ResponseDigest: last.ResponseDigest,
			PrevHash:       last.PrevHash,
		})
		if err != nil {
			return fmt.Errorf("hash prior audit entry: %w", err)
		}
		prevHash = h
	}

	_, err := a.store.AppendAuditEntry(ctx, storage.AuditEntryRow{
		Probe:          probe,
		Source:         source,
		Status:         string(status),
		DurationMs:     durationMs,
		APIKeyID:       apiKeyID,
		ResponseDigest: responseDigest,
		PrevHash:       prevHash,
	})
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// RecordProbeExecution implements EventSink.
func (a *StoreAuditSink) RecordProbeExecution(ctx context.Context, pack, status, message string) error {
	return a.store.AppendIntegrationEvent(ctx, storage.IntegrationEvent{
		Pack:      pack,
		EventType: storage.EventProbeExecution,
		Status:    status,
		Message:   message,
	})
}
