package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"waypost/internal/types"
)

// ArchiveLedger is the slice of the ledger repository the archive sweep needs.
type ArchiveLedger interface {
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]types.LedgerEntry, error)
	StripPayloads(ctx context.Context, ids []int64) error
}

// LedgerArchiver is the cold storage sink for exported ledger batches.
// Production uses S3; tests and local mode use an in-memory or file sink.
type LedgerArchiver interface {
	UploadArchive(ctx context.Context, key string, data []byte) error
}

// archivedEvent is the JSONL record written to cold storage. It carries
// everything needed to audit an event after the inline payload is stripped.
type archivedEvent struct {
	ID              int64                `json:"id"`
	ExternalEventID string               `json:"external_event_id"`
	CanonicalType   types.TransitionKind `json:"canonical_type"`
	UserID          *string              `json:"user_id,omitempty"`
	ReceivedAt      time.Time            `json:"received_at"`
	ProcessedAt     *time.Time           `json:"processed_at,omitempty"`
	Outcome         types.LedgerOutcome  `json:"outcome"`
	Attempts        int                  `json:"attempts"`
	PayloadDigest   string               `json:"payload_digest"`
	RawPayload      json.RawMessage      `json:"raw_payload,omitempty"`
}

// LedgerArchiveConfig tunes the archive sweep.
type LedgerArchiveConfig struct {
	// Retention is how long processed entries keep their payload inline.
	Retention time.Duration
	// BatchSize caps entries exported per upload.
	BatchSize int
}

// LedgerArchiveService exports processed ledger entries past retention to
// cold storage as zstd-compressed JSONL, then strips the inline payloads.
// The ledger row itself survives; only the payload column is freed.
type LedgerArchiveService struct {
	ledger   ArchiveLedger
	archiver LedgerArchiver
	cfg      LedgerArchiveConfig
	logger   *slog.Logger
}

func NewLedgerArchiveService(ledger ArchiveLedger, archiver LedgerArchiver, cfg LedgerArchiveConfig, logger *slog.Logger) *LedgerArchiveService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerArchiveService{
		ledger:   ledger,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run exports batches until no archivable entries remain. Returns the total
// number of entries archived. The payload strip happens only after a
// successful upload, so a failed run leaves everything replayable.
func (s *LedgerArchiveService) Run(ctx context.Context, now time.Time) (int, error) {
	if s.archiver == nil {
		s.logger.WarnContext(ctx, "ledger archiver not configured, skipping")
		return 0, nil
	}

	cutoff := now.Add(-s.cfg.Retention)
	total := 0

	for {
		entries, err := s.ledger.ListArchivable(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("listing archivable ledger entries: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		data, err := serializeCompressedJSONL(entries)
		if err != nil {
			return total, fmt.Errorf("serializing ledger archive batch: %w", err)
		}

		key := fmt.Sprintf("ledger/%d/%02d/batch_%d.jsonl.zst",
			cutoff.Year(), cutoff.Month(), now.UnixNano())
		if err := s.archiver.UploadArchive(ctx, key, data); err != nil {
			return total, fmt.Errorf("uploading ledger archive %s: %w", key, err)
		}

		ids := make([]int64, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := s.ledger.StripPayloads(ctx, ids); err != nil {
			return total, fmt.Errorf("stripping archived payloads: %w", err)
		}

		total += len(entries)
		s.logger.InfoContext(ctx, "archived ledger batch",
			"batch_size", len(entries),
			"key", key,
			"compressed_bytes", len(data),
			"total_archived", total,
		)

		if len(entries) < s.cfg.BatchSize {
			break
		}
	}

	return total, nil
}

// serializeCompressedJSONL renders entries as one JSON object per line and
// zstd-compresses the result.
func serializeCompressedJSONL(entries []types.LedgerEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}

	lineEnc := json.NewEncoder(enc)
	for _, e := range entries {
		record := archivedEvent{
			ID:              e.ID,
			ExternalEventID: e.ExternalEventID,
			CanonicalType:   e.CanonicalType,
			UserID:          e.UserID,
			ReceivedAt:      e.ReceivedAt,
			ProcessedAt:     e.ProcessedAt,
			Outcome:         e.Outcome,
			Attempts:        e.Attempts,
			PayloadDigest:   e.PayloadDigest,
		}
		if json.Valid(e.RawPayload) {
			record.RawPayload = json.RawMessage(e.RawPayload)
		}
		if err := lineEnc.Encode(record); err != nil {
			enc.Close()
			return nil, fmt.Errorf("encoding ledger entry %d: %w", e.ID, err)
		}
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("flushing zstd stream: %w", err)
	}
	return buf.Bytes(), nil
}
