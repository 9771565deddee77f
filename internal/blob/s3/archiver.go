package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// defaultMultipartThreshold is the document size above which uploads go
// through the multipart manager.
const defaultMultipartThreshold int64 = 8 * 1024 * 1024

// ArchiveSource is the read side the archiver needs from the store.
type ArchiveSource interface {
	domain.Reader
	domain.AuditStore
}

// Archiver implements domain.RoundArchiver. Each terminal round becomes one
// JSONL object holding the round, its pool, positions, trades, payouts and
// settlement, one record per line.
//
// Archival copies; rows stay in the primary store.
type Archiver struct {
	source ArchiveSource
	writer domain.BlobWriter
	reader domain.BlobReader

	multipartThreshold int64
}

var _ domain.RoundArchiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. A threshold <= 0 uses the default.
func NewArchiver(source ArchiveSource, writer domain.BlobWriter, reader domain.BlobReader, multipartThreshold int64) *Archiver {
	if multipartThreshold <= 0 {
		multipartThreshold = defaultMultipartThreshold
	}
	return &Archiver{
		source:             source,
		writer:             writer,
		reader:             reader,
		multipartThreshold: multipartThreshold,
	}
}

// archiveRecord is one JSONL line.
type archiveRecord struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// ArchiveRound uploads the archive document of a terminal round. It
// returns false without writing when the object already exists.
func (a *Archiver) ArchiveRound(ctx context.Context, roundID string) (bool, error) {
	r, err := a.source.GetRound(ctx, roundID)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive round %s: %w", roundID, err)
	}
	if !r.Status.Terminal() {
		return false, domain.ErrRoundNotSettleable.With("round %s is %s, not terminal", roundID, r.Status)
	}

	path := RoundPath(r)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	records, err := a.collect(ctx, r)
	if err != nil {
		return false, err
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive round %s marshal: %w", roundID, err)
	}

	if int64(len(buf)) > a.multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return false, fmt.Errorf("s3blob: archive round %s upload: %w", roundID, err)
	}

	if err := a.source.Log(ctx, "round_archived", map[string]any{
		"round_id": roundID,
		"category": r.Category,
		"path":     path,
		"records":  len(records),
		"bytes":    len(buf),
	}); err != nil {
		return true, fmt.Errorf("s3blob: archive round %s audit log: %w", roundID, err)
	}
	return true, nil
}

func (a *Archiver) collect(ctx context.Context, r domain.Round) ([]archiveRecord, error) {
	records := []archiveRecord{{Kind: "round", Data: r}}

	pool, err := a.source.GetPool(ctx, r.ID)
	switch {
	case err == nil:
		records = append(records, archiveRecord{Kind: "pool", Data: pool})
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("s3blob: archive pool %s: %w", r.ID, err)
	}

	positions, err := a.source.ListRoundPositions(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive positions %s: %w", r.ID, err)
	}
	for _, p := range positions {
		records = append(records, archiveRecord{Kind: "position", Data: p})
	}

	trades, err := a.source.ListTrades(ctx, r.ID, domain.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive trades %s: %w", r.ID, err)
	}
	for _, t := range trades {
		records = append(records, archiveRecord{Kind: "trade", Data: t})
	}

	payouts, err := a.source.ListPayouts(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive payouts %s: %w", r.ID, err)
	}
	for _, p := range payouts {
		records = append(records, archiveRecord{Kind: "payout", Data: p})
	}

	settlement, err := a.source.GetSettlement(ctx, r.ID)
	switch {
	case err == nil:
		records = append(records, archiveRecord{Kind: "settlement", Data: settlement})
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("s3blob: archive settlement %s: %w", r.ID, err)
	}
	return records, nil
}

// RoundPath is the object path of a round's archive, partitioned by the
// UTC date the round opened.
//
//	archive/rounds/btc/2026-03-01/<round id>.jsonl
func RoundPath(r domain.Round) string {
	return fmt.Sprintf("archive/rounds/%s/%s/%s.jsonl",
		r.Category, r.OpenTime.UTC().Format(time.DateOnly), r.ID)
}

// marshalJSONL encodes records as newline-delimited compact JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
