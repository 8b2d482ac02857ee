package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"stockdesk/internal/chat"
)

// ParquetExporter writes session transcripts to Parquet files on disk.
type ParquetExporter struct {
	DataDir string
}

// NewParquetExporter creates an exporter rooted at the given data directory.
func NewParquetExporter(dataDir string) *ParquetExporter {
	return &ParquetExporter{DataDir: dataDir}
}

// MessageRecord is the Parquet schema of a transcript message.
type MessageRecord struct {
	ID        int64  `parquet:"id"`
	SessionID int64  `parquet:"session_id"`
	Role      string `parquet:"role"`
	Content   string `parquet:"content"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Visible   string `parquet:"visible"`
	Reasoning string `parquet:"reasoning,optional"`
}

// Export writes the transcript of sessionID from src and returns the file
// path. Messages already present in an earlier export are kept; ids seen
// again are replaced.
func (e *ParquetExporter) Export(ctx context.Context, src MessageStore, sessionID int64, split func(string) (visible, reasoning string)) (string, error) {
	msgs, err := src.Messages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading session %d: %w", sessionID, err)
	}

	records := make([]MessageRecord, len(msgs))
	for i, m := range msgs {
		records[i] = MessageRecord{
			ID:        m.ID,
			SessionID: m.SessionID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.UnixMilli(),
			Visible:   m.Content,
		}
		if split != nil && m.Role == chat.RoleAssistant {
			records[i].Visible, records[i].Reasoning = split(m.Content)
		}
	}

	path := e.transcriptPath(sessionID)
	existing, _ := readParquetFile[MessageRecord](path)
	merged := mergeMessageRecords(existing, records)

	if err := writeParquetFile(path, merged); err != nil {
		return "", fmt.Errorf("writing transcript %d: %w", sessionID, err)
	}
	return path, nil
}

// ReadTranscript reads an exported transcript back.
func (e *ParquetExporter) ReadTranscript(sessionID int64) ([]Message, error) {
	records, err := readParquetFile[MessageRecord](e.transcriptPath(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	msgs := make([]Message, len(records))
	for i, r := range records {
		msgs[i] = Message{
			ID:        r.ID,
			SessionID: r.SessionID,
			Role:      chat.Role(r.Role),
			Content:   r.Content,
			CreatedAt: time.UnixMilli(r.Timestamp),
		}
	}
	return msgs, nil
}

// transcriptPath returns the filesystem path of a transcript file.
// Layout: <dataDir>/transcripts/<sessionID>.parquet
func (e *ParquetExporter) transcriptPath(sessionID int64) string {
	return filepath.Join(e.DataDir, "transcripts", strconv.FormatInt(sessionID, 10)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeMessageRecords deduplicates records by id, preferring incoming ones.
// Results are sorted by id, which is insertion order.
func mergeMessageRecords(existing, incoming []MessageRecord) []MessageRecord {
	seen := make(map[int64]MessageRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]MessageRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ID < merged[j].ID
	})
	return merged
}
