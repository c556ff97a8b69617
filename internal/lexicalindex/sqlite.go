// Package lexicalindex is the C2 lexical index: a literal SQLite FTS5
// virtual table queried with bm25().
package lexicalindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/kimseunghyun/examcls/internal/rceerr"
	"github.com/kimseunghyun/examcls/internal/tokenizer"
	"github.com/kimseunghyun/examcls/pkg/models"
)

// Index is the C2 contract: search_chunks_bm25(query, top_n, lecture_ids?).
type Index struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open creates or attaches to the SQLite FTS5 index at path. An empty path
// opens an in-memory index, useful for tests.
func Open(path string) (*Index, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lexical index dir %s: %w", dir, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	idx := &Index{db: db, path: path}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	const schema = `
	CREATE VIRTUAL TABLE IF NOT EXISTS lecture_chunks_fts USING fts5(
		content,
		chunk_id UNINDEXED,
		lecture_id UNINDEXED,
		page_start UNINDEXED,
		page_end UNINDEXED,
		tokenize='unicode61'
	);
	`
	_, err := idx.db.Exec(schema)
	return err
}

// Upsert writes or replaces a chunk's lexical entry. FTS5 doesn't support
// REPLACE, so an upsert deletes the old row (if any) before inserting.
func (idx *Index) Upsert(ctx context.Context, entry models.ChunkLexicalEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lecture_chunks_fts WHERE chunk_id = ?`, entry.ChunkID); err != nil {
		return fmt.Errorf("delete existing entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lecture_chunks_fts(content, chunk_id, lecture_id, page_start, page_end) VALUES (?, ?, ?, ?, ?)`,
		entry.Content, entry.ChunkID, entry.LectureID, entry.PageStart, entry.PageEnd,
	); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return tx.Commit()
}

// Delete removes a chunk's lexical entry, cascading from LectureChunk
// deletion.
func (idx *Index) Delete(ctx context.Context, chunkID int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.ExecContext(ctx, `DELETE FROM lecture_chunks_fts WHERE chunk_id = ?`, chunkID)
	return err
}

// SearchBM25 implements the C2 contract: search_chunks_bm25(query, top_n,
// lecture_ids?). lecture_ids == nil means unrestricted; an empty, non-nil
// slice returns no hits.
func (idx *Index) SearchBM25(ctx context.Context, rawQuestionText string, topN int, lectureIDs []int64) ([]models.ChunkHit, error) {
	if lectureIDs != nil && len(lectureIDs) == 0 {
		return nil, nil
	}

	matchQuery := tokenizer.MakeBM25MatchQuery(rawQuestionText)
	if matchQuery == "" {
		return nil, rceerr.ErrEmptyQuery
	}
	return idx.searchMatch(ctx, matchQuery, topN, lectureIDs)
}

// SearchBM25Tokens is like SearchBM25 but takes already-tokenized positive
// terms, used by HyDE variants (mixed_light/orig_only/hyde_only) which
// build their own term list before handing it to the index.
func (idx *Index) SearchBM25Tokens(ctx context.Context, positiveTerms []string, maxTerms, topN int, lectureIDs []int64) ([]models.ChunkHit, error) {
	if lectureIDs != nil && len(lectureIDs) == 0 {
		return nil, nil
	}
	matchQuery := tokenizer.BuildFTSQuery(positiveTerms, maxTerms)
	if matchQuery == "" {
		return nil, rceerr.ErrEmptyQuery
	}
	return idx.searchMatch(ctx, matchQuery, topN, lectureIDs)
}

func (idx *Index) searchMatch(ctx context.Context, matchQuery string, topN int, lectureIDs []int64) ([]models.ChunkHit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	where := "WHERE lecture_chunks_fts MATCH ?"
	args := []any{matchQuery}
	if lectureIDs != nil {
		placeholders := make([]string, len(lectureIDs))
		for i, id := range lectureIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where += fmt.Sprintf(" AND lecture_id IN (%s)", strings.Join(placeholders, ", "))
	}
	args = append(args, topN)

	query := fmt.Sprintf(`
		SELECT
			chunk_id, lecture_id, page_start, page_end,
			snippet(lecture_chunks_fts, 0, '', '', '...', 24) AS snippet,
			bm25(lecture_chunks_fts) AS bm25_score
		FROM lecture_chunks_fts
		%s
		ORDER BY bm25_score
		LIMIT ?
	`, where)

	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []models.ChunkHit
	for rows.Next() {
		var h models.ChunkHit
		var snippet string
		if err := rows.Scan(&h.ChunkID, &h.LectureID, &h.PageStart, &h.PageEnd, &snippet, &h.BM25Score); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		h.Snippet = strings.TrimSpace(strings.ReplaceAll(snippet, "\n", " "))
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SemanticNeighbors restricts the match to one lecture and excludes the
// seed chunk itself, grounding C7's neighbor lookup.
func (idx *Index) SemanticNeighbors(ctx context.Context, seedContent string, lectureID, excludeChunkID int64, topN int) ([]models.ChunkHit, error) {
	matchQuery := tokenizer.MakeBM25MatchQuery(seedContent)
	if matchQuery == "" {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rows, err := idx.db.QueryContext(ctx, `
		SELECT chunk_id, lecture_id, page_start, page_end,
		       snippet(lecture_chunks_fts, 0, '', '', '...', 24) AS snippet,
		       bm25(lecture_chunks_fts) AS bm25_score
		FROM lecture_chunks_fts
		WHERE lecture_chunks_fts MATCH ? AND lecture_id = ?
		ORDER BY bm25_score
		LIMIT ?
	`, matchQuery, lectureID, topN+1)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, fmt.Errorf("semantic neighbor search: %w", err)
	}
	defer rows.Close()

	var hits []models.ChunkHit
	for rows.Next() {
		var h models.ChunkHit
		var snippet string
		if err := rows.Scan(&h.ChunkID, &h.LectureID, &h.PageStart, &h.PageEnd, &snippet, &h.BM25Score); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		if h.ChunkID == excludeChunkID {
			continue
		}
		h.Snippet = strings.TrimSpace(strings.ReplaceAll(snippet, "\n", " "))
		hits = append(hits, h)
		if len(hits) >= topN {
			break
		}
	}
	return hits, rows.Err()
}

// Checkpoint forces a WAL checkpoint, used before a clean shutdown.
func (idx *Index) Checkpoint() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, _ = idx.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return idx.db.Close()
}
