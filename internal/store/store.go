// Package store is the Postgres-backed persistence layer: lecture/block
// catalog, chunk embeddings (pgvector), the HyDE query cache, and
// classification jobs. The lexical FTS5 index and the JSON result cache
// live in their own packages — this store owns everything that needs
// relational querying or pgvector similarity.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/kimseunghyun/examcls/pkg/models"
)

// Store is the concrete Postgres implementation of every persistence seam
// the engine's components depend on (EmbeddingStore, ChunkFetcher,
// ScopeResolver, hyde.QueryStore, batchjob.Store, apply.Store).
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate creates every table the engine reads or writes. LectureChunk,
// ChunkLexicalEntry's source rows, Lecture, and Block are owned by the
// ingestion pipeline and are created here only so a fresh environment can
// exercise the whole system end to end; in production ingestion owns
// their DDL.
func (s *Store) Migrate(ctx context.Context, embedDim int) error {
	q := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS blocks (
  id   BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS block_folders (
  id          BIGSERIAL PRIMARY KEY,
  block_id    BIGINT NOT NULL REFERENCES blocks(id),
  parent_id   BIGINT REFERENCES block_folders(id),
  name        TEXT NOT NULL,
  "order"     INT NOT NULL DEFAULT 0,
  description TEXT
);

CREATE TABLE IF NOT EXISTS lectures (
  id        BIGSERIAL PRIMARY KEY,
  block_id  BIGINT NOT NULL REFERENCES blocks(id),
  folder_id BIGINT REFERENCES block_folders(id),
  title     TEXT NOT NULL,
  keywords  TEXT
);

CREATE TABLE IF NOT EXISTS lecture_chunks (
  id         BIGSERIAL PRIMARY KEY,
  lecture_id BIGINT NOT NULL REFERENCES lectures(id),
  page_start INT NOT NULL,
  page_end   INT NOT NULL,
  content    TEXT NOT NULL,
  char_len   INT
);

CREATE TABLE IF NOT EXISTS lecture_chunk_embeddings (
  chunk_id   BIGINT NOT NULL REFERENCES lecture_chunks(id),
  lecture_id BIGINT NOT NULL,
  model_name TEXT NOT NULL,
  embedding  vector(%d) NOT NULL,
  PRIMARY KEY (chunk_id, model_name)
);
CREATE INDEX IF NOT EXISTS lecture_chunk_embeddings_model_idx
  ON lecture_chunk_embeddings (model_name);

CREATE TABLE IF NOT EXISTS questions (
  id                              BIGSERIAL PRIMARY KEY,
  exam_id                         BIGINT NOT NULL,
  exam_title                      TEXT NOT NULL DEFAULT '',
  question_number                INT NOT NULL DEFAULT 0,
  content                         TEXT NOT NULL,
  choices_json                    TEXT,
  lecture_id                      BIGINT REFERENCES lectures(id),
  is_classified                   BOOLEAN NOT NULL DEFAULT FALSE,
  classification_status           TEXT NOT NULL DEFAULT 'manual',
  ai_suggested_lecture_id         BIGINT REFERENCES lectures(id),
  ai_suggested_lecture_title_snap TEXT,
  ai_confidence                   DOUBLE PRECISION,
  ai_reason                       TEXT,
  ai_model_name                   TEXT,
  ai_classified_at                TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS question_chunk_matches (
  id         BIGSERIAL PRIMARY KEY,
  question_id BIGINT NOT NULL REFERENCES questions(id),
  lecture_id  BIGINT NOT NULL,
  chunk_id    BIGINT NOT NULL,
  page_start  INT,
  page_end    INT,
  snippet     TEXT,
  score       DOUBLE PRECISION,
  source      TEXT NOT NULL DEFAULT 'ai',
  job_id      BIGINT,
  is_primary  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS question_chunk_matches_question_idx
  ON question_chunk_matches (question_id);

CREATE TABLE IF NOT EXISTS question_queries (
  question_id             BIGINT NOT NULL,
  prompt_version          TEXT NOT NULL,
  lecture_style_query     TEXT NOT NULL DEFAULT '',
  keywords_json           TEXT,
  negative_keywords_json  TEXT,
  created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (question_id, prompt_version)
);

CREATE TABLE IF NOT EXISTS classification_jobs (
  id            BIGSERIAL PRIMARY KEY,
  state         TEXT NOT NULL DEFAULT 'pending',
  total         INT NOT NULL DEFAULT 0,
  processed     INT NOT NULL DEFAULT 0,
  success       INT NOT NULL DEFAULT 0,
  failed        INT NOT NULL DEFAULT 0,
  error_message TEXT,
  result_json   JSONB,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  completed_at  TIMESTAMPTZ
);
`, embedDim)
	_, err := s.pool.Exec(ctx, q)
	return err
}

// --- EmbeddingStore (denseindex.EmbeddingStore) ---

func (s *Store) LoadAllEmbeddings(ctx context.Context, modelName string, dim int) ([]models.ChunkEmbedding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.chunk_id, e.lecture_id, e.embedding, c.page_start, c.page_end, c.content
		FROM lecture_chunk_embeddings e
		JOIN lecture_chunks c ON c.id = e.chunk_id
		WHERE e.model_name = $1
	`, modelName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChunkEmbedding
	for rows.Next() {
		var ce models.ChunkEmbedding
		var vec pgvector.Vector
		var pageStart, pageEnd int
		var content string
		if err := rows.Scan(&ce.ChunkID, &ce.LectureID, &vec, &pageStart, &pageEnd, &content); err != nil {
			return nil, err
		}
		ce.Vector = vec.Slice()
		ce.Content = content
		ce.PageStart, ce.PageEnd = pageStart, pageEnd
		out = append(out, ce)
	}
	return out, rows.Err()
}

func (s *Store) FetchEmbeddings(ctx context.Context, chunkIDs []int64, modelName string, dim int) (map[int64][]float32, error) {
	if len(chunkIDs) == 0 {
		return map[int64][]float32{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, embedding
		FROM lecture_chunk_embeddings
		WHERE model_name = $1 AND chunk_id = ANY($2)
	`, modelName, chunkIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]float32, len(chunkIDs))
	for rows.Next() {
		var chunkID int64
		var vec pgvector.Vector
		if err := rows.Scan(&chunkID, &vec); err != nil {
			return nil, err
		}
		out[chunkID] = vec.Slice()
	}
	return out, rows.Err()
}

// --- ChunkFetcher (expander.ChunkFetcher) ---

func (s *Store) FetchChunk(ctx context.Context, chunkID int64) (*models.LectureChunk, error) {
	var c models.LectureChunk
	var charLen *int
	err := s.pool.QueryRow(ctx, `
		SELECT id, lecture_id, page_start, page_end, content, char_len
		FROM lecture_chunks WHERE id = $1
	`, chunkID).Scan(&c.ID, &c.LectureID, &c.PageStart, &c.PageEnd, &c.Content, &charLen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if charLen != nil {
		c.CharLen = *charLen
	} else {
		c.CharLen = len(c.Content)
	}
	return &c, nil
}

// ChunkLength resolves just the character length of a chunk, the signal
// C6's features need for HybridTop1ChunkLen.
func (s *Store) ChunkLength(ctx context.Context, chunkID int64) (int, bool) {
	var charLen *int
	var content string
	err := s.pool.QueryRow(ctx, `SELECT char_len, content FROM lecture_chunks WHERE id = $1`, chunkID).Scan(&charLen, &content)
	if err != nil {
		return 0, false
	}
	if charLen != nil {
		return *charLen, true
	}
	return len(content), true
}

// --- LectureCatalog ---

// LectureSummaries resolves lecture/block metadata for hydrating
// aggregated candidates. Lectures with no matching row are omitted.
func (s *Store) LectureSummaries(ctx context.Context, lectureIDs []int64) (map[int64]models.Lecture, error) {
	if len(lectureIDs) == 0 {
		return map[int64]models.Lecture{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.title, COALESCE(l.keywords, ''), l.block_id, b.name
		FROM lectures l
		JOIN blocks b ON b.id = l.block_id
		WHERE l.id = ANY($1)
	`, lectureIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]models.Lecture, len(lectureIDs))
	for rows.Next() {
		var l models.Lecture
		if err := rows.Scan(&l.ID, &l.Title, &l.Keywords, &l.BlockID, &l.BlockName); err != nil {
			return nil, err
		}
		out[l.ID] = l
	}
	return out, rows.Err()
}

// --- ScopeResolver ---

// ResolveLectureIDs mirrors the folder-scope contract: nil block/folder
// means unrestricted (returns nil); an empty folder subtree means no
// lectures match (returns an empty, non-nil slice).
func (s *Store) ResolveLectureIDs(ctx context.Context, blockID, folderID *int64, includeDescendants bool) ([]int64, error) {
	if blockID == nil && folderID == nil {
		return nil, nil
	}

	args := []any{}
	where := "TRUE"
	ai := 1
	if blockID != nil {
		where += fmt.Sprintf(" AND l.block_id = $%d", ai)
		args = append(args, *blockID)
		ai++
	}

	if folderID != nil {
		folderIDs, err := s.resolveFolderIDs(ctx, *folderID, includeDescendants, blockID)
		if err != nil {
			return nil, err
		}
		if len(folderIDs) == 0 {
			return []int64{}, nil
		}
		where += fmt.Sprintf(" AND l.folder_id = ANY($%d)", ai)
		args = append(args, folderIDs)
		ai++
	}

	query := fmt.Sprintf(`SELECT l.id FROM lectures l WHERE %s`, where)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) resolveFolderIDs(ctx context.Context, folderID int64, includeDescendants bool, blockID *int64) ([]int64, error) {
	if !includeDescendants {
		return []int64{folderID}, nil
	}

	anchorFilter := ""
	recursiveFilter := ""
	args := []any{folderID}
	if blockID != nil {
		anchorFilter = " AND block_id = $2"
		recursiveFilter = " WHERE bf.block_id = $2"
		args = append(args, *blockID)
	}

	query := fmt.Sprintf(`
		WITH RECURSIVE folder_tree(id) AS (
			SELECT id FROM block_folders WHERE id = $1%s
			UNION ALL
			SELECT bf.id FROM block_folders bf
			JOIN folder_tree ft ON bf.parent_id = ft.id%s
		)
		SELECT id FROM folder_tree
	`, anchorFilter, recursiveFilter)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- hyde.QueryStore ---

func (s *Store) GetQuery(ctx context.Context, questionID int64, promptVersion string) (*models.QuestionQuery, error) {
	var q models.QuestionQuery
	var keywordsJSON, negativeJSON *string
	err := s.pool.QueryRow(ctx, `
		SELECT question_id, prompt_version, lecture_style_query, keywords_json, negative_keywords_json, created_at
		FROM question_queries WHERE question_id = $1 AND prompt_version = $2
	`, questionID, promptVersion).Scan(&q.QuestionID, &q.PromptVersion, &q.LectureStyleQuery, &keywordsJSON, &negativeJSON, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	q.Keywords = decodeStringSlice(keywordsJSON)
	q.NegativeKeywords = decodeStringSlice(negativeJSON)
	return &q, nil
}

func (s *Store) SaveQuery(ctx context.Context, q models.QuestionQuery) error {
	keywordsJSON, err := json.Marshal(q.Keywords)
	if err != nil {
		return err
	}
	negativeJSON, err := json.Marshal(q.NegativeKeywords)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO question_queries (question_id, prompt_version, lecture_style_query, keywords_json, negative_keywords_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (question_id, prompt_version) DO UPDATE SET
			lecture_style_query = EXCLUDED.lecture_style_query,
			keywords_json = EXCLUDED.keywords_json,
			negative_keywords_json = EXCLUDED.negative_keywords_json
	`, q.QuestionID, q.PromptVersion, q.LectureStyleQuery, string(keywordsJSON), string(negativeJSON))
	return err
}

func decodeStringSlice(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

// --- JobStore ---

func (s *Store) CreateJob(ctx context.Context, total int) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO classification_jobs (state, total) VALUES ($1, $2) RETURNING id
	`, models.JobPending, total).Scan(&id)
	return id, err
}

func (s *Store) GetJob(ctx context.Context, id int64) (*models.ClassificationJob, error) {
	var job models.ClassificationJob
	var resultJSON []byte
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT id, state, total, processed, success, failed, COALESCE(error_message, ''),
		       result_json, created_at, updated_at, completed_at
		FROM classification_jobs WHERE id = $1
	`, id).Scan(&job.ID, &state, &job.Total, &job.Processed, &job.Success, &job.Failed,
		&job.ErrorMessage, &resultJSON, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	job.State = models.JobState(state)
	if len(resultJSON) > 0 {
		_ = json.Unmarshal(resultJSON, &job.Result)
	}
	return &job, nil
}

// UpdateJobProgress advances a job's counters and, for a terminal state,
// stamps completed_at and persists the final result payload.
func (s *Store) UpdateJobProgress(ctx context.Context, id int64, processed, success, failed int, state models.JobState, result *models.ResultPayload, errMsg string) error {
	var resultJSON []byte
	var err error
	if result != nil {
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return err
		}
	}

	isTerminal := state == models.JobCompleted || state == models.JobFailed
	_, err = s.pool.Exec(ctx, `
		UPDATE classification_jobs SET
			processed = $2, success = $3, failed = $4, state = $5,
			error_message = NULLIF($6, ''),
			result_json = COALESCE($7, result_json),
			updated_at = now(),
			completed_at = CASE WHEN $8 THEN now() ELSE completed_at END
		WHERE id = $1
	`, id, processed, success, failed, string(state), errMsg, nullableJSON(resultJSON), isTerminal)
	return err
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *Store) RecentJobs(ctx context.Context, limit int) ([]models.ClassificationJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, state, total, processed, success, failed, COALESCE(error_message, ''),
		       created_at, updated_at, completed_at
		FROM classification_jobs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.ClassificationJob
	for rows.Next() {
		var job models.ClassificationJob
		var state string
		if err := rows.Scan(&job.ID, &state, &job.Total, &job.Processed, &job.Success, &job.Failed,
			&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt); err != nil {
			return nil, err
		}
		job.State = models.JobState(state)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- Apply (C13) ---

// ApplyUpdate is one question's worth of work for ApplyQuestionResults:
// the advisory fields to write unconditionally, plus the commit and
// evidence-replacement steps to run only when Commit is true.
type ApplyUpdate struct {
	QuestionID         int64
	Decision           models.ClassificationDecision
	ClassifiedAt       time.Time
	AdvisoryTitleSnap  string
	SetAdvisoryStatus  bool   // true when the question was previously unclassified
	Commit             bool   // true when the caller's apply mode allows committing the suggestion
	CommitLectureID    *int64 // == Decision.LectureID, carried separately so a no_match commit is impossible by construction
	EvidenceRows       []models.QuestionChunkMatch
}

// ApplyQuestionResults runs every question's advisory write, and
// conditionally its commit and evidence replacement, inside a single
// transaction that commits once at the end of the call.
func (s *Store) ApplyQuestionResults(ctx context.Context, jobID int64, updates []ApplyUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, u := range updates {
		if u.SetAdvisoryStatus {
			if _, err := tx.Exec(ctx, `
				UPDATE questions SET
					ai_suggested_lecture_id = $2,
					ai_suggested_lecture_title_snap = $3,
					ai_confidence = $4,
					ai_reason = $5,
					ai_model_name = $6,
					ai_classified_at = $7,
					classification_status = $8
				WHERE id = $1
			`, u.QuestionID, nullableInt64(u.Decision.LectureID), u.AdvisoryTitleSnap, u.Decision.Confidence,
				u.Decision.Reason, u.Decision.ModelName, u.ClassifiedAt, models.StatusAISuggested); err != nil {
				return fmt.Errorf("write advisory (question %d): %w", u.QuestionID, err)
			}
		} else {
			if _, err := tx.Exec(ctx, `
				UPDATE questions SET
					ai_suggested_lecture_id = $2,
					ai_suggested_lecture_title_snap = $3,
					ai_confidence = $4,
					ai_reason = $5,
					ai_model_name = $6,
					ai_classified_at = $7
				WHERE id = $1
			`, u.QuestionID, nullableInt64(u.Decision.LectureID), u.AdvisoryTitleSnap, u.Decision.Confidence,
				u.Decision.Reason, u.Decision.ModelName, u.ClassifiedAt); err != nil {
				return fmt.Errorf("write advisory (question %d): %w", u.QuestionID, err)
			}
		}

		if !u.Commit {
			continue
		}

		if _, err := tx.Exec(ctx, `
			UPDATE questions SET lecture_id = $2, is_classified = TRUE, classification_status = $3
			WHERE id = $1
		`, u.QuestionID, nullableInt64(u.CommitLectureID), models.StatusAIConfirmed); err != nil {
			return fmt.Errorf("commit classification (question %d): %w", u.QuestionID, err)
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM question_chunk_matches WHERE question_id = $1 AND source = $2
		`, u.QuestionID, models.MatchSourceAI); err != nil {
			return fmt.Errorf("clear evidence rows (question %d): %w", u.QuestionID, err)
		}
		for i, r := range u.EvidenceRows {
			if _, err := tx.Exec(ctx, `
				INSERT INTO question_chunk_matches
					(question_id, lecture_id, chunk_id, page_start, page_end, snippet, score, source, job_id, is_primary)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, u.QuestionID, r.LectureID, r.ChunkID, r.PageStart, r.PageEnd, r.Snippet, r.Score,
				models.MatchSourceAI, jobID, i == 0); err != nil {
				return fmt.Errorf("insert evidence row (question %d): %w", u.QuestionID, err)
			}
		}
	}

	return tx.Commit(ctx)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *Store) GetQuestion(ctx context.Context, id int64) (*models.Question, error) {
	var q models.Question
	var choicesJSON *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, exam_id, exam_title, question_number, content, choices_json, lecture_id,
		       is_classified, classification_status, ai_suggested_lecture_id,
		       COALESCE(ai_suggested_lecture_title_snap, ''), ai_confidence,
		       COALESCE(ai_reason, ''), COALESCE(ai_model_name, ''), ai_classified_at
		FROM questions WHERE id = $1
	`, id).Scan(&q.ID, &q.ExamID, &q.ExamTitle, &q.QuestionNumber, &q.Content, &choicesJSON, &q.LectureID,
		&q.IsClassified, &q.ClassificationStatus, &q.AISuggestedLectureID,
		&q.AISuggestedLectureTitleSnap, &q.AIConfidence, &q.AIReason, &q.AIModelName, &q.AIClassifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	q.Choices = decodeStringSlice(choicesJSON)
	return &q, nil
}

func (s *Store) QuestionsByIDs(ctx context.Context, ids []int64) ([]models.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, exam_id, exam_title, question_number, content, choices_json, lecture_id,
		       is_classified, classification_status, ai_suggested_lecture_id,
		       COALESCE(ai_suggested_lecture_title_snap, ''), ai_confidence,
		       COALESCE(ai_reason, ''), COALESCE(ai_model_name, ''), ai_classified_at
		FROM questions WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Question
	for rows.Next() {
		var q models.Question
		var choicesJSON *string
		if err := rows.Scan(&q.ID, &q.ExamID, &q.ExamTitle, &q.QuestionNumber, &q.Content, &choicesJSON, &q.LectureID,
			&q.IsClassified, &q.ClassificationStatus, &q.AISuggestedLectureID,
			&q.AISuggestedLectureTitleSnap, &q.AIConfidence, &q.AIReason, &q.AIModelName, &q.AIClassifiedAt); err != nil {
			return nil, err
		}
		q.Choices = decodeStringSlice(choicesJSON)
		out = append(out, q)
	}
	return out, rows.Err()
}
