package models

import "time"

// LectureChunk is a contiguous passage of a lecture note. Owned by the
// ingestion collaborator; the engine only ever reads it.
type LectureChunk struct {
	ID        int64  `json:"id"`
	LectureID int64  `json:"lecture_id"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
	Content   string `json:"content"`
	CharLen   int    `json:"char_len"`
}

// ChunkLexicalEntry is one row of the C2 lexical index: a chunk's content
// plus the locators needed to turn a match back into Evidence.
type ChunkLexicalEntry struct {
	ChunkID   int64  `json:"chunk_id"`
	LectureID int64  `json:"lecture_id"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
	Content   string `json:"content"`
}

// ChunkEmbedding is one row of the C3 dense index.
type ChunkEmbedding struct {
	ChunkID   int64
	LectureID int64
	PageStart int
	PageEnd   int
	Content   string
	Vector    []float32
}

// Lecture is a catalog entry used to hydrate candidate display paths.
type Lecture struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Keywords  string `json:"keywords,omitempty"`
	BlockID   int64  `json:"block_id"`
	BlockName string `json:"block_name"`
}

// ChunkHit is one row returned by a retrieval backend (C2/C3/C4), ordered
// best-first by whichever score that stage produces.
type ChunkHit struct {
	ChunkID      int64   `json:"chunk_id"`
	LectureID    int64   `json:"lecture_id"`
	PageStart    int     `json:"page_start"`
	PageEnd      int     `json:"page_end"`
	Snippet      string  `json:"snippet"`
	ChunkLen     int     `json:"chunk_len,omitempty"`
	BM25Score    float64 `json:"bm25_score,omitempty"`
	EmbeddingScr float64 `json:"embedding_score,omitempty"`
	RRFScore     float64 `json:"rrf_score,omitempty"`
}

// QuestionQuery is the cached HyDE artifact for a (question_id,
// prompt_version) pair.
type QuestionQuery struct {
	QuestionID        int64     `json:"question_id"`
	PromptVersion     string    `json:"prompt_version"`
	Keywords          []string  `json:"keywords"`
	LectureStyleQuery string    `json:"lecture_style_query"`
	NegativeKeywords  []string  `json:"negative_keywords"`
	CreatedAt         time.Time `json:"created_at"`
}

// Evidence anchors a decision or a candidate to a specific lecture chunk.
type Evidence struct {
	ChunkID   int64   `json:"chunk_id"`
	PageStart int     `json:"page_start"`
	PageEnd   int     `json:"page_end"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score,omitempty"`
}

// Candidate is a lecture proposed by retrieval, bundled with its evidence.
type Candidate struct {
	LectureID int64      `json:"id"`
	Title     string     `json:"title"`
	BlockName string     `json:"block_name,omitempty"`
	FullPath  string     `json:"full_path"`
	Keywords  string     `json:"keywords,omitempty"`
	Score     float64    `json:"score"`
	Evidence  []Evidence `json:"evidence"`

	BM25Score      float64 `json:"bm25_score,omitempty"`
	EmbeddingScore float64 `json:"embedding_score,omitempty"`
	RRFScore       float64 `json:"rrf_score,omitempty"`

	// Populated by the context expander (C7) when expansion runs.
	ParentText       string   `json:"parent_text,omitempty"`
	ParentChunkIDs   []int64  `json:"parent_chunk_ids,omitempty"`
	ParentPageRanges [][2]int `json:"parent_page_ranges,omitempty"`
}

// ClassificationDecision is the engine's output for one question.
type ClassificationDecision struct {
	LectureID       *int64     `json:"lecture_id"`
	Confidence      float64    `json:"confidence"`
	Reason          string     `json:"reason"`
	StudyHint       string     `json:"study_hint"`
	Evidence        []Evidence `json:"evidence"`
	NoMatch         bool       `json:"no_match"`
	ModelName       string     `json:"model_name"`
	CandidateIDs    []int64    `json:"candidate_ids"`
	IsAutoConfirmed bool       `json:"is_autoconfirmed"`
}

// JobState is the lifecycle state of a ClassificationJob.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// RequestMeta captures the scope filter a batch job was started with.
type RequestMeta struct {
	BlockID            *int64  `json:"block_id,omitempty"`
	FolderID           *int64  `json:"folder_id,omitempty"`
	LectureIDs         []int64 `json:"lecture_ids,omitempty"`
	IncludeDescendants bool    `json:"include_descendants"`
}

// QuestionResult is one ClassificationDecision plus question metadata, as
// stored in a job's result payload and surfaced by the preview endpoint.
type QuestionResult struct {
	QuestionID       int64                  `json:"question_id"`
	QuestionNumber   int                    `json:"question_number"`
	ExamTitle        string                 `json:"exam_title,omitempty"`
	LectureTitle     string                 `json:"lecture_title,omitempty"`
	BlockName        string                 `json:"block_name,omitempty"`
	CurrentLectureID *int64                 `json:"current_lecture_id,omitempty"`
	Decision         ClassificationDecision `json:"decision"`
	WouldChange      bool                   `json:"would_change"`
	Error            string                 `json:"error,omitempty"`
}

// ResultPayload is the full payload persisted on a ClassificationJob.
type ResultPayload struct {
	RequestMeta RequestMeta      `json:"request_meta"`
	Results     []QuestionResult `json:"results"`
}

// ClassificationJob tracks one asynchronous batch classification run.
type ClassificationJob struct {
	ID           int64         `json:"id"`
	State        JobState      `json:"status"`
	Total        int           `json:"total_count"`
	Processed    int           `json:"processed_count"`
	Success      int           `json:"success_count"`
	Failed       int           `json:"failed_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Result       ResultPayload `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// ProgressPercent returns an integer 0-100 progress indicator.
func (j *ClassificationJob) ProgressPercent() int {
	if j.Total == 0 {
		return 0
	}
	return (j.Processed * 100) / j.Total
}

// IsComplete reports whether the job has reached a terminal state.
func (j *ClassificationJob) IsComplete() bool {
	return j.State == JobCompleted || j.State == JobFailed
}

// classification_status values. "manual" is the default every question
// starts in; the engine itself only ever writes ai_suggested/ai_confirmed,
// but ai_rejected is preserved as a status a caller may set after review.
const (
	StatusManual      = "manual"
	StatusAISuggested = "ai_suggested"
	StatusAIConfirmed = "ai_confirmed"
	StatusAIRejected  = "ai_rejected"
)

// Question is the minimal question shape the engine needs: enough to build
// question text and to report metadata alongside a decision.
type Question struct {
	ID                          int64
	ExamID                      int64
	ExamTitle                   string
	QuestionNumber              int
	Content                     string
	Choices                     []string
	LectureID                   *int64
	IsClassified                bool
	ClassificationStatus        string
	AISuggestedLectureID        *int64
	AISuggestedLectureTitleSnap string
	AIConfidence                *float64
	AIReason                    string
	AIModelName                 string
	AIClassifiedAt              *time.Time
}

// Match sources for a QuestionChunkMatch row.
const (
	MatchSourceAI     = "ai"
	MatchSourceManual = "manual"
)

// QuestionChunkMatch is a persisted Evidence row linking a question to a
// lecture chunk, written during Apply (C13).
type QuestionChunkMatch struct {
	ID         int64
	QuestionID int64
	LectureID  int64
	ChunkID    int64
	PageStart  int
	PageEnd    int
	Snippet    string
	Score      float64
	Source     string // MatchSourceAI | MatchSourceManual
	JobID      *int64
}

// ResultCacheEntry is one row of the C11 on-disk result cache, keyed by
// question_id:config_hash:model_name.
type ResultCacheEntry struct {
	QuestionID int64                  `json:"question_id"`
	ConfigHash string                 `json:"config_hash"`
	ModelName  string                 `json:"model_name"`
	Decision   ClassificationDecision `json:"decision"`
	CachedAt   time.Time              `json:"cached_at"`
}
