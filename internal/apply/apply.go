// Package apply is C13: given a completed job's results, it writes each
// question's advisory fields unconditionally and, when apply_mode allows
// it, commits the suggested lecture and replaces the question's evidence
// rows — all in one transaction per call.
package apply

import (
	"context"
	"fmt"
	"time"

	"github.com/kimseunghyun/examcls/internal/store"
	"github.com/kimseunghyun/examcls/pkg/models"
)

// Mode selects which of a job's decisions get committed when applying
// results.
type Mode string

const (
	ModeAll              Mode = "all"
	ModeOnlyUnclassified Mode = "only_unclassified"
	ModeOnlyChanges      Mode = "only_changes"
)

// ChunkFetcher backs the evidence page-number back-fill for evidence rows
// the judge synthesized without page info.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, chunkID int64) (*models.LectureChunk, error)
}

// Store is the persistence seam Apply needs.
type Store interface {
	GetJob(ctx context.Context, jobID int64) (*models.ClassificationJob, error)
	GetQuestion(ctx context.Context, id int64) (*models.Question, error)
	LectureSummaries(ctx context.Context, lectureIDs []int64) (map[int64]models.Lecture, error)
	ApplyQuestionResults(ctx context.Context, jobID int64, updates []store.ApplyUpdate) error
	ChunkFetcher
}

// Summary reports what ApplyClassificationResults did, for a caller to
// surface back to whoever triggered the apply call.
type Summary struct {
	Requested int
	Skipped   int
	Applied   int
}

const maxSnippetLen = 500

// ApplyClassificationResults loads jobID's persisted results, and for each
// of questionIDs writes the advisory fields unconditionally and commits the
// suggestion when mode's predicate allows it, all inside one transaction.
func ApplyClassificationResults(ctx context.Context, st Store, questionIDs []int64, jobID int64, mode Mode, now time.Time) (Summary, error) {
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return Summary{}, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return Summary{}, fmt.Errorf("job %d not found", jobID)
	}

	byQID := make(map[int64]models.QuestionResult, len(job.Result.Results))
	for _, r := range job.Result.Results {
		byQID[r.QuestionID] = r
	}

	lectureIDSet := make(map[int64]struct{})
	for _, qid := range questionIDs {
		if r, ok := byQID[qid]; ok && r.Decision.LectureID != nil {
			lectureIDSet[*r.Decision.LectureID] = struct{}{}
		}
	}
	lectureIDs := make([]int64, 0, len(lectureIDSet))
	for id := range lectureIDSet {
		lectureIDs = append(lectureIDs, id)
	}
	lectures, err := st.LectureSummaries(ctx, lectureIDs)
	if err != nil {
		return Summary{}, fmt.Errorf("load lecture summaries: %w", err)
	}

	summary := Summary{Requested: len(questionIDs)}
	var updates []store.ApplyUpdate

	for _, qid := range questionIDs {
		qr, ok := byQID[qid]
		if !ok {
			summary.Skipped++
			continue
		}
		q, err := st.GetQuestion(ctx, qid)
		if err != nil {
			return Summary{}, fmt.Errorf("load question %d: %w", qid, err)
		}
		if q == nil {
			summary.Skipped++
			continue
		}

		titleSnap := ""
		if qr.Decision.LectureID != nil {
			if l, ok := lectures[*qr.Decision.LectureID]; ok {
				titleSnap = l.BlockName + " > " + l.Title
			}
		}

		update := store.ApplyUpdate{
			QuestionID:        qid,
			Decision:          qr.Decision,
			ClassifiedAt:      now,
			AdvisoryTitleSnap: titleSnap,
			SetAdvisoryStatus: !q.IsClassified,
		}

		if decideCommit(mode, q, qr.Decision) {
			update.Commit = true
			update.CommitLectureID = qr.Decision.LectureID
			update.EvidenceRows = evidenceRows(ctx, st, qid, *qr.Decision.LectureID, qr.Decision.Evidence)
			summary.Applied++
		}
		updates = append(updates, update)
	}

	if len(updates) == 0 {
		return summary, nil
	}
	if err := st.ApplyQuestionResults(ctx, jobID, updates); err != nil {
		return Summary{}, fmt.Errorf("apply question results: %w", err)
	}
	return summary, nil
}

// decideCommit implements apply_mode's three predicates. A nil or
// no_match decision never commits regardless of mode.
func decideCommit(mode Mode, q *models.Question, decision models.ClassificationDecision) bool {
	if decision.LectureID == nil || decision.NoMatch {
		return false
	}
	switch mode {
	case ModeOnlyUnclassified:
		return !q.IsClassified
	case ModeOnlyChanges:
		if q.LectureID == nil {
			return true
		}
		return *q.LectureID != *decision.LectureID
	default: // ModeAll
		return true
	}
}

// evidenceRows converts a decision's evidence into persisted match rows,
// back-filling page numbers from the source chunk when the judge (or an
// auto-confirm synthesis) produced evidence without them, and truncating
// snippets to the persisted row's length limit.
func evidenceRows(ctx context.Context, fetcher ChunkFetcher, questionID, lectureID int64, evidence []models.Evidence) []models.QuestionChunkMatch {
	rows := make([]models.QuestionChunkMatch, 0, len(evidence))
	for _, e := range evidence {
		pageStart, pageEnd := e.PageStart, e.PageEnd
		if pageStart == 0 && pageEnd == 0 {
			if chunk, err := fetcher.FetchChunk(ctx, e.ChunkID); err == nil && chunk != nil {
				pageStart, pageEnd = chunk.PageStart, chunk.PageEnd
			}
		}
		snippet := e.Snippet
		if r := []rune(snippet); len(r) > maxSnippetLen {
			snippet = string(r[:maxSnippetLen])
		}
		rows = append(rows, models.QuestionChunkMatch{
			QuestionID: questionID,
			LectureID:  lectureID,
			ChunkID:    e.ChunkID,
			PageStart:  pageStart,
			PageEnd:    pageEnd,
			Snippet:    snippet,
			Score:      e.Score,
			Source:     models.MatchSourceAI,
		})
	}
	return rows
}
