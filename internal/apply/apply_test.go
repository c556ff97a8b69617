package apply

import (
	"context"
	"testing"
	"time"

	"github.com/kimseunghyun/examcls/internal/store"
	"github.com/kimseunghyun/examcls/pkg/models"
)

type fakeStore struct {
	job       *models.ClassificationJob
	questions map[int64]*models.Question
	lectures  map[int64]models.Lecture
	chunks    map[int64]*models.LectureChunk
	applied   []store.ApplyUpdate
}

func (f *fakeStore) GetJob(ctx context.Context, jobID int64) (*models.ClassificationJob, error) {
	return f.job, nil
}

func (f *fakeStore) GetQuestion(ctx context.Context, id int64) (*models.Question, error) {
	return f.questions[id], nil
}

func (f *fakeStore) LectureSummaries(ctx context.Context, lectureIDs []int64) (map[int64]models.Lecture, error) {
	out := make(map[int64]models.Lecture)
	for _, id := range lectureIDs {
		if l, ok := f.lectures[id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

func (f *fakeStore) ApplyQuestionResults(ctx context.Context, jobID int64, updates []store.ApplyUpdate) error {
	f.applied = updates
	return nil
}

func (f *fakeStore) FetchChunk(ctx context.Context, chunkID int64) (*models.LectureChunk, error) {
	return f.chunks[chunkID], nil
}

func lecID(v int64) *int64 { return &v }

func baseFakeStore() *fakeStore {
	return &fakeStore{
		questions: map[int64]*models.Question{},
		lectures:  map[int64]models.Lecture{10: {ID: 10, Title: "Cardiac Physiology", BlockName: "Block 1"}},
		chunks:    map[int64]*models.LectureChunk{},
	}
}

func TestApply_OnlyUnclassified_SkipsAlreadyClassifiedQuestion(t *testing.T) {
	st := baseFakeStore()
	st.job = &models.ClassificationJob{ID: 1, Result: models.ResultPayload{Results: []models.QuestionResult{
		{QuestionID: 1, Decision: models.ClassificationDecision{LectureID: lecID(10), Confidence: 0.9}},
	}}}
	st.questions[1] = &models.Question{ID: 1, IsClassified: true, LectureID: lecID(5)}

	summary, err := ApplyClassificationResults(context.Background(), st, []int64{1}, 1, ModeOnlyUnclassified, time.Now())
	if err != nil {
		t.Fatalf("ApplyClassificationResults: %v", err)
	}
	if summary.Applied != 0 {
		t.Fatalf("expected 0 applied, got %d", summary.Applied)
	}
	if len(st.applied) != 1 || st.applied[0].Commit {
		t.Fatalf("expected an advisory-only update, got %+v", st.applied)
	}
}

func TestApply_OnlyChanges_SkipsWhenSuggestionMatchesCurrent(t *testing.T) {
	st := baseFakeStore()
	st.job = &models.ClassificationJob{ID: 1, Result: models.ResultPayload{Results: []models.QuestionResult{
		{QuestionID: 1, Decision: models.ClassificationDecision{LectureID: lecID(10), Confidence: 0.9}},
	}}}
	st.questions[1] = &models.Question{ID: 1, IsClassified: true, LectureID: lecID(10)}

	summary, err := ApplyClassificationResults(context.Background(), st, []int64{1}, 1, ModeOnlyChanges, time.Now())
	if err != nil {
		t.Fatalf("ApplyClassificationResults: %v", err)
	}
	if summary.Applied != 0 {
		t.Fatalf("expected 0 applied, got %d", summary.Applied)
	}
}

func TestApply_All_CommitsNonNullDecisionAndBuildsEvidenceRows(t *testing.T) {
	st := baseFakeStore()
	st.job = &models.ClassificationJob{ID: 1, Result: models.ResultPayload{Results: []models.QuestionResult{
		{QuestionID: 1, Decision: models.ClassificationDecision{
			LectureID: lecID(10), Confidence: 0.9,
			Evidence: []models.Evidence{{ChunkID: 100, Snippet: "evidence text"}},
		}},
	}}}
	st.questions[1] = &models.Question{ID: 1, IsClassified: false}
	st.chunks[100] = &models.LectureChunk{ID: 100, PageStart: 4, PageEnd: 5}

	summary, err := ApplyClassificationResults(context.Background(), st, []int64{1}, 1, ModeAll, time.Now())
	if err != nil {
		t.Fatalf("ApplyClassificationResults: %v", err)
	}
	if summary.Applied != 1 {
		t.Fatalf("expected 1 applied, got %d", summary.Applied)
	}
	update := st.applied[0]
	if !update.Commit || update.CommitLectureID == nil || *update.CommitLectureID != 10 {
		t.Fatalf("expected commit to lecture 10, got %+v", update)
	}
	if len(update.EvidenceRows) != 1 || update.EvidenceRows[0].PageStart != 4 || update.EvidenceRows[0].PageEnd != 5 {
		t.Fatalf("expected evidence row back-filled with page 4-5, got %+v", update.EvidenceRows)
	}
	if update.AdvisoryTitleSnap != "Block 1 > Cardiac Physiology" {
		t.Fatalf("expected title snapshot, got %q", update.AdvisoryTitleSnap)
	}
}

func TestApply_All_NeverCommitsNoMatchDecision(t *testing.T) {
	st := baseFakeStore()
	st.job = &models.ClassificationJob{ID: 1, Result: models.ResultPayload{Results: []models.QuestionResult{
		{QuestionID: 1, Decision: models.ClassificationDecision{NoMatch: true, Confidence: 0.9}},
	}}}
	st.questions[1] = &models.Question{ID: 1}

	summary, err := ApplyClassificationResults(context.Background(), st, []int64{1}, 1, ModeAll, time.Now())
	if err != nil {
		t.Fatalf("ApplyClassificationResults: %v", err)
	}
	if summary.Applied != 0 {
		t.Fatalf("expected 0 applied for no_match decision, got %d", summary.Applied)
	}
}

func TestApply_SkipsQuestionMissingFromJobResults(t *testing.T) {
	st := baseFakeStore()
	st.job = &models.ClassificationJob{ID: 1, Result: models.ResultPayload{Results: nil}}
	st.questions[1] = &models.Question{ID: 1}

	summary, err := ApplyClassificationResults(context.Background(), st, []int64{1}, 1, ModeAll, time.Now())
	if err != nil {
		t.Fatalf("ApplyClassificationResults: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", summary.Skipped)
	}
}
