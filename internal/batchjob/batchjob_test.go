package batchjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kimseunghyun/examcls/internal/config"
	"github.com/kimseunghyun/examcls/internal/engine"
	"github.com/kimseunghyun/examcls/pkg/models"
)

type fakeClassifier struct {
	mu      sync.Mutex
	byQID   map[int64]engine.Result
	errByID map[int64]error
}

func (f *fakeClassifier) Classify(ctx context.Context, q models.Question, scopeLectureIDs []int64, cfg config.Specification) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errByID[q.ID]; ok {
		return engine.Result{}, err
	}
	return f.byQID[q.ID], nil
}

type fakeStore struct {
	mu        sync.Mutex
	questions map[int64]models.Question
	lectures  map[int64]models.Lecture
	jobs      map[int64]*models.ClassificationJob
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		questions: map[int64]models.Question{},
		lectures:  map[int64]models.Lecture{},
		jobs:      map[int64]*models.ClassificationJob{},
	}
}

func (s *fakeStore) QuestionsByIDs(ctx context.Context, ids []int64) ([]models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := s.questions[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *fakeStore) ResolveLectureIDs(ctx context.Context, blockID, folderID *int64, includeDescendants bool) ([]int64, error) {
	return nil, nil
}

func (s *fakeStore) LectureSummaries(ctx context.Context, lectureIDs []int64) (map[int64]models.Lecture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]models.Lecture)
	for _, id := range lectureIDs {
		if l, ok := s.lectures[id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

func (s *fakeStore) CreateJob(ctx context.Context, total int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.jobs[id] = &models.ClassificationJob{ID: id, State: models.JobPending, Total: total}
	return id, nil
}

func (s *fakeStore) UpdateJobProgress(ctx context.Context, id int64, processed, success, failed int, state models.JobState, result *models.ResultPayload, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	j.Processed = processed
	j.Success = success
	j.Failed = failed
	j.State = state
	j.ErrorMessage = errMsg
	if result != nil {
		j.Result = *result
	}
	return nil
}

func (s *fakeStore) GetJob(ctx context.Context, id int64) (*models.ClassificationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func lecID(v int64) *int64 { return &v }

func TestRunner_ProcessesAllQuestionsAndCompletesJob(t *testing.T) {
	store := newFakeStore()
	store.questions[1] = models.Question{ID: 1, QuestionNumber: 1}
	store.questions[2] = models.Question{ID: 2, QuestionNumber: 2}
	store.lectures[10] = models.Lecture{ID: 10, Title: "Cardiac Physiology", BlockName: "Block 1"}

	classifier := &fakeClassifier{byQID: map[int64]engine.Result{
		1: {Decision: models.ClassificationDecision{LectureID: lecID(10), Confidence: 0.9}},
		2: {Decision: models.ClassificationDecision{NoMatch: true}},
	}}

	runner := NewRunner(classifier, store, zerolog.Nop(), 1)
	jobID, err := runner.StartClassificationJob(context.Background(), []int64{1, 2}, models.RequestMeta{}, config.Specification{})
	if err != nil {
		t.Fatalf("StartClassificationJob: %v", err)
	}

	final, err := WaitForTerminal(context.Background(), store, jobID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if final.State != models.JobCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}
	if final.Processed != 2 || final.Success != 2 || final.Failed != 0 {
		t.Fatalf("expected 2/2/0, got %d/%d/%d", final.Processed, final.Success, final.Failed)
	}
	if len(final.Result.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(final.Result.Results))
	}
	first := final.Result.Results[0]
	if first.LectureTitle != "Cardiac Physiology" || !first.WouldChange {
		t.Fatalf("expected hydrated lecture title and would_change, got %+v", first)
	}
}

func TestRunner_PerQuestionFailureIsRecordedNotFatal(t *testing.T) {
	store := newFakeStore()
	store.questions[1] = models.Question{ID: 1}
	store.questions[2] = models.Question{ID: 2}

	classifier := &fakeClassifier{
		byQID:   map[int64]engine.Result{2: {Decision: models.ClassificationDecision{NoMatch: true}}},
		errByID: map[int64]error{1: errors.New("retrieve: boom")},
	}

	runner := NewRunner(classifier, store, zerolog.Nop(), 2)
	jobID, err := runner.StartClassificationJob(context.Background(), []int64{1, 2}, models.RequestMeta{}, config.Specification{})
	if err != nil {
		t.Fatalf("StartClassificationJob: %v", err)
	}

	final, err := WaitForTerminal(context.Background(), store, jobID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if final.State != models.JobCompleted {
		t.Fatalf("expected completed (job-level success despite one failed question), got %s", final.State)
	}
	if final.Success != 1 || final.Failed != 1 {
		t.Fatalf("expected 1 success/1 failed, got %d/%d", final.Success, final.Failed)
	}
}

func TestRunner_MissingQuestionRecordsErrorResult(t *testing.T) {
	store := newFakeStore()
	store.questions[1] = models.Question{ID: 1}
	classifier := &fakeClassifier{byQID: map[int64]engine.Result{1: {Decision: models.ClassificationDecision{NoMatch: true}}}}

	runner := NewRunner(classifier, store, zerolog.Nop(), 1)
	jobID, err := runner.StartClassificationJob(context.Background(), []int64{1, 999}, models.RequestMeta{}, config.Specification{})
	if err != nil {
		t.Fatalf("StartClassificationJob: %v", err)
	}

	final, err := WaitForTerminal(context.Background(), store, jobID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if final.Failed != 1 || final.Success != 1 {
		t.Fatalf("expected 1 success/1 failed, got %d/%d", final.Success, final.Failed)
	}
}

func TestRunner_RunsJobsOnDifferentWorkerSlotsConcurrently(t *testing.T) {
	store := newFakeStore()
	store.questions[1] = models.Question{ID: 1}
	store.questions[2] = models.Question{ID: 2}
	classifier := &fakeClassifier{byQID: map[int64]engine.Result{
		1: {Decision: models.ClassificationDecision{NoMatch: true}},
		2: {Decision: models.ClassificationDecision{NoMatch: true}},
	}}

	runner := NewRunner(classifier, store, zerolog.Nop(), 2)
	jobA, err := runner.StartClassificationJob(context.Background(), []int64{1}, models.RequestMeta{}, config.Specification{})
	if err != nil {
		t.Fatalf("StartClassificationJob: %v", err)
	}
	jobB, err := runner.StartClassificationJob(context.Background(), []int64{2}, models.RequestMeta{}, config.Specification{})
	if err != nil {
		t.Fatalf("StartClassificationJob: %v", err)
	}

	for _, id := range []int64{jobA, jobB} {
		if _, err := WaitForTerminal(context.Background(), store, id, 5*time.Millisecond); err != nil {
			t.Fatalf("WaitForTerminal(%d): %v", id, err)
		}
	}
}
