// Package batchjob is C12: a persisted, progress-tracked batch runner that
// classifies a set of questions asynchronously. It follows the
// pending -> processing -> {completed, failed} state machine, processing
// each job's questions in order on whichever of a bounded number of
// worker slots picks the job up.
package batchjob

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kimseunghyun/examcls/internal/config"
	"github.com/kimseunghyun/examcls/internal/engine"
	"github.com/kimseunghyun/examcls/pkg/models"
)

// Classifier is the C1-C11 pipeline entry point a job drives one question
// at a time, satisfied by *engine.Engine.
type Classifier interface {
	Classify(ctx context.Context, q models.Question, scopeLectureIDs []int64, cfg config.Specification) (engine.Result, error)
}

// Store is the persistence seam the runner needs beyond the classifier:
// job bookkeeping, question hydration, scope resolution, and lecture
// titles for result display.
type Store interface {
	QuestionsByIDs(ctx context.Context, ids []int64) ([]models.Question, error)
	ResolveLectureIDs(ctx context.Context, blockID, folderID *int64, includeDescendants bool) ([]int64, error)
	LectureSummaries(ctx context.Context, lectureIDs []int64) (map[int64]models.Lecture, error)
	CreateJob(ctx context.Context, total int) (int64, error)
	UpdateJobProgress(ctx context.Context, id int64, processed, success, failed int, state models.JobState, result *models.ResultPayload, errMsg string) error
	GetJob(ctx context.Context, id int64) (*models.ClassificationJob, error)
}

// job is one queued unit of work: a job row already created, waiting for
// a worker slot to run it.
type job struct {
	id          int64
	questionIDs []int64
	meta        models.RequestMeta
	cfg         config.Specification
}

// Runner owns a bounded worker pool: a fixed number of goroutines, each
// pulling one job at a time off a channel and running it start to finish
// before picking up the next.
type Runner struct {
	Classifier Classifier
	Store      Store
	Log        zerolog.Logger

	queue chan job
}

// NewRunner starts workers background goroutines reading from an internal
// job queue. workers defaults to 2 if <= 0.
func NewRunner(classifier Classifier, store Store, log zerolog.Logger, workers int) *Runner {
	if workers <= 0 {
		workers = 2
	}
	r := &Runner{
		Classifier: classifier,
		Store:      store,
		Log:        log,
		queue:      make(chan job, workers*4),
	}
	for i := 0; i < workers; i++ {
		go r.worker(i)
	}
	return r
}

// StartClassificationJob implements start_classification_job: it persists
// a pending job row and hands it off to the worker pool, returning the job
// id immediately without waiting for processing to begin.
func (r *Runner) StartClassificationJob(ctx context.Context, questionIDs []int64, meta models.RequestMeta, cfg config.Specification) (int64, error) {
	id, err := r.Store.CreateJob(ctx, len(questionIDs))
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}
	if err := r.Store.UpdateJobProgress(ctx, id, 0, 0, 0, models.JobPending,
		&models.ResultPayload{RequestMeta: meta, Results: nil}, ""); err != nil {
		return 0, fmt.Errorf("persist initial job payload: %w", err)
	}

	r.queue <- job{id: id, questionIDs: questionIDs, meta: meta, cfg: cfg}
	return id, nil
}

func (r *Runner) worker(workerID int) {
	for j := range r.queue {
		// Each job gets its own background context: the HTTP request that
		// started it may already have returned by the time a worker slot
		// frees up.
		ctx := context.Background()
		r.Log.Info().Int("worker", workerID).Int64("job_id", j.id).Msg("starting classification job")
		r.runJob(ctx, j)
	}
}

func (r *Runner) runJob(ctx context.Context, j job) {
	if err := r.Store.UpdateJobProgress(ctx, j.id, 0, 0, 0, models.JobProcessing, nil, ""); err != nil {
		r.Log.Error().Err(err).Int64("job_id", j.id).Msg("failed to mark job processing")
	}

	scopeIDs, err := r.resolveScope(ctx, j.meta)
	if err != nil {
		r.fail(ctx, j, 0, fmt.Sprintf("scope resolution failed: %v", err))
		return
	}

	questions, err := r.Store.QuestionsByIDs(ctx, j.questionIDs)
	if err != nil {
		r.fail(ctx, j, 0, fmt.Sprintf("failed to load questions: %v", err))
		return
	}
	byID := make(map[int64]models.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	results := make([]models.QuestionResult, 0, len(j.questionIDs))
	processed, success, failed := 0, 0, 0

	for _, qid := range j.questionIDs {
		q, ok := byID[qid]
		if !ok {
			results = append(results, models.QuestionResult{QuestionID: qid, Error: "question not found"})
			processed++
			failed++
			r.persistProgress(ctx, j.id, processed, success, failed, j.meta, results)
			continue
		}

		qr := r.classifyOne(ctx, q, scopeIDs, j.cfg)
		results = append(results, qr)
		processed++
		if qr.Error != "" {
			failed++
		} else {
			success++
		}
		r.persistProgress(ctx, j.id, processed, success, failed, j.meta, results)
	}

	payload := &models.ResultPayload{RequestMeta: j.meta, Results: results}
	if err := r.Store.UpdateJobProgress(ctx, j.id, processed, success, failed, models.JobCompleted, payload, ""); err != nil {
		r.Log.Error().Err(err).Int64("job_id", j.id).Msg("failed to persist completed job")
	}
	r.Log.Info().Int64("job_id", j.id).Int("total", len(j.questionIDs)).Int("success", success).Int("failed", failed).Msg("classification job completed")
}

func (r *Runner) resolveScope(ctx context.Context, meta models.RequestMeta) ([]int64, error) {
	if len(meta.LectureIDs) > 0 {
		return meta.LectureIDs, nil
	}
	if meta.BlockID == nil && meta.FolderID == nil {
		return nil, nil
	}
	return r.Store.ResolveLectureIDs(ctx, meta.BlockID, meta.FolderID, meta.IncludeDescendants)
}

// classifyOne runs one question through the classifier and, on success,
// hydrates its display metadata and would-change flag; on failure it
// records the error rather than letting the job abort.
func (r *Runner) classifyOne(ctx context.Context, q models.Question, scopeIDs []int64, cfg config.Specification) models.QuestionResult {
	qr := models.QuestionResult{
		QuestionID:       q.ID,
		QuestionNumber:   q.QuestionNumber,
		ExamTitle:        q.ExamTitle,
		CurrentLectureID: q.LectureID,
	}

	result, err := r.Classifier.Classify(ctx, q, scopeIDs, cfg)
	if err != nil {
		qr.Error = err.Error()
		return qr
	}

	qr.Decision = result.Decision
	qr.WouldChange = wouldChange(q.LectureID, result.Decision)

	if result.Decision.LectureID != nil {
		if lectures, err := r.Store.LectureSummaries(ctx, []int64{*result.Decision.LectureID}); err == nil {
			if l, ok := lectures[*result.Decision.LectureID]; ok {
				qr.LectureTitle = l.Title
				qr.BlockName = l.BlockName
			}
		}
	}
	return qr
}

func wouldChange(current *int64, decision models.ClassificationDecision) bool {
	if decision.LectureID == nil {
		return false
	}
	if current == nil {
		return true
	}
	return *current != *decision.LectureID
}

func (r *Runner) persistProgress(ctx context.Context, jobID int64, processed, success, failed int, meta models.RequestMeta, results []models.QuestionResult) {
	payload := &models.ResultPayload{RequestMeta: meta, Results: results}
	if err := r.Store.UpdateJobProgress(ctx, jobID, processed, success, failed, models.JobProcessing, payload, ""); err != nil {
		r.Log.Error().Err(err).Int64("job_id", jobID).Msg("failed to persist job progress")
	}
}

func (r *Runner) fail(ctx context.Context, j job, processed int, reason string) {
	r.Log.Error().Int64("job_id", j.id).Str("reason", reason).Msg("classification job failed")
	payload := &models.ResultPayload{RequestMeta: j.meta, Results: nil}
	if err := r.Store.UpdateJobProgress(ctx, j.id, processed, 0, 0, models.JobFailed, payload, reason); err != nil {
		r.Log.Error().Err(err).Int64("job_id", j.id).Msg("failed to persist job failure")
	}
}

// WaitForTerminal polls GetJob until the job reaches a terminal state or
// ctx is done, used by tests and by a CLI that wants to block for a
// result instead of polling itself.
func WaitForTerminal(ctx context.Context, store Store, jobID int64, pollEvery time.Duration) (*models.ClassificationJob, error) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		j, err := store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j != nil && j.IsComplete() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
