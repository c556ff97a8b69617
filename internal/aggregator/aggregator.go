// Package aggregator is C8: it rolls a flat list of chunk hits up into
// per-lecture candidates, picking the strongest evidence chunks for each
// and hydrating lecture/block display metadata.
package aggregator

import (
	"context"
	"sort"

	"github.com/kimseunghyun/examcls/pkg/models"
)

// LectureCatalog resolves lecture/block metadata for the lectures a
// chunk list touches.
type LectureCatalog interface {
	LectureSummaries(ctx context.Context, lectureIDs []int64) (map[int64]models.Lecture, error)
}

type perLecture struct {
	score    float64
	evidence []models.Evidence
}

// Aggregate implements aggregate_candidates: per-lecture score is the sum
// of each member chunk's negated bm25_score (higher is better), evidence
// keeps the top evidencePerLecture chunks by that same per-chunk score,
// and the result is truncated to topKLectures, ties broken by the lower
// lecture id.
func Aggregate(ctx context.Context, chunks []models.ChunkHit, catalog LectureCatalog, topKLectures, evidencePerLecture int) ([]models.Candidate, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	byLecture := make(map[int64]*perLecture)
	var lectureOrder []int64
	for _, c := range chunks {
		if c.LectureID == 0 {
			continue
		}
		score := -c.BM25Score
		entry, ok := byLecture[c.LectureID]
		if !ok {
			entry = &perLecture{}
			byLecture[c.LectureID] = entry
			lectureOrder = append(lectureOrder, c.LectureID)
		}
		entry.score += score
		entry.evidence = append(entry.evidence, models.Evidence{
			ChunkID:   c.ChunkID,
			PageStart: c.PageStart,
			PageEnd:   c.PageEnd,
			Snippet:   c.Snippet,
			Score:     score,
		})
	}

	summaries, err := catalog.LectureSummaries(ctx, lectureOrder)
	if err != nil {
		return nil, err
	}

	candidates := make([]models.Candidate, 0, len(byLecture))
	for lectureID, entry := range byLecture {
		lecture, ok := summaries[lectureID]
		if !ok {
			continue
		}
		evidence := append([]models.Evidence(nil), entry.evidence...)
		sort.SliceStable(evidence, func(i, j int) bool { return evidence[i].Score > evidence[j].Score })
		if evidencePerLecture < len(evidence) {
			evidence = evidence[:evidencePerLecture]
		}

		fullPath := lecture.Title
		if lecture.BlockName != "" {
			fullPath = lecture.BlockName + " > " + lecture.Title
		}

		candidates = append(candidates, models.Candidate{
			LectureID: lectureID,
			Title:     lecture.Title,
			BlockName: lecture.BlockName,
			FullPath:  fullPath,
			Keywords:  lecture.Keywords,
			Score:     entry.score,
			Evidence:  evidence,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].LectureID < candidates[j].LectureID
	})

	if topKLectures < len(candidates) {
		candidates = candidates[:topKLectures]
	}
	return candidates, nil
}
