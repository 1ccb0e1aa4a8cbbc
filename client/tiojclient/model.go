package tiojclient

import (
	"time"

	"github.com/ntuicpc/tioj-judge/types"
)

type fetchRequest struct {
	Key string `json:"key"`
}

type submission struct {
	SubmissionID int64      `json:"submission_id"`
	ProblemID    int64      `json:"problem_id"`
	Compiler     string     `json:"compiler"`
	Code         string     `json:"code"`
	TimeLimit    int64      `json:"time_limit"`   // ms
	MemoryLimit  uint64     `json:"memory_limit"` // KiB
	Testdata     []testdata `json:"testdata"`
}

type testdata struct {
	ID          int64  `json:"id"`
	UpdatedAt   int64  `json:"updated_at"`   // unix seconds
	TimeLimit   int64  `json:"time_limit"`   // ms, 0 inherits
	MemoryLimit uint64 `json:"memory_limit"` // KiB, 0 inherits
}

type verdictRequest struct {
	Key            string       `json:"key"`
	SubmissionID   int64        `json:"submission_id"`
	Verdict        types.Status `json:"verdict"`
	CompileMessage string       `json:"compile_message"`
	Results        []caseResult `json:"results"`
}

type caseResult struct {
	Position int          `json:"position"`
	Verdict  types.Status `json:"verdict"`
	Time     int64        `json:"time"` // ms
	RSS      uint64       `json:"rss"`  // KiB
}

func (s *submission) toSubmission() *types.Submission {
	sub := &types.Submission{
		ID:          s.SubmissionID,
		ProblemID:   s.ProblemID,
		Language:    s.Compiler,
		Code:        s.Code,
		TimeLimit:   time.Duration(s.TimeLimit) * time.Millisecond,
		MemoryLimit: types.Size(s.MemoryLimit) << 10,
		TestCases:   make([]types.TestCase, 0, len(s.Testdata)),
	}
	for i, td := range s.Testdata {
		tc := types.TestCase{
			Index:       i,
			TestdataID:  td.ID,
			TimeLimit:   time.Duration(td.TimeLimit) * time.Millisecond,
			MemoryLimit: types.Size(td.MemoryLimit) << 10,
		}
		if td.UpdatedAt > 0 {
			tc.TestdataUpdatedAt = time.Unix(td.UpdatedAt, 0)
		}
		sub.TestCases = append(sub.TestCases, tc)
	}
	return sub
}

func newVerdictRequest(key string, v *types.Verdict) *verdictRequest {
	r := &verdictRequest{
		Key:            key,
		SubmissionID:   v.SubmissionID,
		Verdict:        v.Status,
		CompileMessage: v.CompileMessage,
		Results:        make([]caseResult, 0, len(v.Cases)),
	}
	for _, c := range v.Cases {
		r.Results = append(r.Results, caseResult{
			Position: c.Index,
			Verdict:  c.Status,
			Time:     c.Time.Milliseconds(),
			RSS:      uint64(c.Memory) >> 10,
		})
	}
	return r
}
