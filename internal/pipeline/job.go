package pipeline

import (
	"github.com/radarwatch/radar-publisher/internal/product"
)

// Processing stages, used to classify failures.
const (
	StageFetch   = "fetch"
	StageDecode  = "decode"
	StageRender  = "render"
	StagePublish = "publish"
)

// Job is one source file to turn into artifacts.
type Job struct {
	ID     string // correlation id
	Source product.SourceID
}

// JobResult is returned by workers to the orchestrator.
type JobResult struct {
	Job       Job
	Artifacts []string // published artifact names, empty on failure
	Stage     string   // failing stage when Err is set
	Err       error
}

// Failed reports whether the job produced no complete artifact set.
func (r JobResult) Failed() bool { return r.Err != nil }
