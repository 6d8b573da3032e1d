package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TypeJobRun is the dispatch type used when a task category has no processor.
	TypeJobRun = "job:run"

	TypeJobClaim    = "job:claim"
	TypeJobComplete = "job:complete"
	TypeJobFail     = "job:fail"
)

var ErrInvalidPayload = errors.New("invalid payload")

// DispatchPayload is what an execution backend receives for one Job.
type DispatchPayload struct {
	TrackID   string          `json:"track_id"`
	JobID     int64           `json:"job_id"`
	TaskID    int64           `json:"task_id"`
	AccountID int64           `json:"account_id"`
	AgentID   int64           `json:"agent_id"`
	Category  int             `json:"category"`
	RunAt     time.Time       `json:"run_at"`
	Configure json.RawMessage `json:"configure,omitempty"`
}

// ReportPayload is what an execution backend sends back for claim, complete and fail.
type ReportPayload struct {
	TrackID string `json:"track_id"`
	Result  string `json:"result,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// NewDispatchTask builds the task for an assigned Job. The asynq task id is the track_id,
// so re-enqueueing the same dispatch is rejected by the broker.
func NewDispatchTask(typename string, p DispatchPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if strings.TrimSpace(typename) == "" {
		typename = TypeJobRun
	}
	if p.TrackID == "" {
		return nil, fmt.Errorf("%w: track_id is required", ErrInvalidPayload)
	}

	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.TaskID(p.TrackID)}, opts...)
	return asynq.NewTask(typename, b, opts...), nil
}

func ParseDispatch(t *asynq.Task) (DispatchPayload, error) {
	var p DispatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.TrackID == "" {
		return p, fmt.Errorf("%w: track_id is required", ErrInvalidPayload)
	}
	return p, nil
}

func NewClaimTask(trackID string) (*asynq.Task, error) {
	return newReportTask(TypeJobClaim, ReportPayload{TrackID: trackID})
}

func NewCompleteTask(trackID, result string) (*asynq.Task, error) {
	return newReportTask(TypeJobComplete, ReportPayload{TrackID: trackID, Result: result})
}

func NewFailTask(trackID, detail string) (*asynq.Task, error) {
	return newReportTask(TypeJobFail, ReportPayload{TrackID: trackID, Detail: detail})
}

func newReportTask(typename string, p ReportPayload) (*asynq.Task, error) {
	if p.TrackID == "" {
		return nil, fmt.Errorf("%w: track_id is required", ErrInvalidPayload)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, b), nil
}

func ParseReport(t *asynq.Task) (ReportPayload, error) {
	var p ReportPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.TrackID == "" {
		return p, fmt.Errorf("%w: track_id is required", ErrInvalidPayload)
	}
	return p, nil
}
