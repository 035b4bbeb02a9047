package model

import (
	"fmt"
	"sort"
	"time"
)

// JobStatus is the lifecycle state of a separation job
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Stem names produced by separation
const (
	StemVocals = "vocals"
	StemDrums  = "drums"
	StemBass   = "bass"
)

// DefaultStems lists the stems every completed job carries
var DefaultStems = []string{StemVocals, StemDrums, StemBass}

// Job represents one uploaded artifact and its processing state
type Job struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	FileName    string            `json:"fileName"`
	ContentType string            `json:"contentType,omitempty"`
	Size        int64             `json:"size,omitempty"`
	SourceKey   string            `json:"sourceKey,omitempty"`
	SourceURL   string            `json:"sourceUrl"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Status      JobStatus         `json:"status"`
	Progress    int               `json:"progress"`
	Stems       map[string]string `json:"stems,omitempty"`
	ScoreURL    string            `json:"scoreUrl,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// NewJob holds the fields supplied by the caller when a job record is created.
// ID and CreatedAt are assigned by the store.
type NewJob struct {
	Owner       string
	FileName    string
	ContentType string
	Size        int64
	SourceKey   string
	SourceURL   string
}

// Build returns the initial processing record for n.
func (n NewJob) Build(id string, now time.Time) *Job {
	return &Job{
		ID:          id,
		Owner:       n.Owner,
		FileName:    n.FileName,
		ContentType: n.ContentType,
		Size:        n.Size,
		SourceKey:   n.SourceKey,
		SourceURL:   n.SourceURL,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      JobStatusProcessing,
		Progress:    0,
	}
}

// IsTerminal reports whether the job reached a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone returns a deep copy so snapshots never share the stems map.
func (j *Job) Clone() *Job {
	c := *j
	if j.Stems != nil {
		c.Stems = make(map[string]string, len(j.Stems))
		for k, v := range j.Stems {
			c.Stems[k] = v
		}
	}
	return &c
}

// JobPatch is a partial update. Nil fields are left untouched.
type JobPatch struct {
	Status   *JobStatus        `json:"status,omitempty"`
	Progress *int              `json:"progress,omitempty"`
	Stems    map[string]string `json:"stems,omitempty"`
	ScoreURL *string           `json:"scoreUrl,omitempty"`
	Error    *string           `json:"error,omitempty"`
}

// ProgressPatch writes only the progress field.
func ProgressPatch(progress int) JobPatch {
	return JobPatch{Progress: &progress}
}

// CompletionPatch is the single terminal write carrying the result payload.
func CompletionPatch(result SeparationResult) JobPatch {
	status := JobStatusCompleted
	progress := 100
	score := result.ScoreURL
	return JobPatch{
		Status:   &status,
		Progress: &progress,
		Stems:    result.Stems,
		ScoreURL: &score,
	}
}

// FailurePatch moves a job to failed keeping its last progress.
func FailurePatch(reason string) JobPatch {
	status := JobStatusFailed
	return JobPatch{Status: &status, Error: &reason}
}

// CancelPatch moves a job to cancelled keeping its last progress.
func CancelPatch() JobPatch {
	status := JobStatusCancelled
	reason := "cancelled by user"
	return JobPatch{Status: &status, Error: &reason}
}

// Apply merges p into j. It either applies the whole patch or leaves j
// untouched and returns an error wrapping ErrAlreadyTerminal or ErrInvalidPatch.
func (j *Job) Apply(p JobPatch, now time.Time) error {
	if j.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, ErrAlreadyTerminal)
	}

	status := j.Status
	if p.Status != nil {
		status = *p.Status
	}
	switch status {
	case JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
	default:
		return fmt.Errorf("unknown status %q: %w", status, ErrInvalidPatch)
	}

	progress := j.Progress
	if p.Progress != nil {
		progress = *p.Progress
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range: %w", progress, ErrInvalidPatch)
	}
	if progress < j.Progress {
		return fmt.Errorf("progress may not go back from %d to %d: %w", j.Progress, progress, ErrInvalidPatch)
	}

	hasResult := len(p.Stems) > 0 || (p.ScoreURL != nil && *p.ScoreURL != "")
	switch status {
	case JobStatusCompleted:
		if p.Progress == nil {
			progress = 100
		}
		if progress != 100 {
			return fmt.Errorf("completed job must be at 100, got %d: %w", progress, ErrInvalidPatch)
		}
		if len(p.Stems) == 0 || p.ScoreURL == nil || *p.ScoreURL == "" {
			return fmt.Errorf("completed job requires stems and score: %w", ErrInvalidPatch)
		}
	default:
		if hasResult {
			return fmt.Errorf("result payload only allowed on completion: %w", ErrInvalidPatch)
		}
		if progress == 100 {
			return fmt.Errorf("progress 100 is reserved for completion: %w", ErrInvalidPatch)
		}
	}

	j.Status = status
	j.Progress = progress
	if status == JobStatusCompleted {
		j.Stems = make(map[string]string, len(p.Stems))
		for k, v := range p.Stems {
			j.Stems[k] = v
		}
		j.ScoreURL = *p.ScoreURL
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	j.UpdatedAt = now
	return nil
}

// SeparationResult is the payload written with the terminal transition
type SeparationResult struct {
	Stems    map[string]string `json:"stems"`
	ScoreURL string            `json:"scoreUrl"`
}

// Snapshot is the full, ordered job collection of one owner at a point in time
type Snapshot struct {
	Owner string    `json:"owner"`
	Jobs  []Job     `json:"jobs"`
	At    time.Time `json:"at"`
}

// NewSnapshot copies jobs and orders them newest first.
func NewSnapshot(owner string, jobs []Job, at time.Time) Snapshot {
	out := make([]Job, 0, len(jobs))
	for i := range jobs {
		out = append(out, *jobs[i].Clone())
	}
	SortJobs(out)
	return Snapshot{Owner: owner, Jobs: out, At: at}
}

// SortJobs orders jobs by creation time, newest first. Ties are broken by ID
// so every reader sees the same order.
func SortJobs(jobs []Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID > jobs[b].ID
	})
}
