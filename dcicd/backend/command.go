package backend

import (
	"sync"

	"github.com/google/uuid"
	"tangled.sh/dcicd/dcicd/models"
)

// Command is one of Clone, RunPipeline or GetLogs.
type Command interface {
	command()
}

// Clone replaces the working directory with a fresh checkout of Repo.
// Done, if set, is called with the outcome.
type Clone struct {
	Repo models.Repo
	Done func(error)
}

// RunPipeline runs the named pipeline of the loaded repository in the
// background. Its job completes exactly once unless the command is
// rejected with ErrNotReady.
type RunPipeline struct {
	Name string
	Job  *Job
}

// GetLogs sends the log buffer to Reply, or to the outbound channel
// when Reply is nil. Reply must not block.
type GetLogs struct {
	Reply chan<- string
}

func (Clone) command()       {}
func (RunPipeline) command() {}
func (GetLogs) command()     {}

// NewRunPipeline creates a run command with a fresh job. onComplete
// may be nil.
func NewRunPipeline(name string, onComplete func(string)) RunPipeline {
	return RunPipeline{
		Name: name,
		Job:  NewJob(onComplete),
	}
}

// Job is the completion handle of a RunPipeline command.
type Job struct {
	ID string

	onComplete func(string)
	once       sync.Once
	done       chan struct{}

	// set before done is closed
	message  string
	err      error
	rejected bool
}

func NewJob(onComplete func(string)) *Job {
	return &Job{
		ID:         uuid.NewString(),
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
}

// Done is closed once the job has completed or was rejected.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Message is the completion message. Only valid after Done is closed.
func (j *Job) Message() string {
	return j.message
}

// Err is the reason the job failed, if any. Only valid after Done is
// closed.
func (j *Job) Err() error {
	return j.err
}

// Rejected reports whether the command was refused before it started,
// in which case the completion callback was not called.
func (j *Job) Rejected() bool {
	return j.rejected
}

func (j *Job) complete(message string, err error) {
	j.once.Do(func() {
		j.message = message
		j.err = err
		if j.onComplete != nil {
			j.onComplete(message)
		}
		close(j.done)
	})
}

func (j *Job) reject(err error) {
	j.once.Do(func() {
		j.message = err.Error()
		j.err = err
		j.rejected = true
		close(j.done)
	})
}
