package models

import (
	"encoding/json"
	"fmt"
)

type StateKind int

const (
	// no repository loaded
	NotConfigured StateKind = iota
	// a repository is checked out and idle
	Available
	// a pipeline is executing
	RunningPipeline
)

func (k StateKind) String() string {
	switch k {
	case NotConfigured:
		return "not_configured"
	case Available:
		return "available"
	case RunningPipeline:
		return "running_pipeline"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// BackendState is a snapshot of the backend. Repo is set for Available
// and RunningPipeline, Pipeline only for RunningPipeline.
type BackendState struct {
	Kind     StateKind
	Repo     Repo
	Pipeline string
}

func NotConfiguredState() BackendState {
	return BackendState{Kind: NotConfigured}
}

func AvailableState(repo Repo) BackendState {
	return BackendState{Kind: Available, Repo: repo}
}

func RunningState(repo Repo, pipeline string) BackendState {
	return BackendState{Kind: RunningPipeline, Repo: repo, Pipeline: pipeline}
}

func (s BackendState) String() string {
	switch s.Kind {
	case Available:
		return fmt.Sprintf("available (%s)", s.Repo)
	case RunningPipeline:
		return fmt.Sprintf("running %s from %s", s.Pipeline, s.Repo)
	default:
		return "not configured"
	}
}

func (s BackendState) MarshalJSON() ([]byte, error) {
	out := struct {
		State    StateKind `json:"state"`
		Repo     *Repo     `json:"repo,omitempty"`
		Pipeline string    `json:"pipeline,omitempty"`
	}{State: s.Kind, Pipeline: s.Pipeline}
	if s.Kind != NotConfigured {
		out.Repo = &s.Repo
	}
	return json.Marshal(out)
}
