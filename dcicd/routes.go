package dcicd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"tangled.sh/dcicd/dcicd/backend"
	"tangled.sh/dcicd/dcicd/db"
	"tangled.sh/dcicd/dcicd/models"
	"tangled.sh/dcicd/dcicd/pipelines"
	"tangled.sh/dcicd/dcicd/registry"
)

const logsTimeout = 10 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// pathParam returns an unescaped url parameter; repository names
// contain slashes and are sent path-escaped.
func pathParam(r *http.Request, key string) (string, error) {
	return url.PathUnescape(chi.URLParam(r, key))
}

func (s *Server) RegisterRepo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	repo, err := models.ParseRepo(body.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.reg.Register(r.Context(), repo)
	switch {
	case errors.Is(err, registry.ErrRepoAlreadyRegistered):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.l.Error("failed to register repo", "repo", repo.Name, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.l.Info("registered repo", "repo", repo.Name, "url", repo.URL)
	writeJSON(w, http.StatusCreated, map[string]any{
		"repo":    repo,
		"message": fmt.Sprintf("git repo %q registered successfully", repo.URL),
	})
}

func (s *Server) ListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.reg.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	names := make([]string, 0, len(repos))
	for _, repo := range repos {
		names = append(names, repo.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": names})
}

// LoadRepo clones a registered repository into the working directory.
// Loading the repository that is already loaded clones it again.
func (s *Server) LoadRepo(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "name")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	repo, err := s.reg.Get(r.Context(), name)
	switch {
	case errors.Is(err, registry.ErrRepoNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if st := s.b.State(); st.Kind == models.RunningPipeline {
		writeError(w, http.StatusConflict, fmt.Errorf("%w: pipeline %q is running on %s", backend.ErrNotReady, st.Pipeline, st.Repo))
		return
	}

	l := s.l.With("repo", repo.Name)
	err = s.b.Submit(backend.Clone{
		Repo: repo,
		Done: func(err error) {
			if err != nil {
				l.Warn("load failed", "error", err)
			}
		},
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"repo":    repo,
		"message": fmt.Sprintf("loading %s. use /state to follow along.", repo.Name),
	})
}

func (s *Server) ListPipelines(w http.ResponseWriter, r *http.Request) {
	if st := s.b.State(); st.Kind == models.NotConfigured {
		writeError(w, http.StatusConflict, fmt.Errorf("%w: no repository loaded", backend.ErrNotReady))
		return
	}

	names, err := s.pipelines.Names()
	switch {
	case errors.Is(err, pipelines.ErrConfigMissing):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, pipelines.ErrConfigInvalid):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"pipelines": names})
}

func (s *Server) RunPipeline(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "name")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if st := s.b.State(); st.Kind != models.Available {
		msg := "no repository loaded"
		if st.Kind == models.RunningPipeline {
			msg = fmt.Sprintf("pipeline %q is already running on %s", st.Pipeline, st.Repo)
		}
		writeError(w, http.StatusConflict, fmt.Errorf("%w: %s", backend.ErrNotReady, msg))
		return
	}

	var cmd backend.RunPipeline
	cmd = backend.NewRunPipeline(name, func(message string) {
		s.msgs.add(cmd.Job.ID, message)
	})
	if err := s.b.Submit(cmd); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	w.Header().Set(jobHeader, cmd.Job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job":     cmd.Job.ID,
		"message": fmt.Sprintf("started pipeline %s. use /logs to get logs.", name),
	})
}

func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	reply := make(chan string, 1)
	if err := s.b.Submit(backend.GetLogs{Reply: reply}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	select {
	case logs := <-reply:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(logs))
	case <-time.After(logsTimeout):
		writeError(w, http.StatusGatewayTimeout, errors.New("error retrieving logs"))
	case <-r.Context().Done():
	}
}

func (s *Server) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.State())
}

func (s *Server) Messages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.msgs.recent()})
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, db.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}
