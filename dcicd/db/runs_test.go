package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/dcicd/dcicd/models"
	"tangled.sh/dcicd/notifier"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRunLifecycle(t *testing.T) {
	d := newTestDB(t)
	n := notifier.New()
	sub := n.Subscribe()

	repo := models.Repo{Name: "acme/widgets", URL: "https://example.com/acme/widgets.git"}
	require.NoError(t, d.CreateRun("r1", repo, "test", n))
	assert.Len(t, sub, 1)

	r, err := d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunPending, r.Status)
	assert.Equal(t, "acme/widgets", r.Repo)
	assert.Equal(t, repo.URL, r.URL)
	assert.Equal(t, "test", r.Pipeline)
	assert.True(t, r.Finished.IsZero())

	require.NoError(t, d.MarkRunRunning("r1", n))
	r, err = d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, r.Status)

	require.NoError(t, d.MarkRunFinished("r1", RunFailed, 2, "exit code 2", "pipeline failed! use /logs to view logs.", n))
	r, err = d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, 2, r.ExitCode)
	assert.Equal(t, "exit code 2", r.Error)
	assert.False(t, r.Finished.IsZero())
	assert.True(t, r.Status.IsFinished())
}

func TestMarkRunFinishedRejectsNonFinal(t *testing.T) {
	d := newTestDB(t)
	require.NoError(t, d.CreateRun("r1", models.Repo{Name: "a", URL: "https://x/a.git"}, "p", nil))
	assert.Error(t, d.MarkRunFinished("r1", RunRunning, 0, "", "", nil))
}

func TestUnknownRun(t *testing.T) {
	d := newTestDB(t)

	_, err := d.GetRun("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, d.MarkRunRunning("nope", nil), ErrRunNotFound)
	assert.ErrorIs(t, d.MarkRunFinished("nope", RunSuccess, 0, "", "", nil), ErrRunNotFound)
}

func TestGetRunsCursor(t *testing.T) {
	d := newTestDB(t)
	repo := models.Repo{Name: "a", URL: "https://x/a.git"}
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, d.CreateRun(id, repo, "p", nil))
	}

	runs, err := d.GetRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "r1", runs[0].Id)
	assert.Equal(t, "r3", runs[2].Id)

	rest, err := d.GetRuns(runs[0].Cursor)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "r2", rest[0].Id)

	require.NoError(t, d.MarkRunRunning("r1", nil))
	updated, err := d.GetRunsUpdatedSince(runs[2].Updated.UnixNano())
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "r1", updated[0].Id)
}
