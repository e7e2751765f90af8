package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tangled.sh/dcicd/dcicd/models"
	"tangled.sh/dcicd/notifier"
)

type RunStatus string

var (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunFailed  RunStatus = "failed"
	RunTimeout RunStatus = "timeout"
	RunSuccess RunStatus = "success"
)

func (s RunStatus) IsFinished() bool {
	return s == RunFailed || s == RunTimeout || s == RunSuccess
}

var ErrRunNotFound = errors.New("run not found")

// Run is one accepted RunPipeline request.
type Run struct {
	Id       string    `json:"id"`
	Repo     string    `json:"repo"`
	URL      string    `json:"url"`
	Pipeline string    `json:"pipeline"`
	Status   RunStatus `json:"status"`

	// only once finished
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`

	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	Finished time.Time `json:"finished,omitzero"`

	// cursor for streaming, unix nanos of Created
	Cursor int64 `json:"cursor"`
}

func (d *DB) CreateRun(id string, repo models.Repo, pipeline string, n *notifier.Notifier) error {
	now := time.Now().UnixNano()
	_, err := d.Exec(`
		insert into runs (id, repo, url, pipeline, status, created, updated)
		values (?, ?, ?, ?, ?, ?, ?)
	`, id, repo.Name, repo.URL, pipeline, RunPending, now, now)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (d *DB) MarkRunRunning(id string, n *notifier.Notifier) error {
	return d.setStatus(id, RunRunning, n)
}

func (d *DB) MarkRunFinished(id string, status RunStatus, exitCode int, errMsg, message string, n *notifier.Notifier) error {
	if !status.IsFinished() {
		return fmt.Errorf("%s is not a final status", status)
	}

	now := time.Now().UnixNano()
	res, err := d.Exec(`
		update runs
		set status = ?,
		    exit_code = ?,
		    error = ?,
		    message = ?,
		    updated = ?,
		    finished = ?
		where id = ?
	`, status, exitCode, errMsg, message, now, now, id)
	if err != nil {
		return err
	}
	if err := checkAffected(res, id); err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (d *DB) setStatus(id string, status RunStatus, n *notifier.Notifier) error {
	res, err := d.Exec(`
		update runs
		set status = ?, updated = ?
		where id = ?
	`, status, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	if err := checkAffected(res, id); err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func checkAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, repo, url, pipeline, status, exit_code, error, message, created, updated, finished`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		r                          Run
		created, updated, finished int64
	)
	err := row.Scan(&r.Id, &r.Repo, &r.URL, &r.Pipeline, &r.Status, &r.ExitCode, &r.Error, &r.Message, &created, &updated, &finished)
	if err != nil {
		return r, err
	}

	r.Cursor = created
	r.Created = time.Unix(0, created)
	r.Updated = time.Unix(0, updated)
	if finished != 0 {
		r.Finished = time.Unix(0, finished)
	}
	return r, nil
}

func (d *DB) GetRun(id string) (Run, error) {
	r, err := scanRun(d.QueryRow(`select `+runColumns+` from runs where id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// GetRuns returns runs created after cursor, oldest first, at most 100.
func (d *DB) GetRuns(cursor int64) ([]Run, error) {
	rows, err := d.Query(`
		select `+runColumns+`
		from runs
		where created > ?
		order by created asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunsUpdatedSince returns runs whose status changed after the given
// unix nanos, oldest change first.
func (d *DB) GetRunsUpdatedSince(since int64) ([]Run, error) {
	rows, err := d.Query(`
		select `+runColumns+`
		from runs
		where updated > ?
		order by updated asc
		limit 100
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
