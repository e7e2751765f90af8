package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"tangled.sh/dcicd/dcicd/models"
)

type SqliteStore struct {
	db        *sql.DB
	tableName string
}

type SqliteStoreOpt func(*SqliteStore)

func WithTableName(name string) SqliteStoreOpt {
	return func(s *SqliteStore) {
		s.tableName = name
	}
}

func NewSQLiteStore(dbPath string, opts ...SqliteStoreOpt) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &SqliteStore{
		db:        db,
		tableName: "registered_repos",
	}

	for _, o := range opts {
		o(store)
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SqliteStore) init() error {
	createTable := fmt.Sprintf(`
	create table if not exists %s (
		name text primary key,
		url text not null,
		added_at text not null default (strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now'))
	);`, s.tableName)
	_, err := s.db.Exec(createTable)
	return err
}

func (s *SqliteStore) Register(ctx context.Context, repo models.Repo) error {
	query := fmt.Sprintf(`insert into %s (name, url) values (?, ?);`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, repo.Name, repo.URL)

	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s", ErrRepoAlreadyRegistered, repo.Name)
	}
	return err
}

func (s *SqliteStore) Get(ctx context.Context, name string) (models.Repo, error) {
	query := fmt.Sprintf(`select name, url from %s where name = ?;`, s.tableName)

	var repo models.Repo
	err := s.db.QueryRowContext(ctx, query, name).Scan(&repo.Name, &repo.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return repo, fmt.Errorf("%w: %s", ErrRepoNotFound, name)
	}
	return repo, err
}

func (s *SqliteStore) List(ctx context.Context) ([]models.Repo, error) {
	query := fmt.Sprintf(`select name, url from %s order by name asc;`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	repos := []models.Repo{}
	for rows.Next() {
		var repo models.Repo
		if err := rows.Scan(&repo.Name, &repo.URL); err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
