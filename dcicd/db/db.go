package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// every connection to :memory: is its own database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			repo text not null,
			url text not null,
			pipeline text not null,
			status text not null,
			exit_code integer not null default 0,
			error text not null default '',
			message text not null default '',

			-- unix nanos
			created integer not null,
			updated integer not null,
			finished integer not null default 0
		);

		create index if not exists runs_created on runs(created);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
