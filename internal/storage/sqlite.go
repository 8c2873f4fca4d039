package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "streambot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) ListChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM channels ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddChannel(ctx context.Context, name string) error {
	n, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(name, added_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`,
		n, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrChannelExists
	}
	return nil
}

func (s *sqliteStore) RemoveChannel(ctx context.Context, name string) error {
	n, err := NormalizeChannel(name)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE name = ?`, n)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *sqliteStore) LoadChannelStates(ctx context.Context) ([]ChannelState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, last_notified_at, fingerprint FROM channel_state ORDER BY channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChannelState
	for rows.Next() {
		var (
			st ChannelState
			ms int64
		)
		if err := rows.Scan(&st.Channel, &ms, &st.Fingerprint); err != nil {
			return nil, err
		}
		if ms > 0 {
			st.LastNotifiedAt = time.UnixMilli(ms)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveChannelState(ctx context.Context, st ChannelState) error {
	if st.Channel == "" {
		return nil
	}
	var ms int64
	if !st.LastNotifiedAt.IsZero() {
		ms = st.LastNotifiedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_state(channel, last_notified_at, fingerprint, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(channel) DO UPDATE SET
		   last_notified_at = excluded.last_notified_at,
		   fingerprint = excluded.fingerprint,
		   updated_at = excluded.updated_at`,
		st.Channel, ms, st.Fingerprint, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteChannelState(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channel_state WHERE channel = ?`, channel)
	return err
}

func (s *sqliteStore) AppendAnnouncement(ctx context.Context, a Announcement) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	ok := 0
	if a.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO announcements(at, channel, title, category, viewers, chat_id, thread_id, ok, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		a.At.UTC().Format(time.RFC3339Nano), a.Channel, nullStr(a.Title), nullStr(a.Category),
		a.Viewers, a.ChatID, a.ThreadID, ok, nullStr(a.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
