// Package audit はデプロイ履歴をPostgreSQLに保存する
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"guardx/internal/deploy"
)

// PostgresStore はデプロイ履歴をテーブルに保存する
type PostgresStore struct {
	db    *sql.DB
	table string
}

// Open はDSNで接続し、PostgresStoreを作成する
func Open(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの接続に失敗: %w", err)
	}

	return NewPostgresStore(db, table), nil
}

// NewPostgresStore は既存の接続からPostgresStoreを作成する
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
}

// EnsureSchema はテーブルが無ければ作成する
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	camera_id TEXT NOT NULL,
	action TEXT NOT NULL,
	state TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	frame_count BIGINT NOT NULL DEFAULT 0,
	at TIMESTAMPTZ NOT NULL
)`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("テーブルの作成に失敗: %w", err)
	}
	return nil
}

// Record は履歴を1件保存する
func (s *PostgresStore) Record(ctx context.Context, entry deploy.HistoryEntry) error {
	query := fmt.Sprintf("INSERT INTO %s (session_id, camera_id, action, state, actor, frame_count, at) VALUES ($1,$2,$3,$4,$5,$6,$7)", s.table)

	_, err := s.db.ExecContext(ctx, query,
		entry.SessionID,
		entry.CameraID,
		string(entry.Action),
		string(entry.State),
		entry.Actor,
		int64(entry.FrameCount),
		entry.At,
	)
	if err != nil {
		return fmt.Errorf("履歴の保存に失敗: %w", err)
	}
	return nil
}

// Recent は直近 limit 件の履歴を古い順に返す
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]deploy.HistoryEntry, error) {
	query := fmt.Sprintf("SELECT session_id, camera_id, action, state, actor, frame_count, at FROM %s ORDER BY id DESC LIMIT $1", s.table)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("履歴の取得に失敗: %w", err)
	}
	defer rows.Close()

	var entries []deploy.HistoryEntry
	for rows.Next() {
		var (
			e             deploy.HistoryEntry
			action, state string
			frameCount    int64
		)
		if err := rows.Scan(&e.SessionID, &e.CameraID, &action, &state, &e.Actor, &frameCount, &e.At); err != nil {
			return nil, fmt.Errorf("履歴の読み込みに失敗: %w", err)
		}
		e.Action = deploy.Action(action)
		e.State = deploy.State(state)
		e.FrameCount = uint64(frameCount)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("履歴の読み込みに失敗: %w", err)
	}

	// 新しい順で取得したので反転する
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close は接続を閉じる
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
