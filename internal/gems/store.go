// Package gems は取り込んだコンテンツ（gem）の保存と、保存時のエンリッチを扱う
package gems

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/y-oga-819/go-intelkit/intelkit"
)

var ErrNotFound = errors.New("gem not found")

// 文字列の比較で時刻順に並ぶよう固定長で保存する
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Gem は取り込んだ1件のコンテンツ
type Gem struct {
	ID          string                     `json:"id"`
	SourceURL   string                     `json:"source_url"`
	Title       string                     `json:"title"`
	Description string                     `json:"description,omitempty"`
	Content     string                     `json:"content,omitempty"`
	CapturedAt  time.Time                  `json:"captured_at"`
	Enrichment  *intelkit.EnrichmentResult `json:"enrichment,omitempty"`
}

// Store はSQLiteに保存するgemストア
type Store struct {
	db *sql.DB
}

// Open はpathのデータベースを開き、スキーマを作成する
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("gems: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("gems: open database: %w", err)
	}
	// PRAGMAは接続ごとの設定なので接続を1本に固定する
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("gems: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("gems: migration: %w", err)
	}
	return s, nil
}

// Close はデータベースを閉じる
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS gems (
			id          TEXT PRIMARY KEY,
			source_url  TEXT NOT NULL UNIQUE,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			captured_at TEXT NOT NULL,
			enrichment  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_gems_captured_at ON gems(captured_at DESC);
	`)
	return err
}

const gemColumns = `id, source_url, title, description, content, captured_at, enrichment`

// Save はgemを保存する。同じsource_urlのgemがあれば上書きし、IDは元のものを引き継ぐ。
// Enrichmentがnilの場合は既存のエンリッチ結果を残す。
func (s *Store) Save(ctx context.Context, g *Gem) (*Gem, error) {
	saved := *g
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.CapturedAt.IsZero() {
		saved.CapturedAt = time.Now()
	}

	enrichment, err := encodeEnrichment(saved.Enrichment)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO gems (`+gemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_url) DO UPDATE SET
			title       = excluded.title,
			description = excluded.description,
			content     = excluded.content,
			captured_at = excluded.captured_at,
			enrichment  = COALESCE(excluded.enrichment, gems.enrichment)
		RETURNING id`,
		saved.ID, saved.SourceURL, saved.Title, saved.Description, saved.Content,
		saved.CapturedAt.UTC().Format(timeLayout), enrichment,
	).Scan(&saved.ID)
	if err != nil {
		return nil, fmt.Errorf("gems: save %s: %w", saved.SourceURL, err)
	}

	return s.Get(ctx, saved.ID)
}

// Get はIDでgemを取得する
func (s *Store) Get(ctx context.Context, id string) (*Gem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gemColumns+` FROM gems WHERE id = ?`, id)
	g, err := scanGem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("gems: get %s: %w", id, err)
	}
	return g, nil
}

// List は新しい順にgemを返す
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Gem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gemColumns+` FROM gems ORDER BY captured_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("gems: list: %w", err)
	}
	return collectGems(rows)
}

// FilterByTag はエンリッチ結果のタグに完全一致するgemを新しい順に返す
func (s *Store) FilterByTag(ctx context.Context, tag string) ([]*Gem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+gemColumns+` FROM gems
		WHERE enrichment IS NOT NULL
		  AND EXISTS (SELECT 1 FROM json_each(gems.enrichment, '$.tags') WHERE json_each.value = ?)
		ORDER BY captured_at DESC, id`, tag)
	if err != nil {
		return nil, fmt.Errorf("gems: filter by tag %q: %w", tag, err)
	}
	return collectGems(rows)
}

// UpdateEnrichment はエンリッチ結果だけを更新する
func (s *Store) UpdateEnrichment(ctx context.Context, id string, result *intelkit.EnrichmentResult) error {
	enrichment, err := encodeEnrichment(result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE gems SET enrichment = ? WHERE id = ?`, enrichment, id)
	if err != nil {
		return fmt.Errorf("gems: update enrichment %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func encodeEnrichment(result *intelkit.EnrichmentResult) (sql.NullString, error) {
	if result == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("gems: marshal enrichment: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGem(row scanner) (*Gem, error) {
	var (
		g          Gem
		capturedAt string
		enrichment sql.NullString
	)
	if err := row.Scan(&g.ID, &g.SourceURL, &g.Title, &g.Description, &g.Content, &capturedAt, &enrichment); err != nil {
		return nil, err
	}

	t, err := time.Parse(timeLayout, capturedAt)
	if err != nil {
		return nil, fmt.Errorf("parse captured_at %q: %w", capturedAt, err)
	}
	g.CapturedAt = t

	if enrichment.Valid {
		g.Enrichment = &intelkit.EnrichmentResult{}
		if err := json.Unmarshal([]byte(enrichment.String), g.Enrichment); err != nil {
			return nil, fmt.Errorf("parse enrichment of %s: %w", g.ID, err)
		}
	}
	return &g, nil
}

func collectGems(rows *sql.Rows) ([]*Gem, error) {
	defer rows.Close()

	var gems []*Gem
	for rows.Next() {
		g, err := scanGem(rows)
		if err != nil {
			return nil, fmt.Errorf("gems: scan: %w", err)
		}
		gems = append(gems, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gems: rows: %w", err)
	}
	return gems, nil
}
