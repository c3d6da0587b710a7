// Package revision persists users and saved source revisions. It sits beside
// the workspace manager: workspaces are ephemeral, revisions are not.
package revision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/storage"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid revision")
)

const (
	DefaultCacheSize = 1024
	MaxSourceBytes   = 512 << 10
	maxTitleLen      = 200
	defaultListLimit = 50
)

type User struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type Revision struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	Title     string             `json:"title"`
	Source    string             `json:"source"`
	HTML      string             `json:"html,omitempty"`
	Packages  project.PackageSet `json:"packages"`
	Version   string             `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
}

// Draft is the caller-supplied part of a revision.
type Draft struct {
	UserID   string
	Title    string
	Source   string
	HTML     string
	Packages project.PackageSet
	Version  string
}

func (d Draft) validate() error {
	switch {
	case d.UserID == "":
		return fmt.Errorf("%w: user id is empty", ErrInvalid)
	case d.Version == "":
		return fmt.Errorf("%w: version is empty", ErrInvalid)
	case strings.TrimSpace(d.Source) == "":
		return fmt.Errorf("%w: source is empty", ErrInvalid)
	case len(d.Source) > MaxSourceBytes:
		return fmt.Errorf("%w: source exceeds %d bytes", ErrInvalid, MaxSourceBytes)
	case len(d.Title) > maxTitleLen:
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalid, maxTitleLen)
	}
	return nil
}

// Store reads and writes users and revisions. Revisions are immutable once
// written, so reads are served from an LRU without invalidation.
type Store struct {
	db    *storage.DB
	cache *lru.Cache[string, Revision]
	now   func() time.Time
}

func NewStore(db *storage.DB, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, Revision](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("revision cache: %w", err)
	}
	return &Store{
		db:    db,
		cache: cache,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateUser allocates a fresh user id.
func (s *Store) CreateUser(ctx context.Context) (User, error) {
	u := User{ID: uuid.NewString(), CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("INSERT INTO users(id, created_at) VALUES(?, ?);"),
		u.ID, formatTime(u.CreatedAt))
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var (
		u       User
		created string
	)
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind("SELECT id, created_at FROM users WHERE id = ?;"), id).
		Scan(&u.ID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return User{}, err
	}
	return u, nil
}

// CreateRevision stores a draft for an existing user.
func (s *Store) CreateRevision(ctx context.Context, d Draft) (Revision, error) {
	if err := d.validate(); err != nil {
		return Revision{}, err
	}
	pkgs, err := json.Marshal(d.Packages)
	if err != nil {
		return Revision{}, fmt.Errorf("encode packages: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Revision{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.db.Rebind("SELECT 1 FROM users WHERE id = ?;"), d.UserID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, fmt.Errorf("user %q: %w", d.UserID, ErrNotFound)
	}
	if err != nil {
		return Revision{}, fmt.Errorf("read user: %w", err)
	}

	rev := Revision{
		ID:        uuid.NewString(),
		UserID:    d.UserID,
		Title:     d.Title,
		Source:    d.Source,
		HTML:      d.HTML,
		Packages:  d.Packages,
		Version:   d.Version,
		CreatedAt: s.now(),
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
INSERT INTO revisions(id, user_id, title, source, html, packages, version, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`), rev.ID, rev.UserID, rev.Title, rev.Source, nullString(rev.HTML), string(pkgs), rev.Version, formatTime(rev.CreatedAt))
	if err != nil {
		return Revision{}, fmt.Errorf("insert revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Revision{}, fmt.Errorf("commit tx: %w", err)
	}

	s.cache.Add(rev.ID, rev)
	return rev, nil
}

func (s *Store) GetRevision(ctx context.Context, id string) (Revision, error) {
	if rev, ok := s.cache.Get(id); ok {
		return rev, nil
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
SELECT id, user_id, title, source, html, packages, version, created_at
FROM revisions WHERE id = ?;
`), id)
	rev, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, fmt.Errorf("revision %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Revision{}, err
	}
	s.cache.Add(rev.ID, rev)
	return rev, nil
}

// ListRevisions returns a user's revisions, newest first.
func (s *Store) ListRevisions(ctx context.Context, userID string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
SELECT id, user_id, title, source, html, packages, version, created_at
FROM revisions WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?;
`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	out := []Revision{}
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	return out, nil
}

// CachedRevisions reports how many revisions are held in memory.
func (s *Store) CachedRevisions() int {
	return s.cache.Len()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRevision(row scanner) (Revision, error) {
	var (
		rev     Revision
		html    sql.NullString
		pkgs    string
		created string
	)
	if err := row.Scan(&rev.ID, &rev.UserID, &rev.Title, &rev.Source, &html, &pkgs, &rev.Version, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Revision{}, err
		}
		return Revision{}, fmt.Errorf("scan revision: %w", err)
	}
	rev.HTML = html.String
	if err := json.Unmarshal([]byte(pkgs), &rev.Packages); err != nil {
		return Revision{}, fmt.Errorf("decode packages for revision %q: %w", rev.ID, err)
	}
	var err error
	if rev.CreatedAt, err = parseTime(created); err != nil {
		return Revision{}, err
	}
	return rev, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
