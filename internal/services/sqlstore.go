package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/models"

	// register the pgx database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"
	// register the sqlite database/sql driver
	_ "modernc.org/sqlite"
)

// SQLStore implements the user store on top of database/sql. It speaks both SQLite and PostgreSQL; the
// dialect only changes placeholder syntax and connection setup.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// NewSQLite opens (or creates) a SQLite user store at the supplied path. The special path ":memory:" keeps
// the database in memory.
func NewSQLite(path string) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes sqlite writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return newSQLStore(db, false)
}

// NewPostgres connects to PostgreSQL through the pgx driver.
func NewPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}
	return newSQLStore(db, true)
}

func newSQLStore(db *sql.DB, postgres bool) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: postgres}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	google_id TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	picture TEXT NOT NULL,
	given_name TEXT NOT NULL DEFAULT '',
	family_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

const userColumns = `id, google_id, email, name, picture, given_name, family_name, created_at, updated_at`

// User retrieves a user by id. It returns models.ErrUserNotFound when no such user exists.
func (s *SQLStore) User(ctx context.Context, id string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	return scanUser(row)
}

// UpsertGoogleUser resolves the profile to a user with the same rules as BoltDB.UpsertGoogleUser.
func (s *SQLStore) UpsertGoogleUser(ctx context.Context, profile models.GoogleProfile) (user models.User, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit tx: %w", cerr)
		}
	}()

	now := time.Now().UTC()

	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE google_id = ?`), profile.ID)
	existing, err := scanUser(row)
	switch {
	case err == nil:
		if profile.Picture != "" && existing.Picture != profile.Picture {
			existing.Picture = profile.Picture
			existing.UpdatedAt = now
			if _, err = tx.ExecContext(ctx, s.rebind(`UPDATE users SET picture = ?, updated_at = ? WHERE id = ?`),
				existing.Picture, existing.UpdatedAt, existing.ID); err != nil {
				return models.User{}, fmt.Errorf("update user picture: %w", err)
			}
		}
		return existing, nil
	case !errors.Is(err, models.ErrUserNotFound):
		return models.User{}, err
	}

	var count int
	email := normalizeEmail(profile.Email)
	if err = tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM users WHERE email = ?`), email).Scan(&count); err != nil {
		return models.User{}, fmt.Errorf("lookup email: %w", err)
	}
	if count > 0 {
		err = models.ErrDuplicateAccount
		return models.User{}, err
	}

	user = newUserFromProfile(profile, now)
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		user.ID, user.GoogleID, user.Email, user.Name, user.Picture, user.GivenName, user.FamilyName,
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func scanUser(row *sql.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.GoogleID, &user.Email, &user.Name, &user.Picture,
		&user.GivenName, &user.FamilyName, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, models.ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
