package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

// Service owns principal accounts.
type Service struct {
	db *sql.DB
}

// Open opens the principal database and ensures its schema.
func Open(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS principals (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create principals table: %w", err)
	}

	return db, nil
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreatePrincipal registers a new principal with a password.
func (s *Service) CreatePrincipal(ctx context.Context, email, name, password string) (*Principal, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	p := &Principal{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hashedPassword),
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO principals (id, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		p.ID, p.Email, p.Name, p.PasswordHash, p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Authenticate validates an email/password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Principal, error) {
	p, err := s.getByEmail(ctx, email)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return p, nil
}

// UpsertFromIdentity finds or creates the principal matching a
// provider-asserted identity (the OAuth callback path, no password).
func (s *Service) UpsertFromIdentity(ctx context.Context, email, name string) (*Principal, error) {
	p, err := s.getByEmail(ctx, email)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	p = &Principal{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO principals (id, email, name, created_at) VALUES (?, ?, ?, ?)",
		p.ID, p.Email, p.Name, p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) getByEmail(ctx context.Context, email string) (*Principal, error) {
	p := &Principal{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, name, password_hash, created_at FROM principals WHERE email = ?",
		email,
	).Scan(&p.ID, &p.Email, &p.Name, &p.PasswordHash, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}
