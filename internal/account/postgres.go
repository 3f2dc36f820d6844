package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresStore persists accounts in the accounts table created by the
// migrations in internal/db.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectAccount = `
	SELECT id, username, email, COALESCE(password_hash, ''), role, subscription, oauth, COALESCE(api_key, ''), created_at, updated_at
	FROM accounts
`

func (s *PostgresStore) Create(ctx context.Context, a Account) (Account, error) {
	oauth, err := encodeOAuth(a.OAuth)
	if err != nil {
		return Account{}, err
	}

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (username, email, password_hash, role, subscription, oauth, api_key, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8, $8)
		RETURNING id, created_at, updated_at
	`, a.Username, a.Email, a.PasswordHash, string(a.Role), string(a.Subscription), oauth, a.APIKey, now).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Account{}, mapWriteError("insert account", err)
	}

	return a, nil
}

func (s *PostgresStore) ByID(ctx context.Context, id int64) (Account, error) {
	return s.queryOne(ctx, selectAccount+`WHERE id = $1`, id)
}

func (s *PostgresStore) ByUsername(ctx context.Context, username string) (Account, error) {
	return s.queryOne(ctx, selectAccount+`WHERE lower(username) = lower($1)`, username)
}

func (s *PostgresStore) ByEmail(ctx context.Context, email string) (Account, error) {
	return s.queryOne(ctx, selectAccount+`WHERE lower(email) = lower($1)`, email)
}

func (s *PostgresStore) ByOAuth(ctx context.Context, provider, subject string) (Account, error) {
	if subject == "" {
		return Account{}, ErrNotFound
	}
	return s.queryOne(ctx, selectAccount+`WHERE oauth ->> $1 = $2`, provider, subject)
}

func (s *PostgresStore) Update(ctx context.Context, a Account) (Account, error) {
	oauth, err := encodeOAuth(a.OAuth)
	if err != nil {
		return Account{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET username = $2, email = $3, password_hash = NULLIF($4, ''), role = $5, subscription = $6,
			oauth = $7, api_key = NULLIF($8, ''), updated_at = $9
		WHERE id = $1
		RETURNING created_at, updated_at
	`, a.ID, a.Username, a.Email, a.PasswordHash, string(a.Role), string(a.Subscription), oauth, a.APIKey, time.Now().UTC()).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, mapWriteError("update account", err)
	}

	return a, nil
}

func (s *PostgresStore) DeleteByEmail(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE lower(email) = lower($1)`, email)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, selectAccount+`ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	return accounts, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	var role, subscription string
	var oauth []byte
	if err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &role, &subscription, &oauth, &a.APIKey, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}

	a.Role = Role(role)
	a.Subscription = Subscription(subscription)
	if len(oauth) > 0 {
		if err := json.Unmarshal(oauth, &a.OAuth); err != nil {
			return Account{}, fmt.Errorf("decode oauth ids: %w", err)
		}
	}

	return a, nil
}

func encodeOAuth(ids map[string]string) (string, error) {
	if ids == nil {
		ids = map[string]string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode oauth ids: %w", err)
	}
	return string(encoded), nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "accounts_username_key":
			return ErrUsernameTaken
		case "accounts_email_key":
			return ErrEmailTaken
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
