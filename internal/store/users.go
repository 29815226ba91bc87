package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zimfarm/internal/domain"
)

func (r *sqliteRepo) CreateUser(ctx context.Context, u domain.User) error {
	scope, err := encode(u.Scope)
	if err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO users (username,password_hash,role,scope,email,active,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.Username, u.PasswordHash, u.Role, scope, u.Email, u.Active, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *sqliteRepo) GetUser(ctx context.Context, username string) (domain.User, error) {
	var (
		u              domain.User
		scope, created string
	)
	err := r.db.QueryRowContext(ctx, `
SELECT username,password_hash,role,scope,email,active,created_at FROM users WHERE username=?`, username).
		Scan(&u.Username, &u.PasswordHash, &u.Role, &scope, &u.Email, &u.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.NotFoundf("user %q", username)
	}
	if err != nil {
		return domain.User{}, err
	}
	if err := decode(scope, &u.Scope); err != nil {
		return domain.User{}, fmt.Errorf("user %s scope: %w", username, err)
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (r *sqliteRepo) SaveRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO refresh_tokens (token,username,expires_at) VALUES (?,?,?)`,
		t.Token, t.Username, formatTime(t.ExpiresAt))
	return err
}

func (r *sqliteRepo) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var expires string
		err := tx.QueryRowContext(ctx, "SELECT token,username,expires_at FROM refresh_tokens WHERE token=?", token).
			Scan(&t.Token, &t.Username, &expires)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFoundf("refresh token")
		}
		if err != nil {
			return err
		}
		if t.ExpiresAt, err = parseTime(expires); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE token=?", token); err != nil {
			return err
		}
		if !t.ExpiresAt.After(now) {
			return domain.NotFoundf("refresh token expired")
		}
		return nil
	})
	if err != nil && errors.Is(err, domain.ErrNotFound) {
		// Expired tokens are deleted even though the exchange fails.
		_, _ = r.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE token=?", token)
	}
	return t, err
}
