package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"sitinov-auth/backend/internal/user/domain"
)

const uniqueViolation = "23505"

const userColumns = `id, email, password_hash, first_name, last_name, company, role, is_active,
	last_login, last_logout, site_ids, created_at, updated_at`

type PostgresRepository struct {
	db    *sql.DB
	types *pgtype.Map
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, types: pgtype.NewMap()}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return r.scan(row)
}

// GetByEmail returns the user with the given email, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, domain.NormalizeEmail(email))
	return r.scan(row)
}

// Create persists the user to the database. The user must have ID set; it is not assigned by this method.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	sites := u.SiteIDs
	if sites == nil {
		sites = []string{}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, domain.NormalizeEmail(u.Email), u.PasswordHash, u.FirstName, u.LastName,
		nullString(u.Company), string(u.Role), u.IsActive, u.LastLogin, u.LastLogout,
		sites, u.CreatedAt, u.UpdatedAt,
	)
	return mapWriteErr(err)
}

// Update applies the non-nil fields of upd and returns the updated row, or nil if the user does not exist.
func (r *PostgresRepository) Update(ctx context.Context, id string, upd domain.Update) (*domain.User, error) {
	if upd.Empty() {
		return r.GetByID(ctx, id)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Email != nil {
		set("email", domain.NormalizeEmail(*upd.Email))
	}
	if upd.FirstName != nil {
		set("first_name", *upd.FirstName)
	}
	if upd.LastName != nil {
		set("last_name", *upd.LastName)
	}
	if upd.Company != nil {
		set("company", nullString(*upd.Company))
	}
	if upd.PasswordHash != nil {
		set("password_hash", *upd.PasswordHash)
	}
	if upd.LastLogin != nil {
		set("last_login", upd.LastLogin.UTC())
	}
	if upd.LastLogout != nil {
		set("last_logout", upd.LastLogout.UTC())
	}
	set("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), userColumns)
	u, err := r.scan(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapWriteErr(err)
	}
	return u, nil
}

func (r *PostgresRepository) scan(row *sql.Row) (*domain.User, error) {
	var (
		u          domain.User
		company    sql.NullString
		role       string
		lastLogin  sql.NullTime
		lastLogout sql.NullTime
		sites      []string
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &company, &role,
		&u.IsActive, &lastLogin, &lastLogout, r.types.SQLScanner(&sites), &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Company = company.String
	u.Role = domain.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		u.LastLogin = &t
	}
	if lastLogout.Valid {
		t := lastLogout.Time.UTC()
		u.LastLogout = &t
	}
	u.SiteIDs = sites
	return &u, nil
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrEmailTaken
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
