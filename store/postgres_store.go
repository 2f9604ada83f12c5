package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/neochupacabras/telegram-payment-bot/types"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	queryTimeout = 5 * time.Second
	txTimeout    = 10 * time.Second
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = buildPostgresDSNFromEnv()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

func buildPostgresDSNFromEnv() string {
	host := strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("POSTGRES_PORT"))
	if port == "" {
		port = "5432"
	}
	db := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
	if db == "" {
		db = "payment_bot"
	}
	user := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
	if user == "" {
		user = "payment_bot"
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", urlEscape(user), urlEscape(pass), host, port, db)
}

func urlEscape(s string) string {
	r := strings.NewReplacer(
		"%", "%25",
		":", "%3A",
		"/", "%2F",
		"@", "%40",
		"?", "%3F",
		"#", "%23",
		"[", "%5B",
		"]", "%5D",
	)
	return r.Replace(s)
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user types.User) (*types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	u := types.User{
		TelegramUserID: user.TelegramUserID,
		Username:       strings.TrimSpace(user.Username),
		FirstName:      strings.TrimSpace(user.FirstName),
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO users (telegram_user_id, username, first_name)
VALUES ($1, $2, $3)
ON CONFLICT (telegram_user_id) DO UPDATE SET
  username = EXCLUDED.username,
  first_name = EXCLUDED.first_name,
  updated_at = NOW()
RETURNING id, created_at, updated_at
`, u.TelegramUserID, u.Username, u.FirstName).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByTelegramID(ctx context.Context, telegramUserID int64) (*types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanUser(s.pool.QueryRow(ctx, `
SELECT id, telegram_user_id, username, first_name, created_at, updated_at
FROM users
WHERE telegram_user_id = $1
`, telegramUserID))
}

func (s *PostgresStore) FindUser(ctx context.Context, identifier string) (*types.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, nil
	}
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		return s.GetUserByTelegramID(ctx, id)
	}
	username := strings.TrimPrefix(identifier, "@")

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanUser(s.pool.QueryRow(ctx, `
SELECT id, telegram_user_id, username, first_name, created_at, updated_at
FROM users
WHERE LOWER(username) = LOWER($1)
ORDER BY updated_at DESC
LIMIT 1
`, username))
}

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	err := row.Scan(&u.ID, &u.TelegramUserID, &u.Username, &u.FirstName, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (*types.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var p types.Product
	err := s.pool.QueryRow(ctx, `
SELECT id, name, price_cents, duration_days, active
FROM products
WHERE id = $1
`, id).Scan(&p.ID, &p.Name, &p.PriceCents, &p.DurationDays, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]types.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT id, name, price_cents, duration_days, active
FROM products
WHERE active
ORDER BY price_cents, id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []types.Product
	for rows.Next() {
		var p types.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.DurationDays, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]types.GroupTarget, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT id, telegram_chat_id, name
FROM groups
ORDER BY id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []types.GroupTarget
	for rows.Next() {
		var g types.GroupTarget
		if err := rows.Scan(&g.ID, &g.ChatID, &g.Name); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) GetGroup(ctx context.Context, chatID int64) (*types.GroupTarget, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var g types.GroupTarget
	err := s.pool.QueryRow(ctx, `
SELECT id, telegram_chat_id, name
FROM groups
WHERE telegram_chat_id = $1
`, chatID).Scan(&g.ID, &g.ChatID, &g.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
