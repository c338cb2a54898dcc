package probe

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
)

// PostgresProber considers the target ready once a connection can be
// established and answers an application-level ping. A TCP accept alone is
// not enough for PostgreSQL: the server accepts connections during crash
// recovery and during init-script execution before it can serve queries.
type PostgresProber struct {
	dsn  string
	addr string
}

// NewPostgresProber creates a PostgreSQL ping probe.
func NewPostgresProber(addr, user, password, database string) *PostgresProber {
	if user == "" {
		user = "postgres"
	}
	if database == "" {
		database = user
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     addr,
		Path:     "/" + database,
		RawQuery: "sslmode=disable&connect_timeout=3",
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}

	return &PostgresProber{dsn: u.String(), addr: addr}
}

// Check connects and pings once.
func (p *PostgresProber) Check(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("postgres connect %s: %w", p.addr, err)
	}
	defer func() { _ = conn.Close(ctx) }()

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping %s: %w", p.addr, err)
	}
	return nil
}

// Describe names the probe target.
func (p *PostgresProber) Describe() string {
	return "postgres " + p.addr
}
