package whitelist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/3rs4lg4d0/gobus/repository"
)

// conn is satisfied by *sql.DB and *sql.Tx.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is a Store on top of database/sql.
type SQLStore struct {
	txKey gbus.TxKey
	db    *sql.DB
	q     func(string) string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQLStore. Set useDollar for drivers expecting '$n'
// placeholders.
func NewSQLStore(txKey gbus.TxKey, db *sql.DB, useDollar bool) *SQLStore {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &SQLStore{
		txKey: txKey,
		db:    db,
		q: func(query string) string {
			return repository.Rebind(query, useDollar)
		},
	}
}

func (s *SQLStore) conn(ctx context.Context) conn {
	if tx, ok := ctx.Value(s.txKey).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *SQLStore) Get(ctx context.Context, tin string) (*Organization, error) {
	var o Organization
	var status string
	err := s.conn(ctx).QueryRowContext(ctx, s.q(getOrganizationSql), tin).Scan(&o.Tin, &o.Name, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tin)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get organization %s: %w", tin, err)
	}
	o.Status = Status(status)
	return &o, nil
}

func (s *SQLStore) Save(ctx context.Context, o *Organization) error {
	if _, err := s.conn(ctx).ExecContext(ctx, s.q(saveOrganizationSql), o.Tin, o.Name, string(o.Status)); err != nil {
		return fmt.Errorf("could not save organization %s: %w", o.Tin, err)
	}
	return nil
}

func (s *SQLStore) AddToWhitelist(ctx context.Context, tin string, at time.Time) error {
	if _, err := s.conn(ctx).ExecContext(ctx, s.q(addToWhitelistSql), tin, at); err != nil {
		return fmt.Errorf("could not whitelist %s: %w", tin, err)
	}
	return nil
}

func (s *SQLStore) RemoveFromWhitelist(ctx context.Context, tin string) error {
	if _, err := s.conn(ctx).ExecContext(ctx, s.q(removeFromWhitelistSql), tin); err != nil {
		return fmt.Errorf("could not remove %s from the whitelist: %w", tin, err)
	}
	return nil
}

func (s *SQLStore) IsWhitelisted(ctx context.Context, tin string) (bool, error) {
	var ok bool
	if err := s.conn(ctx).QueryRowContext(ctx, s.q(isWhitelistedSql), tin).Scan(&ok); err != nil {
		return false, fmt.Errorf("could not query the whitelist: %w", err)
	}
	return ok, nil
}
