package whitelist

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/3rs4lg4d0/gobus/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	getOrganizationSql     = "SELECT tin, name, status FROM organizations WHERE tin=?"
	saveOrganizationSql    = "INSERT INTO organizations (tin, name, status) VALUES (?, ?, ?) ON CONFLICT (tin) DO UPDATE SET name=EXCLUDED.name, status=EXCLUDED.status"
	addToWhitelistSql      = "INSERT INTO whitelist (tin, added_at) VALUES (?, ?) ON CONFLICT (tin) DO NOTHING"
	removeFromWhitelistSql = "DELETE FROM whitelist WHERE tin=?"
	isWhitelistedSql       = "SELECT EXISTS(SELECT 1 FROM whitelist WHERE tin=?)"
)

var (
	pgGetOrganizationSql     = repository.Rebind(getOrganizationSql, true)
	pgSaveOrganizationSql    = repository.Rebind(saveOrganizationSql, true)
	pgAddToWhitelistSql      = repository.Rebind(addToWhitelistSql, true)
	pgRemoveFromWhitelistSql = repository.Rebind(removeFromWhitelistSql, true)
	pgIsWhitelistedSql       = repository.Rebind(isWhitelistedSql, true)
)

// querier is satisfied by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PgStore is a Store on top of pgx.
type PgStore struct {
	txKey gbus.TxKey
	db    querier
}

var _ Store = (*PgStore)(nil)

func NewPgStore(txKey gbus.TxKey, db querier) *PgStore {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil || reflect.ValueOf(db).IsNil() {
		panic("pool is mandatory")
	}
	return &PgStore{txKey: txKey, db: db}
}

func (s *PgStore) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(s.txKey).(pgx.Tx); ok {
		return tx
	}
	return s.db
}

func (s *PgStore) Get(ctx context.Context, tin string) (*Organization, error) {
	var o Organization
	var status string
	err := s.conn(ctx).QueryRow(ctx, pgGetOrganizationSql, tin).Scan(&o.Tin, &o.Name, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tin)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get organization %s: %w", tin, err)
	}
	o.Status = Status(status)
	return &o, nil
}

func (s *PgStore) Save(ctx context.Context, o *Organization) error {
	if _, err := s.conn(ctx).Exec(ctx, pgSaveOrganizationSql, o.Tin, o.Name, string(o.Status)); err != nil {
		return fmt.Errorf("could not save organization %s: %w", o.Tin, err)
	}
	return nil
}

func (s *PgStore) AddToWhitelist(ctx context.Context, tin string, at time.Time) error {
	if _, err := s.conn(ctx).Exec(ctx, pgAddToWhitelistSql, tin, at); err != nil {
		return fmt.Errorf("could not whitelist %s: %w", tin, err)
	}
	return nil
}

func (s *PgStore) RemoveFromWhitelist(ctx context.Context, tin string) error {
	if _, err := s.conn(ctx).Exec(ctx, pgRemoveFromWhitelistSql, tin); err != nil {
		return fmt.Errorf("could not remove %s from the whitelist: %w", tin, err)
	}
	return nil
}

func (s *PgStore) IsWhitelisted(ctx context.Context, tin string) (bool, error) {
	var ok bool
	if err := s.conn(ctx).QueryRow(ctx, pgIsWhitelistedSql, tin).Scan(&ok); err != nil {
		return false, fmt.Errorf("could not query the whitelist: %w", err)
	}
	return ok, nil
}
