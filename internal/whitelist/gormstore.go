package whitelist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type organizationRow struct {
	Tin    string `gorm:"primaryKey"`
	Name   string
	Status string
}

func (organizationRow) TableName() string { return "organizations" }

type whitelistRow struct {
	Tin     string `gorm:"primaryKey"`
	AddedAt time.Time
}

func (whitelistRow) TableName() string { return "whitelist" }

// GormStore is a Store on top of gorm.
type GormStore struct {
	txKey gbus.TxKey
	db    *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(txKey gbus.TxKey, db *gorm.DB) *GormStore {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &GormStore{txKey: txKey, db: db}
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(s.txKey).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *GormStore) Get(ctx context.Context, tin string) (*Organization, error) {
	var row organizationRow
	err := s.conn(ctx).Where("tin = ?", tin).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tin)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get organization %s: %w", tin, err)
	}
	return &Organization{Tin: row.Tin, Name: row.Name, Status: Status(row.Status)}, nil
}

func (s *GormStore) Save(ctx context.Context, o *Organization) error {
	row := organizationRow{Tin: o.Tin, Name: o.Name, Status: string(o.Status)}
	err := s.conn(ctx).Session(&gorm.Session{SkipDefaultTransaction: true}).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tin"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "status"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("could not save organization %s: %w", o.Tin, err)
	}
	return nil
}

func (s *GormStore) AddToWhitelist(ctx context.Context, tin string, at time.Time) error {
	err := s.conn(ctx).Session(&gorm.Session{SkipDefaultTransaction: true}).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&whitelistRow{Tin: tin, AddedAt: at}).Error
	if err != nil {
		return fmt.Errorf("could not whitelist %s: %w", tin, err)
	}
	return nil
}

func (s *GormStore) RemoveFromWhitelist(ctx context.Context, tin string) error {
	err := s.conn(ctx).Session(&gorm.Session{SkipDefaultTransaction: true}).
		Where("tin = ?", tin).Delete(&whitelistRow{}).Error
	if err != nil {
		return fmt.Errorf("could not remove %s from the whitelist: %w", tin, err)
	}
	return nil
}

func (s *GormStore) IsWhitelisted(ctx context.Context, tin string) (bool, error) {
	var n int64
	if err := s.conn(ctx).Model(&whitelistRow{}).Where("tin = ?", tin).Count(&n).Error; err != nil {
		return false, fmt.Errorf("could not query the whitelist: %w", err)
	}
	return n > 0, nil
}
