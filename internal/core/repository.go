package core

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository defines the durable history operations.
type Repository interface {
	// Headset operations
	UpsertHeadset(ctx context.Context, snap HeadsetSnapshot, seenAt time.Time) error
	MarkConnected(ctx context.Context, serial string, at time.Time) error
	MarkDisconnected(ctx context.Context, serial string, at time.Time) error
	GetHeadset(ctx context.Context, serial string) (*HeadsetRecord, error)
	ListHeadsets(ctx context.Context, connectedOnly bool) ([]*HeadsetRecord, error)

	// Transfer operations
	CreateTransfer(ctx context.Context, t *TransferRecord) error
	UpdateTransfer(ctx context.Context, t *TransferRecord) error
	ListTransfers(ctx context.Context, serial string, limit int) ([]*TransferRecord, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a Repository backed by db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTransaction(ctx context.Context, fn func(c context.Context, r Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepository(tx))
	})
}

// UpsertHeadset records the latest snapshot values for a serial, creating the
// row on first sight.
func (r *repository) UpsertHeadset(ctx context.Context, s HeadsetSnapshot, seenAt time.Time) error {
	rec := &HeadsetRecord{
		Serial:       s.Serial,
		Manufacturer: s.Manufacturer,
		Model:        s.Model,
		AppVersion:   s.AppVersion,
		Battery:      s.Battery,
		Name:         s.Name,
		Code:         s.Code,
		Organization: s.Organization,
		Connected:    true,
		FirstSeen:    seenAt,
		LastSeen:     seenAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "serial"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"manufacturer", "model", "app_version", "battery",
			"name", "code", "organization", "connected", "last_seen", "updated_at",
		}),
	}).Create(rec).Error
}

// MarkConnected bumps the connection counter of a serial.
func (r *repository) MarkConnected(ctx context.Context, serial string, at time.Time) error {
	return r.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		db := tx.(*repository).db.WithContext(ctx)

		var rec HeadsetRecord
		err := db.Where("serial = ?", serial).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return db.Create(&HeadsetRecord{
				Serial:      serial,
				Connections: 1,
				Connected:   true,
				FirstSeen:   at,
				LastSeen:    at,
			}).Error
		}
		if err != nil {
			return err
		}
		return db.Model(&rec).Updates(map[string]interface{}{
			"connections": gorm.Expr("connections + 1"),
			"connected":   true,
			"last_seen":   at,
		}).Error
	})
}

func (r *repository) MarkDisconnected(ctx context.Context, serial string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&HeadsetRecord{}).
		Where("serial = ?", serial).
		Updates(map[string]interface{}{"connected": false, "last_seen": at}).Error
}

func (r *repository) GetHeadset(ctx context.Context, serial string) (*HeadsetRecord, error) {
	var rec HeadsetRecord
	err := r.db.WithContext(ctx).Where("serial = ?", serial).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHeadsetNotFound
	}
	return &rec, err
}

func (r *repository) ListHeadsets(ctx context.Context, connectedOnly bool) ([]*HeadsetRecord, error) {
	var records []*HeadsetRecord
	q := r.db.WithContext(ctx)
	if connectedOnly {
		q = q.Where("connected = ?", true)
	}
	if err := q.Order("serial").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repository) CreateTransfer(ctx context.Context, t *TransferRecord) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *repository) UpdateTransfer(ctx context.Context, t *TransferRecord) error {
	return r.db.WithContext(ctx).Save(t).Error
}

func (r *repository) ListTransfers(ctx context.Context, serial string, limit int) ([]*TransferRecord, error) {
	var transfers []*TransferRecord
	q := r.db.WithContext(ctx).Where("serial = ?", serial).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}
