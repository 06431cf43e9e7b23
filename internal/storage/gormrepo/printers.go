package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/storage"
	"github.com/kassenwerk/periphd/internal/storage/models"
)

// CreatePrinter inserts a printer record.
func (r *Repository) CreatePrinter(ctx context.Context, p *coremodel.Printer) error {
	if err := p.Connection.Validate(); err != nil {
		return err
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Printer{}).
		Where("name = ? AND id <> ?", p.Name, string(p.ID)).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %q", storage.ErrNameTaken, p.Name)
	}
	m, err := printerToModel(p)
	if err != nil {
		return err
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	// GORM inserts the column default (1) for a zero int, so a disabled
	// printer is written explicitly.
	if !p.Enabled {
		return r.db.WithContext(ctx).Model(&models.Printer{}).
			Where("id = ?", m.ID).Update("enabled", 0).Error
	}
	return nil
}

// UpdatePrinter rewrites a printer record.
func (r *Repository) UpdatePrinter(ctx context.Context, p *coremodel.Printer) error {
	if err := p.Connection.Validate(); err != nil {
		return err
	}
	m, err := printerToModel(p)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).Model(&models.Printer{}).
		Where("id = ?", m.ID).
		Select("*").Omit("id", "created_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: printer %s", storage.ErrNotFound, p.ID)
	}
	return nil
}

// DeletePrinter removes a printer record.
func (r *Repository) DeletePrinter(ctx context.Context, id coremodel.DeviceID) error {
	res := r.db.WithContext(ctx).Delete(&models.Printer{}, "id = ?", string(id))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: printer %s", storage.ErrNotFound, id)
	}
	return nil
}

// GetPrinter fetches one printer by id.
func (r *Repository) GetPrinter(ctx context.Context, id coremodel.DeviceID) (*coremodel.Printer, error) {
	var m models.Printer
	err := r.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: printer %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return printerFromModel(&m)
}

// ListPrinters returns all printers.
func (r *Repository) ListPrinters(ctx context.Context) ([]coremodel.Printer, error) {
	var rows []models.Printer
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]coremodel.Printer, 0, len(rows))
	for i := range rows {
		p, err := printerFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}
