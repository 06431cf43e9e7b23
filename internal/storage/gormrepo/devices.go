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

// CreateDevice inserts a new device, enforcing the unique-name invariant.
func (r *Repository) CreateDevice(ctx context.Context, d *coremodel.Device) error {
	if err := d.Connection.Validate(); err != nil {
		return err
	}
	if existing, err := r.GetDeviceByName(ctx, d.Name); err == nil && existing.ID != d.ID {
		return fmt.Errorf("%w: %q", storage.ErrNameTaken, d.Name)
	}
	m, err := deviceToModel(d)
	if err != nil {
		return err
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	// GORM inserts the column default (1) for a zero int, so a disabled
	// device is written explicitly.
	if !d.Enabled {
		if err := r.db.WithContext(ctx).Model(&models.Device{}).
			Where("id = ?", m.ID).Update("enabled", 0).Error; err != nil {
			return err
		}
	}
	d.CreatedAt, d.UpdatedAt = now, now
	return nil
}

// UpdateDevice rewrites an existing device record.
func (r *Repository) UpdateDevice(ctx context.Context, d *coremodel.Device) error {
	if err := d.Connection.Validate(); err != nil {
		return err
	}
	if existing, err := r.GetDeviceByName(ctx, d.Name); err == nil && existing.ID != d.ID {
		return fmt.Errorf("%w: %q", storage.ErrNameTaken, d.Name)
	}
	m, err := deviceToModel(d)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", m.ID).
		Select("*").Omit("id", "created_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: device %s", storage.ErrNotFound, d.ID)
	}
	return nil
}

// DeleteDevice removes a device record.
func (r *Repository) DeleteDevice(ctx context.Context, id coremodel.DeviceID) error {
	res := r.db.WithContext(ctx).Delete(&models.Device{}, "id = ?", string(id))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: device %s", storage.ErrNotFound, id)
	}
	return nil
}

// GetDevice fetches one device by id.
func (r *Repository) GetDevice(ctx context.Context, id coremodel.DeviceID) (*coremodel.Device, error) {
	var m models.Device
	err := r.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: device %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return deviceFromModel(&m)
}

// GetDeviceByName fetches one device by its unique name.
func (r *Repository) GetDeviceByName(ctx context.Context, name string) (*coremodel.Device, error) {
	var m models.Device
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: device %q", storage.ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return deviceFromModel(&m)
}

// ListDevices returns devices, optionally narrowed to one kind.
func (r *Repository) ListDevices(ctx context.Context, kind coremodel.DeviceKind) ([]coremodel.Device, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	var rows []models.Device
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]coremodel.Device, 0, len(rows))
	for i := range rows {
		d, err := deviceFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// GetDefaultDevice returns the default device of a kind.
func (r *Repository) GetDefaultDevice(ctx context.Context, kind coremodel.DeviceKind) (*coremodel.Device, error) {
	var m models.Device
	err := r.db.WithContext(ctx).
		Where("kind = ? AND is_default = 1 AND enabled = 1", string(kind)).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no default %s", storage.ErrNotFound, kind)
	}
	if err != nil {
		return nil, err
	}
	return deviceFromModel(&m)
}

// SetDefaultDevice clears the previous default of the same kind and marks
// id, inside one transaction so at most one default per kind survives.
func (r *Repository) SetDefaultDevice(ctx context.Context, id coremodel.DeviceID) error {
	return r.WithTx(ctx, func(repo storage.CoreRepo) error {
		rr := repo.(*Repository)
		var m models.Device
		if err := rr.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: device %s", storage.ErrNotFound, id)
			}
			return err
		}
		if err := rr.db.WithContext(ctx).Model(&models.Device{}).
			Where("kind = ? AND is_default = 1", m.Kind).
			Update("is_default", 0).Error; err != nil {
			return err
		}
		return rr.db.WithContext(ctx).Model(&models.Device{}).
			Where("id = ?", string(id)).
			Update("is_default", 1).Error
	})
}
