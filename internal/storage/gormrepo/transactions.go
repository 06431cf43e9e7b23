package gormrepo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/storage"
	"github.com/kassenwerk/periphd/internal/storage/models"
)

// CreateTransaction inserts a new transaction record.
func (r *Repository) CreateTransaction(ctx context.Context, t *coremodel.Transaction) error {
	m, err := txToModel(t)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// UpdateTransaction rewrites a transaction record.
func (r *Repository) UpdateTransaction(ctx context.Context, t *coremodel.Transaction) error {
	m, err := txToModel(t)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", m.ID).
		Select("*").Omit("id", "created_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s", storage.ErrNotFound, t.ID)
	}
	return nil
}

// GetTransaction fetches one record by id.
func (r *Repository) GetTransaction(ctx context.Context, id coremodel.TransactionID) (*coremodel.Transaction, error) {
	var m models.Transaction
	err := r.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: transaction %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return txFromModel(&m)
}

// RecentTransactions returns the newest records first.
func (r *Repository) RecentTransactions(ctx context.Context, limit int) ([]coremodel.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.Transaction
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return txSlice(rows)
}

func (r *Repository) filterQuery(ctx context.Context, f storage.TransactionFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.Transaction{})
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", string(f.DeviceID))
	}
	if f.OrderID != "" {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", string(f.Kind))
	}
	if f.From != nil {
		q = q.Where("started_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("started_at < ?", *f.To)
	}
	return q
}

// QueryTransactions returns the filtered set, newest first.
func (r *Repository) QueryTransactions(ctx context.Context, f storage.TransactionFilter) ([]coremodel.Transaction, error) {
	q := r.filterQuery(ctx, f).Order("started_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []models.Transaction
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return txSlice(rows)
}

// TransactionStats aggregates counts and approved sums over the filtered
// set.
func (r *Repository) TransactionStats(ctx context.Context, f storage.TransactionFilter) (*storage.TransactionStats, error) {
	stats := &storage.TransactionStats{ByStatus: make(map[coremodel.TransactionStatus]int64)}

	type statusCount struct {
		Status string
		N      int64
	}
	var counts []statusCount
	err := r.filterQuery(ctx, f).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.ByStatus[coremodel.TransactionStatus(c.Status)] = c.N
		stats.Count += c.N
	}

	type sums struct {
		Amount int64
		Tips   int64
	}
	var s sums
	err = r.filterQuery(ctx, f).
		Where("status = ?", string(coremodel.TxApproved)).
		Select("COALESCE(SUM(amount),0) AS amount, COALESCE(SUM(tip_amount),0) AS tips").
		Scan(&s).Error
	if err != nil {
		return nil, err
	}
	stats.ApprovedAmount = s.Amount
	stats.ApprovedTips = s.Tips
	return stats, nil
}

// TransactionForOrder returns the newest transaction for an order.
func (r *Repository) TransactionForOrder(ctx context.Context, orderID string) (*coremodel.Transaction, error) {
	var m models.Transaction
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("started_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no transaction for order %q", storage.ErrNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return txFromModel(&m)
}

func txSlice(rows []models.Transaction) ([]coremodel.Transaction, error) {
	out := make([]coremodel.Transaction, 0, len(rows))
	for i := range rows {
		t, err := txFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}
