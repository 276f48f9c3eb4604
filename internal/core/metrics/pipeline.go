package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Pipeline validates, persists, and prunes telemetry samples.
type Pipeline struct {
	db *gorm.DB
	lg zerolog.Logger
}

func NewPipeline(db *gorm.DB, lg zerolog.Logger) *Pipeline {
	return &Pipeline{db: db, lg: lg.With().Str("component", "metrics").Logger()}
}

// StoreBatch persists a batch of samples for one device, all or nothing.
// An empty batch is a no-op.
func (p *Pipeline) StoreBatch(ctx context.Context, deviceID string, samples []AgentSample) error {
	if len(samples) == 0 {
		return nil
	}

	rows := make([]Sample, 0, len(samples))
	for i, s := range samples {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		rows = append(rows, Sample{
			ID:         uuid.NewString(),
			DeviceID:   deviceID,
			Timestamp:  s.TS.UTC(),
			CPUTotal:   s.CPU.Total,
			CPUPerCore: s.CPU.PerCore,
			MemUsed:    s.Mem.Used,
			MemTotal:   s.Mem.Total,
			Disk:       s.Disk,
			NetTxBps:   s.Net.TxBps,
			NetRxBps:   s.Net.RxBps,
			UptimeSec:  s.UptimeSec,
			ProcCount:  s.ProcCount,
		})
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("store batch: %w", err)
	}
	return nil
}

// Latest returns up to limit samples for a device, newest first. A device
// with no samples yields an empty slice, not an error.
func (p *Pipeline) Latest(ctx context.Context, deviceID string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 1
	}
	var rows []Sample
	err := p.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest: %w", err)
	}
	return rows, nil
}

// PruneOlderThan deletes samples across all devices older than the
// retention window and reports how many rows went.
func (p *Pipeline) PruneOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res := p.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&Sample{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		p.lg.Info().Int64("rows", res.RowsAffected).Time("cutoff", cutoff).Msg("pruned old metrics")
	}
	return res.RowsAffected, nil
}
