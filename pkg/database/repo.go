package database

import (
	"blockfuzz/internal/types"
	"context"
	"os"
	"time"

	"gorm.io/gorm"
)

// inserts multiple crash records into the database
func AddCrashes(ctx context.Context, db *gorm.DB, crashes []*Crash) error {
	if len(crashes) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(crashes).Error
}

// inserts multiple seed records into the database
func AddSeeds(ctx context.Context, db *gorm.DB, seeds []*Seed) error {
	if len(seeds) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(seeds).Error
}

func NewCrash(campaignID string, msg types.CrashMessage) *Crash {
	hostname, _ := os.Hostname()
	return &Crash{
		CampaignID: campaignID,
		CreatedAt:  msg.FoundAt,
		Kind:       string(msg.Kind),
		Input:      msg.InputFile,
		Dump:       msg.DumpFile,
		Signal:     msg.Signal,
		Instance:   hostname,
		Metric: Metric{
			"worker": msg.Worker,
			"round":  msg.Round,
		},
	}
}

func NewSeed(campaignID string, msg types.SeedMessage) *Seed {
	hostname, _ := os.Hostname()
	createdAt := msg.FoundAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &Seed{
		CampaignID: campaignID,
		CreatedAt:  createdAt,
		Path:       msg.SeedFile,
		Size:       msg.Size,
		Source:     string(msg.Source),
		Instance:   hostname,
		Metric: Metric{
			"worker":   msg.Worker,
			"round":    msg.Round,
			"coverage": msg.Coverage,
		},
	}
}
