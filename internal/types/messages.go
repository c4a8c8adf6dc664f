package types

import (
	"time"

	"github.com/google/uuid"
)

// Campaign identifies one fuzzing run across logs, spans and sinks.
type Campaign struct {
	ID        string
	StartedAt time.Time
}

func NewCampaign() *Campaign {
	return &Campaign{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
}

type CrashKind string

const (
	KindCrash CrashKind = "crash"
	KindHang  CrashKind = "hang"
)

type CrashMessage struct {
	Kind      CrashKind `json:"kind"`
	InputFile string    `json:"input"`          // path of the persisted input
	DumpFile  string    `json:"dump,omitempty"` // sanitizer report, crashes only
	Signal    string    `json:"signal,omitempty"`
	Worker    int       `json:"worker"`
	Round     int       `json:"round"`
	FoundAt   time.Time `json:"found_at"`
}

type SeedSource string

const (
	SourceMutation SeedSource = "mutation"
	SourceSync     SeedSource = "sync"
)

type SeedMessage struct {
	SeedFile string     `json:"seed"`
	Size     int        `json:"size"`
	Source   SeedSource `json:"source"`
	Coverage uint32     `json:"coverage"` // campaign coverage right after the merge
	Worker   int        `json:"worker"`
	Round    int        `json:"round"`
	FoundAt  time.Time  `json:"found_at"`
}

// SeedBundleMessage announces a tar.gz of newly retained seeds.
type SeedBundleMessage struct {
	CampaignID string `json:"campaign_id"`
	BundlePath string `json:"bundle"`
	SeedCount  int    `json:"seed_count"`
}

// CrashReportMessage is the crash notification published to the queue.
type CrashReportMessage struct {
	CampaignID string `json:"campaign_id"`
	CrashMessage
}
