package storage

import (
	"errors"
	"time"

	"github.com/kalambet/personas/internal/persona"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Batch is the persisted lifecycle record of one pipeline run.
type Batch struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	CurrentCluster int       `json:"current_cluster"`
	ProfileCount   int       `json:"profile_count"`
	ClusterCount   int       `json:"cluster_count"`
	NoiseCount     int       `json:"noise_count"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StoredPersona is a persona with its position in the batch.
type StoredPersona struct {
	BatchID      string          `json:"batch_id"`
	Position     int             `json:"position"`
	ClusterLabel int             `json:"cluster_label"`
	Persona      persona.Persona `json:"persona"`
}

// Job is a queued unit of background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
