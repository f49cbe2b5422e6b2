// Package storage persists trained model artifacts with versioning, metadata
// side files, integrity hashing, and a JSON registry mapping model type to its
// version history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/motorbay/retrainer/pkg/mlmodel"
)

// VersionLatest resolves to the most recently created version of a model
// type. Recency, not performance, defines "latest".
const VersionLatest = "latest"

// VersionPromoted resolves through the promotion pointer: the version the
// serving layer should score with. Falls back to latest when no version has
// been promoted yet.
const VersionPromoted = "promoted"

// ModelAttributes describes how a version was produced.
type ModelAttributes struct {
	Algorithm    string             `json:"algorithm"`
	TaskKind     mlmodel.TaskKind   `json:"task_kind"`
	FeatureCount int                `json:"feature_count"`
	Features     []string           `json:"features,omitempty"`
	Hyper        map[string]float64 `json:"hyper,omitempty"`
}

// ModelVersion is the registry record for one trained artifact.
type ModelVersion struct {
	ModelType string             `json:"model_type"`
	Version   string             `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	CreatedBy string             `json:"created_by"`
	FilePath  string             `json:"file_path"`
	FileSize  int64              `json:"file_size"`
	FileHash  string             `json:"file_hash"`
	// TrainingRows is the size of the dataset the version was trained on,
	// used later to judge data-volume growth.
	TrainingRows int                `json:"training_rows"`
	Metrics      map[string]float64 `json:"performance_metrics,omitempty"`
	Attrs        ModelAttributes    `json:"model_attributes"`
}

// SaveOptions carries the metadata recorded alongside a saved artifact.
type SaveOptions struct {
	ModelType    string
	CreatedBy    string
	TrainingRows int
	Metrics      map[string]float64
	TaskKind     mlmodel.TaskKind
	Features     []string
	Hyper        map[string]float64
}

// Store is the versioned model store contract.
//
// Save and Load failures are fatal to the calling operation and propagate.
// ListModels degrades to an empty result on registry read failures, since
// listing feeds monitoring paths where availability beats completeness.
type Store interface {
	SaveModel(ctx context.Context, m mlmodel.Model, opts SaveOptions) (*ModelVersion, error)
	LoadModel(ctx context.Context, modelType, version string) (mlmodel.Model, *ModelVersion, error)
	ListModels(modelType string) []ModelVersion
	DeleteModel(ctx context.Context, modelType, version string) (bool, error)
	CleanupOldModels(ctx context.Context, modelType string, keep int) (int, error)
	CreateBackup(ctx context.Context, modelType, version string) (string, error)
	SetPromoted(modelType, version string) error
	Promoted(modelType string) (string, bool)
}

// ErrNotFound reports that a model type or version has no registry entry.
var ErrNotFound = errors.New("model version not found")

// IntegrityError reports that a stored artifact's hash no longer matches the
// hash recorded at save time. A model failing this check must never be served.
type IntegrityError struct {
	ModelType string
	Version   string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s/%s: stored hash %s, computed %s",
		e.ModelType, e.Version, e.Expected, e.Actual)
}
