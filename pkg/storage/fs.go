package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/motorbay/retrainer/pkg/mlmodel"
)

var modelTypeRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,62}[a-zA-Z0-9])?$`)

// registryDoc is the single JSON document persisted as registry.json.
type registryDoc struct {
	Models    map[string][]ModelVersion `json:"models"`
	Promoted  map[string]string         `json:"promoted,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// FSStore implements Store over a directory tree:
//
//	<base>/registry.json
//	<base>/models/<type>/<version>.model
//	<base>/models/<type>/<version>.meta.json
//	<base>/backups/<type>/<version>-<stamp>/
//
// Registry mutations are read-modify-write under a process-wide mutex and the
// registry file is replaced atomically via temp-file rename. Cross-process
// writers still need external coordination (see pkg/lease).
type FSStore struct {
	mu      sync.Mutex
	baseDir string
	logger  *slog.Logger
}

// NewFSStore creates a filesystem-backed model store rooted at baseDir.
func NewFSStore(baseDir string, logger *slog.Logger) (*FSStore, error) {
	if baseDir == "" {
		return nil, errors.New("storage: base directory required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "models"), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FSStore{baseDir: baseDir, logger: logger}, nil
}

// SaveModel serializes the artifact, hashes it, writes the artifact plus a
// metadata side file, and appends a registry entry sorted newest-first.
func (s *FSStore) SaveModel(ctx context.Context, m mlmodel.Model, opts SaveOptions) (*ModelVersion, error) {
	if err := validateModelType(opts.ModelType); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := m.Marshal()
	if err != nil {
		return nil, fmt.Errorf("serialize model: %w", err)
	}

	sum := sha256.Sum256(data)
	now := time.Now().UTC()

	entry := ModelVersion{
		ModelType: opts.ModelType,
		Version:   ulid.Make().String(),
		CreatedAt: now,
		CreatedBy: opts.CreatedBy,
		FileSize:  int64(len(data)),
		FileHash:  hex.EncodeToString(sum[:]),

		TrainingRows: opts.TrainingRows,
		Metrics:      opts.Metrics,
		Attrs: ModelAttributes{
			Algorithm:    m.Name(),
			TaskKind:     opts.TaskKind,
			FeatureCount: len(opts.Features),
			Features:     opts.Features,
			Hyper:        opts.Hyper,
		},
	}

	dir := s.modelDir(opts.ModelType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model directory: %w", err)
	}

	entry.FilePath = s.artifactPath(opts.ModelType, entry.Version)
	if err := os.WriteFile(entry.FilePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write model artifact: %w", err)
	}

	metaData, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(opts.ModelType, entry.Version), metaData, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata side file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.readRegistry()
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	reg.Models[opts.ModelType] = append(reg.Models[opts.ModelType], entry)
	sortVersionsDesc(reg.Models[opts.ModelType])

	if err := s.writeRegistry(reg); err != nil {
		return nil, fmt.Errorf("update registry: %w", err)
	}

	s.logger.Info("saved model version",
		"model_type", opts.ModelType,
		"version", entry.Version,
		"algorithm", entry.Attrs.Algorithm,
		"size_bytes", entry.FileSize,
	)

	return &entry, nil
}

// LoadModel resolves a version selector, verifies the artifact hash against
// the stored hash, and deserializes the model. The selector may be an exact
// version, VersionLatest, or VersionPromoted. A hash mismatch returns
// *IntegrityError and the model is never deserialized.
func (s *FSStore) LoadModel(ctx context.Context, modelType, version string) (mlmodel.Model, *ModelVersion, error) {
	if err := validateModelType(modelType); err != nil {
		return nil, nil, err
	}
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	entry, err := s.resolveVersion(modelType, version)
	if err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("registry references %s/%s but artifact file is missing (corrupt store): %w",
				modelType, entry.Version, err)
		}
		return nil, nil, fmt.Errorf("read model artifact: %w", err)
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != entry.FileHash {
		return nil, nil, &IntegrityError{
			ModelType: modelType,
			Version:   entry.Version,
			Expected:  entry.FileHash,
			Actual:    actual,
		}
	}

	m, err := mlmodel.Unmarshal(entry.Attrs.Algorithm, data)
	if err != nil {
		return nil, nil, fmt.Errorf("deserialize model: %w", err)
	}

	return m, entry, nil
}

// resolveVersion maps a version selector to a registry entry.
func (s *FSStore) resolveVersion(modelType, version string) (*ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.readRegistry()
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	versions := reg.Models[modelType]

	switch version {
	case VersionPromoted:
		if promoted, ok := reg.Promoted[modelType]; ok {
			for i := range versions {
				if versions[i].Version == promoted {
					return &versions[i], nil
				}
			}
			s.logger.Warn("promoted version missing from registry, falling back to latest",
				"model_type", modelType, "promoted", promoted)
		}
		fallthrough

	case VersionLatest, "":
		if len(versions) > 0 {
			return &versions[0], nil
		}
		// Degraded fallback: the registry has no entries but metadata
		// side files may still exist on disk. The registry remains the
		// source of truth; a mtime scan only rescues a wiped registry.
		entry, err := s.scanNewestMeta(modelType)
		if err != nil {
			return nil, err
		}
		s.logger.Warn("registry empty, resolved latest via file scan",
			"model_type", modelType, "version", entry.Version)
		return entry, nil

	default:
		for i := range versions {
			if versions[i].Version == version {
				return &versions[i], nil
			}
		}
		return nil, fmt.Errorf("%s/%s: %w", modelType, version, ErrNotFound)
	}
}

// scanNewestMeta finds the newest metadata side file by modification time.
func (s *FSStore) scanNewestMeta(modelType string) (*ModelVersion, error) {
	pattern := filepath.Join(s.modelDir(modelType), "*.meta.json")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("%s: %w", modelType, ErrNotFound)
	}

	newest := ""
	var newestMod time.Time
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return nil, fmt.Errorf("%s: %w", modelType, ErrNotFound)
	}

	data, err := os.ReadFile(newest)
	if err != nil {
		return nil, fmt.Errorf("read metadata side file: %w", err)
	}
	var entry ModelVersion
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode metadata side file: %w", err)
	}
	return &entry, nil
}

// ListModels returns version summaries sorted newest-first. With an empty
// modelType every type's versions are returned. Registry read failures
// degrade to an empty slice.
func (s *FSStore) ListModels(modelType string) []ModelVersion {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.readRegistry()
	if err != nil {
		s.logger.Error("list models: registry unreadable", "error", err)
		return nil
	}

	if modelType != "" {
		return append([]ModelVersion(nil), reg.Models[modelType]...)
	}

	var all []ModelVersion
	for _, versions := range reg.Models {
		all = append(all, versions...)
	}
	sortVersionsDesc(all)
	return all
}

// DeleteModel removes the artifact and metadata files, then the registry
// entry. The registry entry is removed even when file removal fails, so the
// registry never references a file known to be gone.
func (s *FSStore) DeleteModel(ctx context.Context, modelType, version string) (bool, error) {
	if err := validateModelType(modelType); err != nil {
		return false, err
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(modelType, version)
}

func (s *FSStore) deleteLocked(modelType, version string) (bool, error) {
	reg, err := s.readRegistry()
	if err != nil {
		return false, fmt.Errorf("read registry: %w", err)
	}

	versions := reg.Models[modelType]
	idx := -1
	for i := range versions {
		if versions[i].Version == version {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	for _, path := range []string{versions[idx].FilePath, s.metaPath(modelType, version)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Error("file removal failed during delete, removing registry entry anyway",
				"model_type", modelType, "version", version, "path", path, "error", err)
		}
	}

	reg.Models[modelType] = append(versions[:idx], versions[idx+1:]...)
	if len(reg.Models[modelType]) == 0 {
		delete(reg.Models, modelType)
	}
	if reg.Promoted[modelType] == version {
		delete(reg.Promoted, modelType)
		s.logger.Warn("deleted the promoted version, promotion pointer cleared",
			"model_type", modelType, "version", version)
	}

	if err := s.writeRegistry(reg); err != nil {
		return false, fmt.Errorf("update registry: %w", err)
	}

	s.logger.Info("deleted model version", "model_type", modelType, "version", version)
	return true, nil
}

// CleanupOldModels deletes every version beyond the retention count, keeping
// the most recent ones and never touching the promoted version. Idempotent:
// a second call with nothing left to delete returns 0.
func (s *FSStore) CleanupOldModels(ctx context.Context, modelType string, keep int) (int, error) {
	if err := validateModelType(modelType); err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.readRegistry()
	if err != nil {
		return 0, fmt.Errorf("read registry: %w", err)
	}

	versions := append([]ModelVersion(nil), reg.Models[modelType]...)
	if len(versions) <= keep {
		return 0, nil
	}

	promoted := reg.Promoted[modelType]
	deleted := 0
	for _, v := range versions[keep:] {
		select {
		case <-ctx.Done():
			return deleted, ctx.Err()
		default:
		}
		if v.Version == promoted {
			s.logger.Info("retention skipped the promoted version",
				"model_type", modelType, "version", v.Version)
			continue
		}
		if _, err := s.deleteLocked(modelType, v.Version); err != nil {
			return deleted, err
		}
		deleted++
	}

	return deleted, nil
}

// CreateBackup copies the artifact and metadata files for one version into a
// dated backup directory and writes a manifest. Used before risky retraining
// so a previous-good model can be restored by hand.
func (s *FSStore) CreateBackup(ctx context.Context, modelType, version string) (string, error) {
	if err := validateModelType(modelType); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	entry, err := s.resolveVersion(modelType, version)
	if err != nil {
		return "", err
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	backupDir := filepath.Join(s.baseDir, "backups", modelType, fmt.Sprintf("%s-%s", entry.Version, stamp))
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	type manifestFile struct {
		Name   string `json:"name"`
		Size   int64  `json:"size"`
		SHA256 string `json:"sha256"`
	}
	manifest := struct {
		ModelType  string         `json:"model_type"`
		Version    string         `json:"version"`
		BackedUpAt time.Time      `json:"backed_up_at"`
		Files      []manifestFile `json:"files"`
	}{
		ModelType:  modelType,
		Version:    entry.Version,
		BackedUpAt: time.Now().UTC(),
	}

	sources := []string{entry.FilePath, s.metaPath(modelType, entry.Version)}
	for _, src := range sources {
		dst := filepath.Join(backupDir, filepath.Base(src))
		size, sum, err := copyFileHashed(src, dst)
		if err != nil {
			return "", fmt.Errorf("backup %s: %w", filepath.Base(src), err)
		}
		manifest.Files = append(manifest.Files, manifestFile{
			Name:   filepath.Base(src),
			Size:   size,
			SHA256: sum,
		})
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(backupDir, "manifest.json"), manifestData, 0o644); err != nil {
		return "", fmt.Errorf("write backup manifest: %w", err)
	}

	s.logger.Info("created model backup", "model_type", modelType, "version", entry.Version, "dir", backupDir)
	return backupDir, nil
}

// SetPromoted points the promotion pointer at an existing version.
func (s *FSStore) SetPromoted(modelType, version string) error {
	if err := validateModelType(modelType); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.readRegistry()
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}

	found := false
	for _, v := range reg.Models[modelType] {
		if v.Version == version {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%s/%s: %w", modelType, version, ErrNotFound)
	}

	reg.Promoted[modelType] = version
	if err := s.writeRegistry(reg); err != nil {
		return fmt.Errorf("update registry: %w", err)
	}

	s.logger.Info("promoted model version", "model_type", modelType, "version", version)
	return nil
}

// Promoted returns the promotion pointer for a model type, if set.
func (s *FSStore) Promoted(modelType string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.readRegistry()
	if err != nil {
		return "", false
	}
	v, ok := reg.Promoted[modelType]
	return v, ok
}

func (s *FSStore) modelDir(modelType string) string {
	return filepath.Join(s.baseDir, "models", modelType)
}

func (s *FSStore) artifactPath(modelType, version string) string {
	return filepath.Join(s.modelDir(modelType), version+".model")
}

func (s *FSStore) metaPath(modelType, version string) string {
	return filepath.Join(s.modelDir(modelType), version+".meta.json")
}

func (s *FSStore) registryPath() string {
	return filepath.Join(s.baseDir, "registry.json")
}

// readRegistry loads registry.json. Callers must hold s.mu.
func (s *FSStore) readRegistry() (*registryDoc, error) {
	reg := &registryDoc{
		Models:   make(map[string][]ModelVersion),
		Promoted: make(map[string]string),
	}

	data, err := os.ReadFile(s.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("decode registry.json: %w", err)
	}
	if reg.Models == nil {
		reg.Models = make(map[string][]ModelVersion)
	}
	if reg.Promoted == nil {
		reg.Promoted = make(map[string]string)
	}
	return reg, nil
}

// writeRegistry persists registry.json atomically. Callers must hold s.mu.
func (s *FSStore) writeRegistry(reg *registryDoc) error {
	reg.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.registryPath())
}

func sortVersionsDesc(versions []ModelVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		if !versions[i].CreatedAt.Equal(versions[j].CreatedAt) {
			return versions[i].CreatedAt.After(versions[j].CreatedAt)
		}
		// ULIDs are time-ordered, so the lexically larger one is newer.
		return versions[i].Version > versions[j].Version
	})
}

func validateModelType(modelType string) error {
	if modelType == "" {
		return errors.New("model type required")
	}
	if !modelTypeRegex.MatchString(modelType) {
		return fmt.Errorf("invalid model type %q: only alphanumeric, hyphens, and underscores allowed", modelType)
	}
	return nil
}

// copyFileHashed copies src to dst and returns the byte count and SHA-256.
func copyFileHashed(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}
	defer out.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
