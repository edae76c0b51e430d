package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

// TaxonomyFile implements ports.TaxonomyStore as a JSON object mapping
// category name to a list of role ids.
type TaxonomyFile struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewTaxonomyFile creates a store backed by the file at path. The file and
// its directory are created on first Save.
func NewTaxonomyFile(path string, logger *zap.Logger) *TaxonomyFile {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaxonomyFile{path: path, logger: logger.Named("taxonomy_file")}
}

// Path returns the backing file path.
func (f *TaxonomyFile) Path() string { return f.path }

// Load reads the mapping. An absent file, or one that is not a JSON
// object, reports not built. Entries that are not integer ids are skipped.
func (f *TaxonomyFile) Load(ctx context.Context) (map[string][]domain.RoleID, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.logger.Info("categorized roles file not found", zap.String("path", f.path))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read categorized roles: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		f.logger.Warn("categorized roles file is not a JSON object", zap.String("path", f.path), zap.Error(err))
		return nil, false, nil
	}

	out := make(map[string][]domain.RoleID, len(raw))
	for category, value := range raw {
		list, ok := value.([]any)
		if !ok {
			f.logger.Warn("category does not hold a list of ids", zap.String("category", category))
			continue
		}
		ids := make([]domain.RoleID, 0, len(list))
		for _, item := range list {
			n, ok := item.(json.Number)
			if !ok {
				f.logger.Warn("skipping invalid role id", zap.String("category", category), zap.Any("value", item))
				continue
			}
			id, err := domain.ParseRoleID(n.String())
			if err != nil {
				f.logger.Warn("skipping invalid role id", zap.String("category", category), zap.Error(err))
				continue
			}
			ids = append(ids, id)
		}
		out[category] = ids
	}
	return out, true, nil
}

// Save writes the mapping atomically: a temp file in the same directory is
// renamed over the previous one.
func (f *TaxonomyFile) Save(ctx context.Context, categories map[string][]domain.RoleID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	data, err := marshalCategories(categories)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write categorized roles: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync categorized roles: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close categorized roles: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace categorized roles: %w", err)
	}

	f.logger.Info("saved categorized roles", zap.String("path", f.path), zap.Int("categories", len(categories)))
	return nil
}

// marshalCategories writes ids as JSON integers, indented like the files
// operators already keep.
func marshalCategories(categories map[string][]domain.RoleID) ([]byte, error) {
	out := make(map[string][]json.Number, len(categories))
	for category, ids := range categories {
		nums := make([]json.Number, len(ids))
		for i, id := range ids {
			nums[i] = json.Number(strconv.FormatInt(int64(id), 10))
		}
		out[category] = nums
	}
	data, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode categorized roles: %w", err)
	}
	return append(data, '\n'), nil
}

var _ ports.TaxonomyStore = (*TaxonomyFile)(nil)
