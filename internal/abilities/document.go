package abilities

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// LoadAbilities reads and validates a Caldera abilities document.
func LoadAbilities(path string) (*Set, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abilities document: %w", err)
	}
	return ParseAbilities(content)
}

// ParseAbilities validates raw YAML and builds a Set from it.
func ParseAbilities(content []byte) (*Set, error) {
	abilitySchema, _, err := compiledSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile abilities schema: %w", err)
	}
	if err := validateDocument(content, abilitySchema); err != nil {
		return nil, fmt.Errorf("invalid abilities document: %w", err)
	}
	var list []schemas.Ability
	if err := yaml.Unmarshal(content, &list); err != nil {
		return nil, fmt.Errorf("decode abilities document: %w", err)
	}
	return NewSet(list)
}

// SaveAbilities atomically writes the set to path, keeping a .bak of the previous file.
func SaveAbilities(path string, set *Set) error {
	return writeYAMLAtomic(path, set.List())
}

// LoadAdversaries reads and validates a Caldera adversaries document.
func LoadAdversaries(path string) ([]schemas.Adversary, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read adversaries document: %w", err)
	}
	_, adversarySchema, err := compiledSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile adversaries schema: %w", err)
	}
	if err := validateDocument(content, adversarySchema); err != nil {
		return nil, fmt.Errorf("invalid adversaries document: %w", err)
	}
	var list []schemas.Adversary
	if err := yaml.Unmarshal(content, &list); err != nil {
		return nil, fmt.Errorf("decode adversaries document: %w", err)
	}
	return list, nil
}

// FileStore persists the ability set of a session to a fixed path.
type FileStore struct {
	Path string
}

// NewFileStore returns a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// SaveAbilities implements the ability persister used by the correction engine.
func (f *FileStore) SaveAbilities(ctx context.Context, set *Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return SaveAbilities(f.Path, set)
}

// UploadRecord tracks what was last pushed to the platform.
type UploadRecord struct {
	UploadedAt  time.Time `yaml:"uploaded_at"`
	Abilities   []string  `yaml:"abilities"`
	Adversaries []string  `yaml:"adversaries"`
}

// WriteUploadRecord stores rec as uploaded_ids.yml next to the abilities document.
func WriteUploadRecord(dir string, rec UploadRecord) error {
	return writeYAMLAtomic(filepath.Join(dir, "uploaded_ids.yml"), rec)
}

// ReadUploadRecord loads uploaded_ids.yml from dir.
func ReadUploadRecord(dir string) (*UploadRecord, error) {
	content, err := os.ReadFile(filepath.Join(dir, "uploaded_ids.yml"))
	if err != nil {
		return nil, fmt.Errorf("read upload record: %w", err)
	}
	var rec UploadRecord
	if err := yaml.Unmarshal(content, &rec); err != nil {
		return nil, fmt.Errorf("decode upload record: %w", err)
	}
	return &rec, nil
}

// DiscoverAbilitiesPath maps an adversary id of the form "<prefix>-<version>"
// to "<baseDir>/<version>/caldera/abilities.yml". It returns false when the id
// does not carry the prefix or the file does not exist.
func DiscoverAbilitiesPath(adversaryID, prefix, baseDir string) (string, bool) {
	re, err := regexp.Compile("^" + regexp.QuoteMeta(prefix) + "-(.+)$")
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(adversaryID)
	if m == nil {
		return "", false
	}
	path := filepath.Join(baseDir, m[1], "caldera", "abilities.yml")
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}
