// Package pipelines loads a repository's pipeline file. The file is read
// from the working directory on every call; nothing is cached, so edits
// between runs are always picked up.
package pipelines

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
	"tangled.sh/dcicd/dcicd/models"
)

var (
	ErrConfigMissing    = errors.New("no pipeline configuration found")
	ErrConfigInvalid    = errors.New("invalid pipeline configuration")
	ErrPipelineNotFound = errors.New("unknown pipeline")
)

type Store struct {
	dir  string
	file string
}

// New returns a store reading file (relative) from dir.
func New(dir, file string) *Store {
	return &Store{dir: dir, file: file}
}

func (s *Store) Dir() string {
	return s.dir
}

// candidates lists the configured file first, then the same name with
// the other supported extensions.
func (s *Store) candidates() []string {
	ext := filepath.Ext(s.file)
	stem := strings.TrimSuffix(s.file, ext)

	files := []string{s.file}
	for _, e := range []string{".toml", ".yml", ".yaml"} {
		if e != ext {
			files = append(files, stem+e)
		}
	}
	return files
}

// Load parses the first pipeline file found in the working directory.
func (s *Store) Load() (models.PipelineSet, error) {
	for _, f := range s.candidates() {
		path, err := securejoin.SecureJoin(s.dir, f)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigMissing, err)
		}

		contents, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", ErrConfigMissing, f, err)
		}

		return Parse(f, contents)
	}

	return nil, fmt.Errorf("%w: %s", ErrConfigMissing, s.file)
}

// Lookup loads the pipeline file and returns the named pipeline.
func (s *Store) Lookup(pipeline string) (models.Pipeline, error) {
	set, err := s.Load()
	if err != nil {
		return models.Pipeline{}, err
	}

	p, ok := set.Get(pipeline)
	if !ok {
		return models.Pipeline{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, pipeline)
	}
	return p, nil
}

// Names returns the sorted pipeline names in the current checkout.
func (s *Store) Names() ([]string, error) {
	set, err := s.Load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

// Parse decodes a pipeline file; the format is picked from the file
// extension, defaulting to toml.
func Parse(file string, contents []byte) (models.PipelineSet, error) {
	set := models.PipelineSet{}

	switch filepath.Ext(file) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(contents, &set); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, file, err)
		}
	default:
		if _, err := toml.Decode(string(contents), &set); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, file, err)
		}
	}

	for n, p := range set {
		if err := validate(n, p); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, file, err)
		}
		p.Name = n
		set[n] = p
	}

	return set, nil
}

func validate(pipeline string, p models.Pipeline) error {
	if pipeline == "" {
		return errors.New("pipeline with empty name")
	}
	if p.Container == "" {
		return fmt.Errorf("pipeline %q: missing container", pipeline)
	}
	if _, err := name.ParseReference(p.Container); err != nil {
		return fmt.Errorf("pipeline %q: bad container %q: %w", pipeline, p.Container, err)
	}
	if p.Script == nil {
		return fmt.Errorf("pipeline %q: missing script", pipeline)
	}
	for _, a := range p.Artifacts {
		if !filepath.IsLocal(a) {
			return fmt.Errorf("pipeline %q: artifact %q escapes the repository", pipeline, a)
		}
	}
	return nil
}
