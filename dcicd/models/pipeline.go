package models

// Pipeline is a single named job from a repository's pipeline file.
type Pipeline struct {
	Name      string   `toml:"-" yaml:"-" json:"name"`
	Container string   `toml:"container" yaml:"container" json:"container"`
	Script    []string `toml:"script" yaml:"script" json:"script"`
	Artifacts []string `toml:"artifacts,omitempty" yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// PipelineSet maps pipeline names to their definitions, as parsed from
// one pipeline file.
type PipelineSet map[string]Pipeline

func (ps PipelineSet) Get(name string) (Pipeline, bool) {
	p, ok := ps[name]
	if !ok {
		return Pipeline{}, false
	}
	p.Name = name
	return p, true
}
