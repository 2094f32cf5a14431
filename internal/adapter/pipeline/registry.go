package pipeline

import (
	"log/slog"

	"github.com/cwygoda/oneclick/internal/config"
	"github.com/cwygoda/oneclick/internal/domain"
)

// Registry holds registered pipelines.
type Registry struct {
	pipelines []domain.Pipeline
}

// NewRegistry creates a new pipeline registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// FromConfig builds a registry with one CommandPipeline per configured
// entry, in order.
func FromConfig(pcs []config.PipelineConfig, outputDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry()
	for _, pc := range pcs {
		p, err := NewCommandPipeline(pc, outputDir, logger)
		if err != nil {
			return nil, err
		}
		r.Register(p)
		logger.Info("pipeline registered", "pipeline", p.Name(), "pattern", pc.Pattern, "output_dir", p.OutputDir())
	}
	return r, nil
}

// Register adds a pipeline to the registry.
func (r *Registry) Register(p domain.Pipeline) {
	r.pipelines = append(r.pipelines, p)
}

// Match returns the first pipeline that accepts the input location, or nil.
func (r *Registry) Match(inputLocation string) domain.Pipeline {
	for _, p := range r.pipelines {
		if p.Match(inputLocation) {
			return p
		}
	}
	return nil
}

// Pipelines returns all registered pipelines.
func (r *Registry) Pipelines() []domain.Pipeline {
	return r.pipelines
}
