// Package pipeline runs the external media pipeline for a job.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cwygoda/oneclick/internal/config"
	"github.com/cwygoda/oneclick/internal/domain"
)

// TranscriptFile is the name a command writes its transcript to. It is
// decoded into the job instead of being published as an output.
const TranscriptFile = "transcript.json"

// ErrNoOutputs is returned when a command exits cleanly without producing
// any file.
var ErrNoOutputs = errors.New("pipeline produced no outputs")

var _ domain.Pipeline = (*CommandPipeline)(nil)

// CommandPipeline runs an external command for matching input locations.
type CommandPipeline struct {
	name      string
	pattern   *regexp.Regexp
	command   string
	args      []string
	outputDir string
	isolate   bool
	logger    *slog.Logger
}

// NewCommandPipeline creates a pipeline from config. Outputs land in
// <outputDir>/<job id>/. Isolation defaults to true.
func NewCommandPipeline(pc config.PipelineConfig, outputDir string, logger *slog.Logger) (*CommandPipeline, error) {
	re, err := regexp.Compile(pc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pc.Pattern, err)
	}
	if pc.Command == "" {
		return nil, fmt.Errorf("pipeline %q: command is required", pc.Name)
	}

	if outputDir == "" {
		outputDir = config.DefaultOutputDir()
	} else {
		outputDir = config.ExpandPath(outputDir)
	}

	isolate := true
	if pc.Isolate != nil {
		isolate = *pc.Isolate
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CommandPipeline{
		name:      pc.Name,
		pattern:   re,
		command:   pc.Command,
		args:      pc.Args,
		outputDir: outputDir,
		isolate:   isolate,
		logger:    logger.With("pipeline", pc.Name),
	}, nil
}

func (p *CommandPipeline) Name() string {
	return p.name
}

// OutputDir is the root under which each job gets its own directory.
func (p *CommandPipeline) OutputDir() string {
	return p.outputDir
}

func (p *CommandPipeline) Match(inputLocation string) bool {
	return p.pattern.MatchString(inputLocation)
}

// Run executes the command for job and returns the published files.
func (p *CommandPipeline) Run(ctx context.Context, job *domain.Job) (domain.PipelineResult, error) {
	jobDir := filepath.Join(p.outputDir, job.ID().String())

	workDir := jobDir
	if p.isolate {
		tempDir, err := os.MkdirTemp("", fmt.Sprintf("oneclick-job-%s-*", job.ID()))
		if err != nil {
			return domain.PipelineResult{}, fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tempDir)
		workDir = tempDir
		p.logger.Debug("running isolated", "job_id", job.ID(), "dir", tempDir)
	} else if err := os.MkdirAll(jobDir, 0755); err != nil {
		return domain.PipelineResult{}, fmt.Errorf("create job dir: %w", err)
	}

	args := p.expand(job, workDir)
	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return domain.PipelineResult{}, fmt.Errorf("%s failed: %w: %s", p.command, err, strings.TrimSpace(string(output)))
	}

	var res domain.PipelineResult
	if res.Transcript, err = readTranscript(filepath.Join(workDir, TranscriptFile)); err != nil {
		return domain.PipelineResult{}, err
	}

	if p.isolate {
		res.Outputs, err = p.moveFiles(job, workDir, jobDir)
	} else {
		res.Outputs, err = listFiles(workDir)
	}
	if err != nil {
		return domain.PipelineResult{}, err
	}
	if len(res.Outputs) == 0 {
		return domain.PipelineResult{}, ErrNoOutputs
	}
	return res, nil
}

// expand substitutes job placeholders into the configured args.
func (p *CommandPipeline) expand(job *domain.Job, workDir string) []string {
	rs := job.RenderSettings()
	r := strings.NewReplacer(
		"{input}", job.InputLocation(),
		"{job_id}", job.ID().String(),
		"{resolution}", rs.Resolution,
		"{format}", rs.Format,
		"{workdir}", workDir,
	)
	args := make([]string, len(p.args))
	for i, arg := range p.args {
		args[i] = r.Replace(arg)
	}
	return args
}

// moveFiles moves produced files into dstDir and returns the destination
// paths. dstDir belongs to one job, so a file left by an earlier run of the
// same job is replaced.
func (p *CommandPipeline) moveFiles(job *domain.Job, srcDir, dstDir string) ([]string, error) {
	names, err := fileNames(srcDir)
	if err != nil {
		return nil, err
	}
	p.logger.Info("pipeline produced files", "job_id", job.ID(), "count", len(names), "files", names)
	if len(names) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return nil, err
	}

	var moved []string
	for _, name := range names {
		src := filepath.Join(srcDir, name)
		dst := filepath.Join(dstDir, name)

		if _, err := os.Stat(dst); err == nil {
			p.logger.Info("replacing output of an earlier run", "job_id", job.ID(), "file", name)
		}

		if err := os.Rename(src, dst); err != nil {
			// Cross-device fallback
			if err := copyFile(src, dst); err != nil {
				return nil, err
			}
			os.Remove(src)
		}
		moved = append(moved, dst)
	}
	return moved, nil
}

// listFiles returns the full paths of the output files in dir.
func listFiles(dir string) ([]string, error) {
	names, err := fileNames(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}

// fileNames lists regular files in dir, excluding the transcript.
func fileNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == TranscriptFile {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func readTranscript(path string) (*domain.Transcript, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var t domain.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	return &t, nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
