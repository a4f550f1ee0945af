package foam

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/flowgen/internal/workspace"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

const (
	VelocityTemplateFile = "U_template"
	DefaultSampleFile    = "postProcessing/internalCloud/500/cloud_p_U.xy"
)

// VelocityFile is the initial velocity field the solver reads.
var VelocityFile = filepath.Join("0", "U")

// Solver injects the freestream into a staged case and runs the solver.
type Solver struct {
	Runner Runner
	// Clean is optional and runs before the solver.
	Clean  string
	Solver string
	// SampleFile is the solver's point sample, relative to the workspace.
	SampleFile string
}

// RenderVelocity fills the VEL_X and VEL_Y placeholders.
func RenderVelocity(template string, spec api.JobSpec) string {
	r := strings.NewReplacer(
		"VEL_X", fmt.Sprintf("%.16g", spec.InflowX),
		"VEL_Y", fmt.Sprintf("%.16g", spec.InflowY),
	)
	return r.Replace(template)
}

// Solve writes 0/U, runs the clean and solver commands, and returns the path
// of the point sample. A missing sample is a solve failure.
func (s *Solver) Solve(ctx context.Context, spec api.JobSpec, ws *workspace.Workspace) (string, error) {
	tmpl, err := os.ReadFile(ws.Path(VelocityTemplateFile))
	if err != nil {
		return "", api.IOErrorf("read %s: %w", VelocityTemplateFile, err)
	}
	if err := os.MkdirAll(filepath.Dir(ws.Path(VelocityFile)), 0o755); err != nil {
		return "", api.IOErrorf("create initial condition directory: %w", err)
	}
	if err := os.WriteFile(ws.Path(VelocityFile), []byte(RenderVelocity(string(tmpl), spec)), 0o644); err != nil {
		return "", api.IOErrorf("write %s: %w", VelocityFile, err)
	}

	steps := []struct{ tool, line string }{{"solver", s.Solver}}
	if strings.TrimSpace(s.Clean) != "" {
		steps = append([]struct{ tool, line string }{{"clean", s.Clean}}, steps...)
	}
	for _, step := range steps {
		res, err := s.Runner.Run(ctx, ws.Dir, step.tool, step.line)
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			return "", api.SolveErrorf("%s: %w", step.tool, err)
		}
		if !res.OK() {
			return "", api.SolveErrorf("%s exited with code %d: %s", step.tool, res.ExitCode, lastLine(res.Stderr))
		}
		log.Debug().Str("job", ws.JobID).Str("tool", step.tool).Dur("duration", res.Duration).Msg("tool done")
	}

	sampleFile := s.SampleFile
	if sampleFile == "" {
		sampleFile = DefaultSampleFile
	}
	path := ws.Path(filepath.FromSlash(sampleFile))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", api.SolveErrorf("solver produced no sample at %s", sampleFile)
		}
		return "", api.IOErrorf("stat sample: %w", err)
	}
	return path, nil
}
