package foam

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/flowgen/internal/workspace"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

// BoundaryFile is the polyMesh boundary dictionary written by the converter.
var BoundaryFile = filepath.Join("constant", "polyMesh", "boundary")

// MeshDescriptor describes a staged mesh.
type MeshDescriptor struct {
	GeoFile      string
	Points       int
	Deduplicated bool
}

// Stager turns an airfoil outline into a solver mesh inside a workspace.
type Stager struct {
	Runner Runner
	// Mesher and Converter are command lines run with the workspace as cwd.
	Mesher    string
	Converter string
}

// Stage renders the gmsh input, runs the mesher and converter, and patches
// the boundary types for a 2D case.
func (s *Stager) Stage(ctx context.Context, points []Point, ws *workspace.Workspace) (MeshDescriptor, error) {
	var desc MeshDescriptor
	if len(points) < 3 {
		return desc, api.GeometryErrorf("outline has %d points, need at least 3", len(points))
	}
	points, dedup := CloseLoop(points)
	if len(points) < 3 {
		return desc, api.GeometryErrorf("closed outline has %d points, need at least 3", len(points))
	}

	tmpl, err := os.ReadFile(ws.Path(GeoTemplateFile))
	if err != nil {
		return desc, api.IOErrorf("read %s: %w", GeoTemplateFile, err)
	}
	geo := ws.Path(GeoFile)
	if err := os.WriteFile(geo, []byte(RenderGeo(string(tmpl), points)), 0o644); err != nil {
		return desc, api.IOErrorf("write %s: %w", GeoFile, err)
	}
	desc = MeshDescriptor{GeoFile: geo, Points: len(points), Deduplicated: dedup}

	for _, step := range []struct{ tool, line string }{
		{"mesher", s.Mesher},
		{"converter", s.Converter},
	} {
		res, err := s.Runner.Run(ctx, ws.Dir, step.tool, step.line)
		if err != nil {
			if ctx.Err() != nil {
				return desc, err
			}
			return desc, api.GeometryErrorf("%s: %w", step.tool, err)
		}
		if !res.OK() {
			return desc, api.GeometryErrorf("%s exited with code %d: %s", step.tool, res.ExitCode, lastLine(res.Stderr))
		}
	}

	if err := PatchBoundary(ws.Path(BoundaryFile)); err != nil {
		return desc, api.GeometryErrorf("patch boundary: %w", err)
	}
	log.Debug().Str("job", ws.JobID).Int("points", desc.Points).Bool("deduplicated", dedup).Msg("mesh staged")
	return desc, nil
}

// PatchBoundary marks the front and back patches as empty and the airfoil
// patch as a wall. Only the first type line after each patch name changes.
func PatchBoundary(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var (
		out       strings.Builder
		inPlanar  bool
		inAirfoil bool
	)
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "front") || strings.Contains(line, "back"):
			inPlanar = true
		case strings.Contains(line, "aerofoil"):
			inAirfoil = true
		}
		if inPlanar && strings.Contains(line, "type") {
			line = strings.ReplaceAll(line, "patch", "empty")
			inPlanar = false
		}
		if inAirfoil && strings.Contains(line, "type") {
			line = strings.ReplaceAll(line, "patch", "wall")
			inAirfoil = false
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	if s == "" {
		return "no stderr output"
	}
	return s
}
