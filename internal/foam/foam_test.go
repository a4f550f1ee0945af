package foam

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/flowgen/internal/workspace"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

// fakeRunner records invocations and lets a test script their effects.
type fakeRunner struct {
	calls []string
	exit  map[string]int
	err   map[string]error
	// effect runs in the workspace for a tool before it "exits".
	effect map[string]func(dir string) error
}

func (f *fakeRunner) Run(_ context.Context, dir, tool, line string) (Result, error) {
	f.calls = append(f.calls, tool+": "+line)
	if err := f.err[tool]; err != nil {
		return Result{Tool: tool}, err
	}
	if fn := f.effect[tool]; fn != nil {
		if err := fn(dir); err != nil {
			return Result{Tool: tool, ExitCode: 1, Stderr: err.Error()}, nil
		}
	}
	return Result{Tool: tool, ExitCode: f.exit[tool], Stderr: "boom\nlast words"}, nil
}

const boundaryDict = `FoamFile { class polyBoundaryMesh; }
4
(
    front
    {
        type            patch;
        nFaces          10;
    }
    back
    {
        type            patch;
    }
    inlet
    {
        type            patch;
    }
    aerofoil
    {
        type            patch;
        inGroups        List<word> 1(patch);
    }
)
`

func newCase(t *testing.T) *workspace.Workspace {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, GeoTemplateFile), []byte("// points\nPOINTS\nSpline(1) = {1000:LAST_POINT_INDEX,1000};\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, VelocityTemplateFile), []byte("internalField uniform (VEL_X VEL_Y 0);\n"), 0o644))
	return &workspace.Workspace{JobID: "job-0000001", Dir: dir, Slot: 0}
}

func writeBoundary(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "constant", "polyMesh"), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, BoundaryFile), []byte(boundaryDict), 0o644)
}

func square() []Point {
	return []Point{{1, 0}, {0.5, 0.1}, {0, 0}, {0.5, -0.1}}
}

func TestCloseLoopDropsDuplicateEndpoint(t *testing.T) {
	pts := append(square(), Point{1 + 5e-7, -5e-7})
	out, dedup := CloseLoop(pts)
	assert.True(t, dedup)
	assert.Len(t, out, 4)

	pts = append(square(), Point{1 + 2e-6, 0})
	out, dedup = CloseLoop(pts)
	assert.False(t, dedup)
	assert.Len(t, out, 5)
}

func TestRenderGeo(t *testing.T) {
	got := RenderGeo("POINTS\nLast = LAST_POINT_INDEX;\n", []Point{{1, 0}, {0.25, -0.0625}})
	want := "Point(1000) = { 1, 0, 0.00000000, 0.005};\n" +
		"Point(1001) = { 0.25, -0.0625, 0.00000000, 0.005};\n" +
		"\nLast = 1001;\n"
	assert.Equal(t, want, got)
}

func TestRenderGeoKeepsFullPrecision(t *testing.T) {
	in := []Point{{0.123456789012345, -0.0000123456789}, {0.99999999999, 1e-9}}
	got := RenderGeo("POINTS", in)

	lines := strings.Split(strings.TrimSpace(got), "\n")
	require.Len(t, lines, len(in))
	for n, line := range lines {
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == '{' || r == ',' || r == '}' })
		require.GreaterOrEqual(t, len(fields), 3, line)
		x, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		require.NoError(t, err)
		y, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		require.NoError(t, err)
		assert.Equal(t, in[n], Point{x, y}, line)
	}
}

func TestLoadGeometrySkipsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "naca0012.dat")
	require.NoError(t, os.WriteFile(path, []byte("NACA 0012\n1.0 0.0\n\n 0.5  0.06\n0.0 0.0\n"), 0o644))

	pts, err := LoadGeometry(path)
	require.NoError(t, err)
	assert.Equal(t, []Point{{1, 0}, {0.5, 0.06}, {0, 0}}, pts)
	assert.Equal(t, "naca0012", GeometryName(path))
}

func TestLoadGeometryRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.dat")
	require.NoError(t, os.WriteFile(path, []byte("title\n1.0 abc\n"), 0o644))
	_, err := LoadGeometry(path)
	assert.ErrorIs(t, err, api.ErrGeometry)
}

func TestLoadGeometrySet(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.dat", "a.dat", ".hidden"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	files, err := LoadGeometrySet(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.dat"), filepath.Join(dir, "b.dat")}, files)

	_, err = LoadGeometrySet(t.TempDir())
	assert.Error(t, err)
}

func TestPatchBoundary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeBoundary(dir))
	require.NoError(t, PatchBoundary(filepath.Join(dir, BoundaryFile)))

	data, err := os.ReadFile(filepath.Join(dir, BoundaryFile))
	require.NoError(t, err)
	got := string(data)
	assert.Equal(t, 2, strings.Count(got, "type            empty;"))
	assert.Equal(t, 1, strings.Count(got, "type            wall;"))
	assert.Contains(t, got, "inlet\n    {\n        type            patch;")
	// Only the type line is rewritten inside the airfoil block.
	assert.Contains(t, got, "1(patch);")
}

func TestStageRunsToolsAndPatches(t *testing.T) {
	ws := newCase(t)
	runner := &fakeRunner{effect: map[string]func(string) error{"converter": writeBoundary}}
	s := &Stager{Runner: runner, Mesher: "gmsh airfoil.geo -3", Converter: "gmshToFoam airfoil.msh"}

	pts := append(square(), square()[0])
	desc, err := s.Stage(context.Background(), pts, ws)
	require.NoError(t, err)
	assert.Equal(t, 4, desc.Points)
	assert.True(t, desc.Deduplicated)
	assert.Equal(t, []string{"mesher: gmsh airfoil.geo -3", "converter: gmshToFoam airfoil.msh"}, runner.calls)

	geo, err := os.ReadFile(ws.Path(GeoFile))
	require.NoError(t, err)
	assert.Contains(t, string(geo), "Point(1003)")
	assert.Contains(t, string(geo), "{1000:1003,1000}")

	boundary, err := os.ReadFile(ws.Path(BoundaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(boundary), "wall")
}

func TestStageFailures(t *testing.T) {
	ws := newCase(t)
	s := &Stager{Runner: &fakeRunner{}, Mesher: "gmsh", Converter: "gmshToFoam"}
	_, err := s.Stage(context.Background(), square()[:2], ws)
	assert.ErrorIs(t, err, api.ErrGeometry)

	s.Runner = &fakeRunner{exit: map[string]int{"mesher": 1}}
	_, err = s.Stage(context.Background(), square(), ws)
	assert.ErrorIs(t, err, api.ErrGeometry)
	assert.Contains(t, err.Error(), "last words")

	// The converter succeeding without a boundary file is still a staging failure.
	s.Runner = &fakeRunner{}
	_, err = s.Stage(context.Background(), square(), ws)
	assert.ErrorIs(t, err, api.ErrGeometry)
}

func TestSolveWritesVelocityAndFindsSample(t *testing.T) {
	ws := newCase(t)
	runner := &fakeRunner{effect: map[string]func(string) error{
		"solver": func(dir string) error {
			p := filepath.Join(dir, filepath.FromSlash(DefaultSampleFile))
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			return os.WriteFile(p, []byte("0 0 0 1 2 3 0\n"), 0o644)
		},
	}}
	s := &Solver{Runner: runner, Clean: "./Allclean", Solver: "simpleFoam"}
	spec := api.JobSpec{Index: 1, InflowX: 12.5, InflowY: -3.25}

	path, err := s.Solve(context.Background(), spec, ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"clean: ./Allclean", "solver: simpleFoam"}, runner.calls)

	u, err := os.ReadFile(ws.Path(VelocityFile))
	require.NoError(t, err)
	assert.Equal(t, "internalField uniform (12.5 -3.25 0);\n", string(u))

	sample, err := ReadSample(path)
	require.NoError(t, err)
	require.Len(t, sample, 1)
	assert.Equal(t, 1.0, sample[0].Pressure)
}

func TestSolveFailures(t *testing.T) {
	ws := newCase(t)
	s := &Solver{Runner: &fakeRunner{exit: map[string]int{"solver": 3}}, Solver: "simpleFoam"}
	_, err := s.Solve(context.Background(), api.JobSpec{}, ws)
	assert.ErrorIs(t, err, api.ErrSolve)

	s.Runner = &fakeRunner{}
	_, err = s.Solve(context.Background(), api.JobSpec{}, ws)
	assert.ErrorIs(t, err, api.ErrSolve)
	assert.Contains(t, err.Error(), "no sample")
}

func TestParseSample(t *testing.T) {
	in := "# x y z p U_0 U_1 U_2\n" +
		"-0.5 -1 0 0.1 10 0.5 0\n" +
		"\n" +
		"-0.4 -1 0 0.2 11 0.6 0\n"
	sample, err := ParseSample(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, sample, 2)
	assert.Equal(t, -0.4, sample[1].X)
	assert.Equal(t, 0.2, sample[1].Pressure)
	assert.Equal(t, 11.0, sample[1].VelX)
	assert.Equal(t, 0.6, sample[1].VelY)

	_, err = ParseSample(strings.NewReader("1 2 3\n"))
	assert.ErrorIs(t, err, api.ErrSolve)
}

func TestExecRunner(t *testing.T) {
	dir := t.TempDir()
	r := &ExecRunner{}

	res, err := r.Run(context.Background(), dir, "ok", `sh -c "echo hello; echo warn >&2"`)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "warn\n", res.Stderr)
	logged, err := os.ReadFile(filepath.Join(dir, "log.ok"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), "hello")

	res, err = r.Run(context.Background(), dir, "fail", `sh -c "exit 7"`)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)

	_, err = r.Run(context.Background(), dir, "missing", "definitely-not-a-real-tool-xyz")
	assert.Error(t, err)

	_, err = r.Run(context.Background(), dir, "empty", "  ")
	assert.Error(t, err)
}

func TestExecRunnerTimeoutKillsGroup(t *testing.T) {
	r := &ExecRunner{Timeout: 100 * time.Millisecond, Grace: 100 * time.Millisecond}
	start := time.Now()
	_, err := r.Run(context.Background(), t.TempDir(), "sleeper", `sh -c "trap '' TERM; sleep 30"`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecRunnerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := (&ExecRunner{Grace: time.Second}).Run(ctx, t.TempDir(), "sleeper", "sleep 30")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	var b tailBuffer
	_, _ = b.Write([]byte(strings.Repeat("a", maxStderrBytes)))
	_, _ = b.Write([]byte("tail"))
	assert.Len(t, b.String(), maxStderrBytes)
	assert.True(t, strings.HasSuffix(b.String(), "tail"))
}
