package foam

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/3cpo-dev/flowgen/pkg/api"
)

const (
	// ClosureTolerance is the distance under which the last outline point is
	// treated as a repeat of the first.
	ClosureTolerance = 1e-6

	// FirstPointIndex is the gmsh entity number of the first outline point.
	FirstPointIndex = 1000

	pointSize = 0.005

	GeoTemplateFile = "airfoil_template.geo"
	GeoFile         = "airfoil.geo"
	MeshFile        = "airfoil.msh"
)

// Point is one vertex of an airfoil outline.
type Point struct {
	X, Y float64
}

// LoadGeometrySet lists the geometry files in dir sorted by name.
func LoadGeometrySet(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read geometry directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no geometry files in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

// GeometryName is the basename of a geometry file without its extension.
func GeometryName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadGeometry reads an airfoil outline. The first line is a title and is
// skipped; every other non-blank line holds an x and a y coordinate.
func LoadGeometry(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, api.GeometryErrorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var points []Point
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if line == 1 {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, api.GeometryErrorf("%s:%d: want x and y, got %q", filepath.Base(path), line, sc.Text())
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, api.GeometryErrorf("%s:%d: bad x: %w", filepath.Base(path), line, err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, api.GeometryErrorf("%s:%d: bad y: %w", filepath.Base(path), line, err)
		}
		points = append(points, Point{X: x, Y: y})
	}
	if err := sc.Err(); err != nil {
		return nil, api.GeometryErrorf("read %s: %w", filepath.Base(path), err)
	}
	return points, nil
}

// CloseLoop drops the last point when it repeats the first. The outline is
// closed by the mesher, so a duplicate end point would create a zero-length
// edge.
func CloseLoop(points []Point) ([]Point, bool) {
	if len(points) < 2 {
		return points, false
	}
	first, last := points[0], points[len(points)-1]
	if math.Max(math.Abs(first.X-last.X), math.Abs(first.Y-last.Y)) < ClosureTolerance {
		return points[:len(points)-1], true
	}
	return points, false
}

// RenderGeo fills the POINTS and LAST_POINT_INDEX placeholders of a gmsh
// template.
func RenderGeo(template string, points []Point) string {
	var b strings.Builder
	for n, p := range points {
		// Shortest round-trip form keeps the staged outline identical to the input.
		fmt.Fprintf(&b, "Point(%d) = { %s, %s, 0.00000000, %v};\n", FirstPointIndex+n,
			strconv.FormatFloat(p.X, 'g', -1, 64), strconv.FormatFloat(p.Y, 'g', -1, 64), pointSize)
	}
	last := FirstPointIndex + len(points) - 1
	out := strings.ReplaceAll(template, "POINTS", b.String())
	return strings.ReplaceAll(out, "LAST_POINT_INDEX", strconv.Itoa(last))
}
