package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/flowgen/internal/dataset"
	"github.com/3cpo-dev/flowgen/internal/foam"
	"github.com/3cpo-dev/flowgen/internal/raster"
	"github.com/3cpo-dev/flowgen/internal/telemetry"
	"github.com/3cpo-dev/flowgen/internal/workspace"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

// ErrBatchAborted is returned when systemic failures cross the abort ratio.
var ErrBatchAborted = errors.New("batch aborted: too many systemic failures")

// DefaultRequirePadCells is the margin, in grid cells, kept around the
// airfoil's bounding box before the rasterizer requires full coverage.
const DefaultRequirePadCells = 3

// Stager prepares the solver mesh for an outline.
type Stager interface {
	Stage(ctx context.Context, points []foam.Point, ws *workspace.Workspace) (foam.MeshDescriptor, error)
}

// Solver runs the flow solve and returns the sample file path.
type Solver interface {
	Solve(ctx context.Context, spec api.JobSpec, ws *workspace.Workspace) (string, error)
}

// Persister stores finished tensors.
type Persister interface {
	Exists(spec api.JobSpec) (bool, error)
	Persist(spec api.JobSpec, t *raster.FieldTensor) (dataset.Artifact, error)
}

// Deps are the collaborators of an Orchestrator. Ledger, Sync and Metrics
// are optional.
type Deps struct {
	Workspaces   workspace.Manager
	Stager       Stager
	Solver       Solver
	LoadGeometry func(path string) ([]foam.Point, error)
	ReadSample   func(path string) (raster.Sample, error)
	Writer       Persister
	Ledger       *Store
	Sync         dataset.Pusher
	Metrics      *telemetry.Collector
}

// Options are the batch parameters.
type Options struct {
	Samples    int
	Seed       uint64
	Resolution int
	Workers    int
	Geometries []string
	Bounds     SamplingBounds

	AbortRatio   float64
	AbortMinJobs int
	// RequirePadCells is the margin around the airfoil inside which uncovered
	// cells are accepted as occluded. Negative disables the coverage check.
	RequirePadCells int
}

// Orchestrator drives a batch of jobs through staging, solving,
// rasterizing and persisting with a fixed number of workers.
type Orchestrator struct {
	opts Options
	deps Deps

	mu       sync.Mutex
	summary  api.RunSummary
	systemic int
	inFlight int
}

// NewOrchestrator checks the options and dependencies.
func NewOrchestrator(opts Options, deps Deps) (*Orchestrator, error) {
	switch {
	case opts.Samples <= 0:
		return nil, fmt.Errorf("samples must be positive, got %d", opts.Samples)
	case opts.Resolution <= 0:
		return nil, fmt.Errorf("resolution must be positive, got %d", opts.Resolution)
	case len(opts.Geometries) == 0:
		return nil, fmt.Errorf("geometry set is empty")
	case deps.Workspaces == nil || deps.Stager == nil || deps.Solver == nil || deps.Writer == nil:
		return nil, fmt.Errorf("workspaces, stager, solver and writer are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.AbortRatio <= 0 {
		opts.AbortRatio = 1
	}
	if deps.LoadGeometry == nil {
		deps.LoadGeometry = foam.LoadGeometry
	}
	if deps.ReadSample == nil {
		deps.ReadSample = foam.ReadSample
	}
	return &Orchestrator{opts: opts, deps: deps}, nil
}

// Progress returns a snapshot of the running batch.
func (o *Orchestrator) Progress() api.RunSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summary
}

// Run executes the batch. The summary is returned even when the batch is
// aborted or cancelled; Persisted may be lower than Requested.
func (o *Orchestrator) Run(ctx context.Context) (api.RunSummary, error) {
	sampler, err := NewSampler(o.opts.Geometries, o.opts.Seed, o.opts.Bounds)
	if err != nil {
		return api.RunSummary{}, err
	}

	o.mu.Lock()
	o.summary = api.RunSummary{
		RunID:      uuid.NewString(),
		Seed:       o.opts.Seed,
		Resolution: o.opts.Resolution,
		Requested:  o.opts.Samples,
		Status:     api.RunRunning,
		Started:    time.Now(),
	}
	o.systemic, o.inFlight = 0, 0
	sum := o.summary
	o.mu.Unlock()

	logger := log.With().Str("run", sum.RunID).Logger()
	logger.Info().
		Uint64("seed", sum.Seed).
		Int("samples", sum.Requested).
		Int("resolution", sum.Resolution).
		Int("workers", o.opts.Workers).
		Int("geometries", len(o.opts.Geometries)).
		Msg("starting batch")

	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.BeginRun(context.WithoutCancel(ctx), sum); err != nil {
			return sum, fmt.Errorf("record run start: %w", err)
		}
	}

	// The first worker to trip the abort rule cancels gctx, which stops the
	// scheduler and interrupts the jobs still running.
	g, gctx := errgroup.WithContext(ctx)
	specs := Schedule(gctx, sampler, o.opts.Samples)
	for w := 0; w < o.opts.Workers; w++ {
		g.Go(func() error {
			for spec := range specs {
				if o.runJob(gctx, spec, logger) {
					return ErrBatchAborted
				}
			}
			return nil
		})
	}
	werr := g.Wait()

	o.mu.Lock()
	o.summary.Finished = time.Now()
	switch {
	case errors.Is(werr, ErrBatchAborted):
		o.summary.Status = api.RunAborted
		err = ErrBatchAborted
	case ctx.Err() != nil:
		o.summary.Status = api.RunCanceled
		err = ctx.Err()
	default:
		o.summary.Status = api.RunCompleted
	}
	sum = o.summary
	o.mu.Unlock()

	if o.deps.Ledger != nil {
		if lerr := o.deps.Ledger.FinishRun(context.WithoutCancel(ctx), sum); lerr != nil {
			logger.Error().Err(lerr).Msg("failed to record run end")
		}
	}

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Str("status", string(sum.Status)).
		Int("persisted", sum.Persisted).
		Int("skipped", sum.Skipped).
		Int("abandoned", sum.Abandoned).
		Dur("elapsed", sum.Finished.Sub(sum.Started)).
		Msg("batch finished")
	return sum, err
}

// runJob processes one spec and reports whether the batch must abort.
func (o *Orchestrator) runJob(ctx context.Context, spec api.JobSpec, runLog zerolog.Logger) bool {
	logger := runLog.With().Str("job", spec.ID()).Str("geometry", spec.Geometry).Logger()
	j := &jobRun{o: o, spec: spec, state: api.JobPending, log: logger}
	j.record(ctx, api.JobPending, nil, nil)

	if ctx.Err() != nil {
		return j.abandon(ctx, ctx.Err())
	}
	exists, err := o.deps.Writer.Exists(spec)
	if err != nil {
		return j.abandon(ctx, err)
	}
	if exists {
		j.transition(ctx, api.JobPersisted, nil)
		logger.Debug().Msg("artifact exists, skipping")
		o.finish(func(s *api.RunSummary) { s.Skipped++ }, false)
		o.deps.Metrics.Counter("flowgen_jobs_total", 1, map[string]string{"state": "skipped"})
		return false
	}

	o.mu.Lock()
	o.inFlight++
	o.deps.Metrics.Gauge("flowgen_jobs_in_flight", float64(o.inFlight), nil)
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inFlight--
		o.deps.Metrics.Gauge("flowgen_jobs_in_flight", float64(o.inFlight), nil)
		o.mu.Unlock()
	}()

	var art dataset.Artifact
	err = workspace.With(ctx, o.deps.Workspaces, spec.ID(), func(ws *workspace.Workspace) error {
		var err error
		art, err = j.execute(ctx, ws)
		return err
	})
	abort := false
	switch {
	case err == nil:
		abort = o.finish(func(s *api.RunSummary) { s.Persisted++ }, false)
	case j.state == api.JobPersisted:
		// The artifact is on disk; only returning the workspace failed.
		err = asIOError(err, "release workspace")
		logger.Error().Err(err).Str("kind", api.ErrorKind(err)).Bool("systemic", true).Msg("workspace release failed")
		o.deps.Metrics.Counter("flowgen_job_failures_total", 1, map[string]string{"kind": api.ErrorKind(err)})
		abort = o.finish(func(s *api.RunSummary) { s.Persisted++ }, true)
	default:
		if j.state == api.JobPending {
			err = asIOError(err, "acquire workspace")
		}
		return j.abandon(ctx, err)
	}

	o.deps.Metrics.Counter("flowgen_jobs_total", 1, map[string]string{"state": "persisted"})
	o.deps.Metrics.Counter("flowgen_artifact_bytes_total", float64(art.Bytes), nil)

	if o.deps.Sync != nil {
		if err := o.deps.Sync.Push(ctx, art); err != nil {
			logger.Warn().Err(err).Str("artifact", art.Path).Msg("remote sync failed")
			o.deps.Metrics.Counter("flowgen_sync_failures_total", 1, nil)
		}
	}
	return abort
}

// asIOError classifies an unclassified workspace failure as an IO error.
// Job errors and context errors keep their kind.
func asIOError(err error, op string) error {
	if api.ErrorKind(err) != "other" {
		return err
	}
	return api.IOErrorf("%s: %w", op, err)
}

// finish updates the counters of a job that left the pipeline and evaluates
// the abort rule.
func (o *Orchestrator) finish(update func(s *api.RunSummary), systemic bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	update(&o.summary)
	if systemic {
		o.systemic++
	}
	done := o.summary.Persisted + o.summary.Abandoned
	if done == 0 || done < o.opts.AbortMinJobs {
		return false
	}
	return float64(o.systemic) > o.opts.AbortRatio*float64(done)
}

// requiredCells returns the coverage rule for an outline.
func (o *Orchestrator) requiredCells(points []foam.Point) func(i, j int, x, y float64) bool {
	if o.opts.RequirePadCells < 0 || len(points) == 0 {
		return nil
	}
	b := raster.Box{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range points {
		b.MinX, b.MaxX = math.Min(b.MinX, p.X), math.Max(b.MaxX, p.X)
		b.MinY, b.MaxY = math.Min(b.MinY, p.Y), math.Max(b.MaxY, p.Y)
	}
	spacing := 2 / float64(o.opts.Resolution)
	return raster.RequireOutside(b.Pad(float64(o.opts.RequirePadCells) * spacing))
}

// jobRun tracks one job through its states.
type jobRun struct {
	o     *Orchestrator
	spec  api.JobSpec
	state api.JobState
	log   zerolog.Logger
}

func (j *jobRun) execute(ctx context.Context, ws *workspace.Workspace) (dataset.Artifact, error) {
	o := j.o
	j.transition(ctx, api.JobStaging, nil)
	start := time.Now()
	points, err := o.deps.LoadGeometry(j.spec.GeometryPath)
	if err != nil {
		return dataset.Artifact{}, err
	}
	mesh, err := o.deps.Stager.Stage(ctx, points, ws)
	if err != nil {
		return dataset.Artifact{}, err
	}
	o.deps.Metrics.Timer("flowgen_stage_duration", time.Since(start), map[string]string{"stage": "staging"})
	j.log.Debug().Int("points", mesh.Points).Bool("deduplicated", mesh.Deduplicated).Msg("staged")

	j.transition(ctx, api.JobSolving, nil)
	start = time.Now()
	samplePath, err := o.deps.Solver.Solve(ctx, j.spec, ws)
	if err != nil {
		return dataset.Artifact{}, err
	}
	o.deps.Metrics.Timer("flowgen_stage_duration", time.Since(start), map[string]string{"stage": "solving"})

	j.transition(ctx, api.JobRasterizing, nil)
	start = time.Now()
	sample, err := o.deps.ReadSample(samplePath)
	if err != nil {
		return dataset.Artifact{}, err
	}
	tensor, err := raster.Rasterize(sample, j.spec, o.opts.Resolution, raster.Options{Required: o.requiredCells(points)})
	if err != nil {
		return dataset.Artifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return dataset.Artifact{}, err
	}
	art, err := o.deps.Writer.Persist(j.spec, tensor)
	if err != nil {
		return dataset.Artifact{}, err
	}
	o.deps.Metrics.Timer("flowgen_stage_duration", time.Since(start), map[string]string{"stage": "rasterizing"})

	j.transition(ctx, api.JobPersisted, &art)
	j.log.Info().
		Str("artifact", art.Path).
		Int("occluded", tensor.Occluded()).
		Int64("bytes", art.Bytes).
		Msg("persisted")
	return art, nil
}

func (j *jobRun) transition(ctx context.Context, to api.JobState, art *dataset.Artifact) {
	if !api.CanTransition(j.state, to) {
		j.log.Error().Str("from", string(j.state)).Str("to", string(to)).Msg("invalid job transition")
		return
	}
	j.state = to
	j.record(ctx, to, nil, art)
}

// abandon moves the job to abandoned and reports whether the batch must
// abort.
func (j *jobRun) abandon(ctx context.Context, err error) bool {
	if api.IsTerminal(j.state) {
		return false
	}
	j.state = api.JobAbandoned
	j.record(ctx, api.JobAbandoned, err, nil)

	kind := api.ErrorKind(err)
	systemic := api.IsSystemic(err)
	ev := j.log.Warn()
	if kind == "canceled" {
		ev = j.log.Info()
	}
	ev.Err(err).Str("kind", kind).Bool("systemic", systemic).Msg("job abandoned")

	o := j.o
	o.deps.Metrics.Counter("flowgen_jobs_total", 1, map[string]string{"state": "abandoned"})
	o.deps.Metrics.Counter("flowgen_job_failures_total", 1, map[string]string{"kind": kind})
	return o.finish(func(s *api.RunSummary) { s.Abandoned++ }, systemic)
}

// record appends to the ledger. Ledger writes outlive cancellation so that
// the abandonment of interrupted jobs is still recorded.
func (j *jobRun) record(ctx context.Context, state api.JobState, jobErr error, art *dataset.Artifact) {
	ledger := j.o.deps.Ledger
	if ledger == nil {
		return
	}
	tr := Transition{
		RunID:    j.o.Progress().RunID,
		Index:    j.spec.Index,
		Geometry: j.spec.Geometry,
		State:    state,
	}
	if jobErr != nil {
		tr.ErrorKind = api.ErrorKind(jobErr)
		tr.Detail = jobErr.Error()
	}
	if art != nil {
		tr.Artifact, tr.Checksum, tr.Bytes = art.Path, art.Checksum, art.Bytes
	}
	if err := ledger.AppendTransition(context.WithoutCancel(ctx), tr); err != nil {
		j.log.Error().Err(err).Str("state", string(state)).Msg("failed to record transition")
	}
}
