// Package batch runs the analysis pipeline over a directory of cases, one
// case at a time, with test-mode limits, resume and cooperative cancellation.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/logger"
	"lungctanalyzer/internal/models"
	"lungctanalyzer/pkg/analysis"
	"lungctanalyzer/pkg/report"
	"lungctanalyzer/pkg/store"
	"lungctanalyzer/pkg/volumetry"
)

// Output names directly under the output directory
const (
	ResultsCSV  = "results.csv"
	SummaryHTML = "summary.html"
)

// DefaultTestModeLimit is the number of cases processed in test mode
const DefaultTestModeLimit = 3

// skippedProcessed is the job message of cases skipped by resume
const skippedProcessed = "already processed"

// CaseLoader reads one case folder
type CaseLoader interface {
	Load(dir string) (*models.Case, error)
}

// ArtifactWriter writes the result bundle of one case into a folder
type ArtifactWriter interface {
	WriteCase(dir string, res *analysis.CaseResult) error
}

// ResultStore records runs, jobs and results. *store.Store implements it.
type ResultStore interface {
	BeginRun(inputDir, thresholdsYAML string) (string, error)
	FinishRun(runID, state string) error
	RecordJob(runID string, job *models.BatchJob) error
	SaveCase(runID string, records []models.ResultRecord, summary *volumetry.CaseSummary) error
	DeleteCase(runID, caseID string) error
	SucceededCases(inputDir string) (map[string]bool, error)
}

// State is the controller state
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateRunning
	StateCancelling
	StateCancelled
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateRunning:
		return "Running"
	case StateCancelling:
		return "Cancelling"
	case StateCancelled:
		return "Cancelled"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Progress is reported when a job starts and when it reaches a final status
type Progress struct {
	// Index is the 1-based position of the job in the scan
	Index  int
	Total  int
	CaseID string
	Status models.JobStatus
}

// Options configures a batch run
type Options struct {
	InputDir  string
	OutputDir string

	// TestMode keeps only the first TestModeLimit cases
	TestMode      bool
	TestModeLimit int

	// CSVOnly skips the per-case artifact bundle
	CSVOnly bool

	// Resume skips cases the store reports as succeeded for the same input
	// directory and appends to an existing results CSV
	Resume bool

	// HTMLSummary writes summary.html after the run
	HTMLSummary bool

	// Store is optional
	Store ResultStore

	// OnProgress is called from the goroutine running Run
	OnProgress func(Progress)
}

// Controller drives one batch run. Scan and Run are called from a single
// goroutine; Cancel, State, Jobs and Records are safe from any goroutine.
type Controller struct {
	opts     Options
	analyzer *analysis.Analyzer
	loader   CaseLoader
	writer   ArtifactWriter
	log      *logger.Logger

	cancelled atomic.Bool

	mu      sync.Mutex
	state   State
	jobs    []*models.BatchJob
	records []models.ResultRecord
	runID   string
}

// NewController creates a controller. The writer may be nil in CSV-only mode.
func NewController(opts Options, analyzer *analysis.Analyzer, loader CaseLoader, writer ArtifactWriter) (*Controller, error) {
	if opts.InputDir == "" {
		return nil, perr.WithField(perr.Validationf("input directory is required"), "input")
	}
	if opts.OutputDir == "" {
		return nil, perr.WithField(perr.Validationf("output directory is required"), "output")
	}
	if analyzer == nil || loader == nil {
		return nil, perr.Validationf("analyzer and loader are required")
	}
	if writer == nil && !opts.CSVOnly {
		return nil, perr.Validationf("an artifact writer is required unless running CSV-only")
	}
	if opts.TestModeLimit <= 0 {
		opts.TestModeLimit = DefaultTestModeLimit
	}

	in, err := filepath.Abs(opts.InputDir)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeInput, "error resolving input directory %s", opts.InputDir)
	}
	out, err := filepath.Abs(opts.OutputDir)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeInput, "error resolving output directory %s", opts.OutputDir)
	}
	if err := checkOutputDir(in, out); err != nil {
		return nil, err
	}
	opts.InputDir, opts.OutputDir = in, out

	return &Controller{
		opts:     opts,
		analyzer: analyzer,
		loader:   loader,
		writer:   writer,
		log:      logger.Named("batch"),
	}, nil
}

// checkOutputDir rejects output directories that would make case folders
// overwrite input data: the input directory itself or a path inside a case
func checkOutputDir(in, out string) error {
	if out == in {
		return perr.WithField(perr.Validationf("output directory %s is the input directory", out), "output")
	}
	rel, err := filepath.Rel(in, out)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	if strings.Contains(rel, string(filepath.Separator)) {
		return perr.WithField(perr.Validationf("output directory %s is inside case folder %s", out,
			filepath.Join(in, strings.SplitN(rel, string(filepath.Separator), 2)[0])), "output")
	}
	return nil
}

// State returns the current controller state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Cancel requests cooperative cancellation. The case in progress finishes;
// no further case is started.
func (c *Controller) Cancel() {
	c.cancelled.Store(true)
	c.mu.Lock()
	if c.state == StateScanning || c.state == StateRunning {
		c.state = StateCancelling
	}
	c.mu.Unlock()
	c.log.Info().Msg("Cancellation requested, finishing current case")
}

// Jobs returns a snapshot of the jobs in scan order
func (c *Controller) Jobs() []models.BatchJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.BatchJob, len(c.jobs))
	for i, j := range c.jobs {
		out[i] = *j
	}
	return out
}

// Records returns the result rows collected so far, in case order
func (c *Controller) Records() []models.ResultRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ResultRecord(nil), c.records...)
}

// RunID returns the store run ID, empty without a store
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Scan enumerates the immediate subfolders of the input directory in
// lexical order. Each becomes a Pending job; in test mode the jobs past the
// limit are Skipped.
func (c *Controller) Scan() error {
	c.setState(StateScanning)
	c.log.Info().Str("input", c.opts.InputDir).Msg("Scanning input directory")

	entries, err := os.ReadDir(c.opts.InputDir)
	if err != nil {
		c.setState(StateIdle)
		return perr.Wrapf(err, perr.ErrorCodeInput, "error reading input directory %s", c.opts.InputDir)
	}

	var jobs []*models.BatchJob
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(c.opts.InputDir, e.Name())
		if dir == c.opts.OutputDir {
			continue
		}
		job := &models.BatchJob{CaseDir: dir, CaseID: e.Name(), Status: models.JobPending}
		if c.opts.TestMode && len(jobs) >= c.opts.TestModeLimit {
			job.Status = models.JobSkipped
			job.Err = "test mode limit"
		}
		jobs = append(jobs, job)
	}

	c.mu.Lock()
	c.jobs = jobs
	c.records = nil
	if c.state == StateScanning {
		c.state = StateIdle
	}
	c.mu.Unlock()

	c.log.Info().Int("cases", len(jobs)).Bool("test_mode", c.opts.TestMode).Msg("Scan complete")
	return nil
}

// Run scans the input directory and processes every Pending job in order. A
// failing case is recorded and the run continues. Run returns an error with
// code Cancelled when the run stopped early, and other errors only for
// problems that affect the whole batch.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Scan(); err != nil {
		return err
	}
	start := time.Now()

	if err := os.MkdirAll(c.opts.OutputDir, 0755); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeInput, "error creating output directory %s", c.opts.OutputDir)
	}

	if err := c.applyResume(); err != nil {
		return err
	}
	if err := c.beginRun(); err != nil {
		return err
	}

	csvw, err := report.OpenCSV(filepath.Join(c.opts.OutputDir, ResultsCSV), c.opts.Resume)
	if err != nil {
		c.finishRun(store.RunCancelled)
		return err
	}
	defer csvw.Close()

	c.mu.Lock()
	if c.state != StateCancelling {
		c.state = StateRunning
	}
	jobs := c.jobs
	c.mu.Unlock()

	total := len(jobs)
	for i, job := range jobs {
		if job.Status != models.JobPending {
			continue
		}
		if c.cancelled.Load() || ctx.Err() != nil {
			c.cancelRemaining(jobs[i:])
			break
		}
		c.processJob(i, total, job, csvw)
	}

	if err := csvw.Close(); err != nil {
		c.log.Error().Err(err).Msg("error closing results CSV")
	}
	if c.opts.HTMLSummary {
		c.writeHTMLSummary()
	}

	counts := map[models.JobStatus]int{}
	for _, j := range c.Jobs() {
		counts[j.Status]++
	}
	c.log.Info().
		Int("succeeded", counts[models.JobSucceeded]).
		Int("failed", counts[models.JobFailed]).
		Int("skipped", counts[models.JobSkipped]).
		Int("cancelled", counts[models.JobCancelled]).
		Dur("elapsed", time.Since(start)).
		Msg("Batch finished")

	// a request that arrives during the last case still ends the run as Cancelled
	if c.cancelled.Load() || ctx.Err() != nil {
		c.setState(StateCancelled)
		c.finishRun(store.RunCancelled)
		return perr.Newf(perr.ErrorCodeCancelled, "batch cancelled, %d cases not processed", counts[models.JobCancelled])
	}
	c.setState(StateDone)
	c.finishRun(store.RunDone)
	return nil
}

func (c *Controller) applyResume() error {
	if !c.opts.Resume || c.opts.Store == nil {
		return nil
	}
	done, err := c.opts.Store.SucceededCases(c.opts.InputDir)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.jobs {
		if j.Status == models.JobPending && done[j.CaseID] {
			j.Status = models.JobSkipped
			j.Err = skippedProcessed
		}
	}
	return nil
}

func (c *Controller) beginRun() error {
	if c.opts.Store == nil {
		return nil
	}
	thresholds, err := yaml.Marshal(c.analyzer.Thresholds())
	if err != nil {
		return fmt.Errorf("error marshaling thresholds: %w", err)
	}
	runID, err := c.opts.Store.BeginRun(c.opts.InputDir, string(thresholds))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.runID = runID
	c.mu.Unlock()

	for _, j := range c.Jobs() {
		c.recordJob(&j)
	}
	c.log.Debug().Str("run", runID).Msg("run recorded")
	return nil
}

func (c *Controller) finishRun(state string) {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.FinishRun(c.RunID(), state); err != nil {
		c.log.Error().Err(err).Msg("error finishing run in database")
	}
}

func (c *Controller) recordJob(job *models.BatchJob) {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.RecordJob(c.RunID(), job); err != nil {
		c.log.Error().Err(err).Str("case", job.CaseID).Msg("error recording job")
	}
}

// setJob updates a job under the lock and persists the new status
func (c *Controller) setJob(job *models.BatchJob, status models.JobStatus, msg string) {
	c.mu.Lock()
	job.Status = status
	job.Err = msg
	snapshot := *job
	c.mu.Unlock()
	c.recordJob(&snapshot)
}

func (c *Controller) cancelRemaining(jobs []*models.BatchJob) {
	c.setState(StateCancelling)
	for _, j := range jobs {
		if j.Status == models.JobPending {
			c.setJob(j, models.JobCancelled, "")
		}
	}
}

func (c *Controller) progress(index, total int, job *models.BatchJob) {
	if c.opts.OnProgress == nil {
		return
	}
	c.opts.OnProgress(Progress{Index: index + 1, Total: total, CaseID: job.CaseID, Status: job.Status})
}

func (c *Controller) processJob(index, total int, job *models.BatchJob, csvw *report.CSVWriter) {
	log := c.log.With().Str("case", job.CaseID).Logger()
	log.Info().Msgf("Processing case %d of %d", index+1, total)
	c.setJob(job, models.JobRunning, "")
	c.progress(index, total, job)

	records, final, err := c.processCase(job)
	if err == nil {
		if err = csvw.Append(records); err != nil {
			c.rollbackCase(job.CaseID, final)
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("case failed")
		if werr := csvw.AppendFailure(job.CaseID); werr != nil {
			log.Error().Err(werr).Msg("error writing failure row")
		}
		c.setJob(job, models.JobFailed, err.Error())
	} else {
		c.mu.Lock()
		c.records = append(c.records, records...)
		c.mu.Unlock()
		c.setJob(job, models.JobSucceeded, "")
	}
	c.progress(index, total, job)
}

// processCase loads, analyzes and writes one case. Artifacts are written to
// a staging folder inside the output directory and renamed into place only
// once complete; database rows are saved last. It returns the final case
// folder, empty in CSV-only mode.
func (c *Controller) processCase(job *models.BatchJob) ([]models.ResultRecord, string, error) {
	cs, err := c.loader.Load(job.CaseDir)
	if err != nil {
		return nil, "", err
	}
	cs.ID = job.CaseID

	res, err := c.analyzer.Process(cs)
	if err != nil {
		return nil, "", err
	}
	for _, w := range res.Warnings {
		c.log.Warn().Str("case", job.CaseID).Err(w).Msg("case warning")
	}

	var final string
	if !c.opts.CSVOnly {
		final = filepath.Join(c.opts.OutputDir, job.CaseID)
		if err := c.writeStaged(final, res); err != nil {
			return nil, "", err
		}
	}

	if c.opts.Store != nil {
		if err := c.opts.Store.SaveCase(c.RunID(), res.Records, &res.Summary); err != nil {
			c.rollbackCase(job.CaseID, final)
			return nil, "", err
		}
	}
	return res.Records, final, nil
}

// writeStaged writes the case bundle into a staging folder and renames it to
// final, replacing any earlier output
func (c *Controller) writeStaged(final string, res *analysis.CaseResult) error {
	staging, err := os.MkdirTemp(c.opts.OutputDir, "."+filepath.Base(final)+"-")
	if err != nil {
		return fmt.Errorf("error creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := c.writer.WriteCase(staging, res); err != nil {
		return err
	}
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("error replacing %s: %w", final, err)
	}
	if err := os.Chmod(staging, 0755); err != nil {
		return fmt.Errorf("error setting permissions on %s: %w", staging, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("error moving case output into place: %w", err)
	}
	return nil
}

// rollbackCase removes the committed output of a case that failed late
func (c *Controller) rollbackCase(caseID, final string) {
	if final != "" {
		if err := os.RemoveAll(final); err != nil {
			c.log.Error().Err(err).Str("case", caseID).Msg("error removing case output")
		}
	}
	if c.opts.Store != nil {
		if err := c.opts.Store.DeleteCase(c.RunID(), caseID); err != nil {
			c.log.Error().Err(err).Str("case", caseID).Msg("error removing case results")
		}
	}
}

func (c *Controller) writeHTMLSummary() {
	records, err := report.ReadRecordsCSV(filepath.Join(c.opts.OutputDir, ResultsCSV))
	if err != nil {
		c.log.Error().Err(err).Msg("error reading results for summary")
		return
	}
	path := filepath.Join(c.opts.OutputDir, SummaryHTML)
	if err := report.WriteHTMLSummary(path, records); err != nil {
		c.log.Warn().Err(err).Msg("HTML summary not written")
		return
	}
	c.log.Info().Str("path", path).Msg("HTML summary written")
}
