package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
	"lungctanalyzer/pkg/analysis"
	"lungctanalyzer/pkg/report"
	"lungctanalyzer/pkg/store"
	"lungctanalyzer/pkg/volumetry"
)

// fakeLoader builds a small synthetic case for every folder. Folders listed
// in fail return an input error, folders in mismatch get a segmentation on a
// different grid; onLoad runs before the case is returned.
type fakeLoader struct {
	fail     map[string]bool
	mismatch map[string]bool
	onLoad   func(id string)

	mu     sync.Mutex
	loaded []string
}

func (l *fakeLoader) Load(dir string) (*models.Case, error) {
	id := filepath.Base(dir)
	l.mu.Lock()
	l.loaded = append(l.loaded, id)
	l.mu.Unlock()

	if l.onLoad != nil {
		l.onLoad(id)
	}
	if l.fail[id] {
		return nil, perr.Inputf("segmentation missing in %s", dir)
	}

	g := models.NewGeometry(4, 4, 2, 1, 1, 2)
	vol := models.NewVolume(g)
	seg := models.NewSegmentation(g, models.Segment{Label: 1, Name: "lung"})
	for i := range vol.Data {
		vol.Data[i] = -1000 + float64(i*37%1000)
		seg.Labels[i] = 1
	}
	if l.mismatch[id] {
		seg = models.NewSegmentation(models.NewGeometry(4, 4, 3, 1, 1, 2), models.Segment{Label: 1, Name: "lung"})
	}
	return &models.Case{ID: id, Dir: dir, Volume: vol, Segmentation: seg}, nil
}

// failingStore rejects the results of the cases listed in fail
type failingStore struct {
	*store.Store
	fail map[string]bool
}

func (s *failingStore) SaveCase(runID string, records []models.ResultRecord, summary *volumetry.CaseSummary) error {
	if s.fail[summary.CaseID] {
		return perr.New(perr.ErrorCodeStorage, "disk full")
	}
	return s.Store.SaveCase(runID, records, summary)
}

// markerWriter writes a single file so tests can see which cases got a folder
type markerWriter struct {
	mu    sync.Mutex
	dirs  []string
	cases []string
}

func (w *markerWriter) WriteCase(dir string, res *analysis.CaseResult) error {
	w.mu.Lock()
	w.dirs = append(w.dirs, dir)
	w.cases = append(w.cases, res.CaseID)
	w.mu.Unlock()
	return os.WriteFile(filepath.Join(dir, "done.txt"), []byte(res.CaseID), 0644)
}

func makeCases(t *testing.T, n int) string {
	t.Helper()
	in := t.TempDir()
	for i := 1; i <= n; i++ {
		require.NoError(t, os.Mkdir(filepath.Join(in, fmt.Sprintf("case%02d", i)), 0755))
	}
	// plain files are not cases
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.txt"), []byte("x"), 0644))
	return in
}

func newTestController(t *testing.T, opts Options, loader CaseLoader, writer ArtifactWriter) *Controller {
	t.Helper()
	a, err := analysis.NewAnalyzer(analysis.DefaultParams())
	require.NoError(t, err)
	ctrl, err := NewController(opts, a, loader, writer)
	require.NoError(t, err)
	return ctrl
}

func statuses(jobs []models.BatchJob) map[string]models.JobStatus {
	out := map[string]models.JobStatus{}
	for _, j := range jobs {
		out[j.CaseID] = j.Status
	}
	return out
}

func TestScanOrderAndTestMode(t *testing.T) {
	in := makeCases(t, 7)
	ctrl := newTestController(t, Options{InputDir: in, OutputDir: t.TempDir(), TestMode: true}, &fakeLoader{}, &markerWriter{})

	require.NoError(t, ctrl.Scan())
	jobs := ctrl.Jobs()
	require.Len(t, jobs, 7)
	for i, j := range jobs {
		assert.Equal(t, fmt.Sprintf("case%02d", i+1), j.CaseID)
		if i < DefaultTestModeLimit {
			assert.Equal(t, models.JobPending, j.Status)
		} else {
			assert.Equal(t, models.JobSkipped, j.Status)
		}
	}
	assert.Equal(t, StateIdle, ctrl.State())
}

func TestRunTestModeProcessesThree(t *testing.T) {
	in := makeCases(t, 7)
	out := t.TempDir()
	loader := &fakeLoader{}
	writer := &markerWriter{}
	ctrl := newTestController(t, Options{InputDir: in, OutputDir: out, TestMode: true}, loader, writer)

	require.NoError(t, ctrl.Run(context.Background()))
	assert.Equal(t, StateDone, ctrl.State())

	var done, skipped int
	for _, j := range ctrl.Jobs() {
		switch j.Status {
		case models.JobSucceeded, models.JobFailed:
			done++
		case models.JobSkipped:
			skipped++
		}
	}
	assert.Equal(t, 3, done)
	assert.Equal(t, 4, skipped)
	assert.Equal(t, []string{"case01", "case02", "case03"}, loader.loaded)
	assert.Equal(t, []string{"case01", "case02", "case03"}, writer.cases)

	for _, id := range []string{"case01", "case02", "case03"} {
		data, err := os.ReadFile(filepath.Join(out, id, "done.txt"))
		require.NoError(t, err)
		assert.Equal(t, id, string(data))
	}
	_, err := os.Stat(filepath.Join(out, "case04"))
	assert.True(t, os.IsNotExist(err))

	rows, err := report.ReadRecordsCSV(filepath.Join(out, ResultsCSV))
	require.NoError(t, err)
	assert.Equal(t, ctrl.Records(), rows)
}

func TestCancelDuringSecondCase(t *testing.T) {
	in := makeCases(t, 5)
	out := t.TempDir()
	var ctrl *Controller
	var progress []Progress
	loader := &fakeLoader{onLoad: func(id string) {
		if id == "case02" {
			ctrl.Cancel()
		}
	}}
	ctrl = newTestController(t, Options{
		InputDir:   in,
		OutputDir:  out,
		OnProgress: func(p Progress) { progress = append(progress, p) },
	}, loader, &markerWriter{})

	err := ctrl.Run(context.Background())
	require.Error(t, err)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeCancelled))
	assert.Equal(t, StateCancelled, ctrl.State())

	got := statuses(ctrl.Jobs())
	assert.Equal(t, models.JobSucceeded, got["case01"])
	assert.Equal(t, models.JobSucceeded, got["case02"])
	for _, id := range []string{"case03", "case04", "case05"} {
		assert.Equal(t, models.JobCancelled, got[id], id)
		_, err := os.Stat(filepath.Join(out, id))
		assert.True(t, os.IsNotExist(err), id)
	}
	assert.Equal(t, []string{"case01", "case02"}, loader.loaded)

	require.Len(t, progress, 4)
	assert.Equal(t, Progress{Index: 2, Total: 5, CaseID: "case02", Status: models.JobSucceeded}, progress[3])
}

func TestCancelledContextStartsNothing(t *testing.T) {
	in := makeCases(t, 2)
	out := t.TempDir()
	loader := &fakeLoader{}
	ctrl := newTestController(t, Options{InputDir: in, OutputDir: out}, loader, &markerWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ctrl.Run(ctx)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeCancelled))
	assert.Empty(t, loader.loaded)
	for _, j := range ctrl.Jobs() {
		assert.Equal(t, models.JobCancelled, j.Status)
	}
}

func TestFailedCaseDoesNotStopBatch(t *testing.T) {
	in := makeCases(t, 3)
	out := t.TempDir()
	ctrl := newTestController(t, Options{InputDir: in, OutputDir: out},
		&fakeLoader{fail: map[string]bool{"case02": true}}, &markerWriter{})

	require.NoError(t, ctrl.Run(context.Background()))

	jobs := ctrl.Jobs()
	got := statuses(jobs)
	assert.Equal(t, models.JobSucceeded, got["case01"])
	assert.Equal(t, models.JobFailed, got["case02"])
	assert.Equal(t, models.JobSucceeded, got["case03"])
	assert.Contains(t, jobs[1].Err, "segmentation missing")

	_, err := os.Stat(filepath.Join(out, "case02"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(out, ResultsCSV))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\ncase02,failed,whole,,,,\n")

	// no staging folders left behind
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), e.Name())
	}
}

func TestCSVOnlyWritesNoBundles(t *testing.T) {
	in := makeCases(t, 2)
	out := t.TempDir()
	ctrl := newTestController(t, Options{InputDir: in, OutputDir: out, CSVOnly: true}, &fakeLoader{}, nil)

	require.NoError(t, ctrl.Run(context.Background()))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.IsDir(), e.Name())
	}
	rows, err := report.ReadRecordsCSV(filepath.Join(out, ResultsCSV))
	require.NoError(t, err)
	assert.Len(t, rows, 2*len(models.ReportedCategories))
}

func TestHTMLSummaryWritten(t *testing.T) {
	in := makeCases(t, 2)
	out := t.TempDir()
	ctrl := newTestController(t, Options{InputDir: in, OutputDir: out, CSVOnly: true, HTMLSummary: true}, &fakeLoader{}, nil)

	require.NoError(t, ctrl.Run(context.Background()))
	st, err := os.Stat(filepath.Join(out, SummaryHTML))
	require.NoError(t, err)
	assert.Positive(t, st.Size())
}

func TestResumeSkipsSucceededCases(t *testing.T) {
	in := makeCases(t, 3)
	out := t.TempDir()
	db, err := store.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer db.Close()

	first := newTestController(t, Options{InputDir: in, OutputDir: out, Store: db},
		&fakeLoader{fail: map[string]bool{"case02": true}}, &markerWriter{})
	require.NoError(t, first.Run(context.Background()))

	stored, err := db.Jobs(first.RunID())
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored["case02"].Status)
	results, err := db.Results(first.RunID())
	require.NoError(t, err)
	assert.Len(t, results, 2*len(models.ReportedCategories))

	loader := &fakeLoader{}
	second := newTestController(t, Options{InputDir: in, OutputDir: out, Store: db, Resume: true}, loader, &markerWriter{})
	require.NoError(t, second.Run(context.Background()))

	assert.Equal(t, []string{"case02"}, loader.loaded)
	jobs := second.Jobs()
	assert.Equal(t, models.JobSkipped, jobs[0].Status)
	assert.Equal(t, "already processed", jobs[0].Err)
	assert.Equal(t, models.JobSucceeded, jobs[1].Status)
	assert.Equal(t, models.JobSkipped, jobs[2].Status)

	state, err := db.RunState(second.RunID())
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, state)

	// the shared CSV keeps the rows of the first run
	rows, err := report.ReadRecordsCSV(filepath.Join(out, ResultsCSV))
	require.NoError(t, err)
	assert.Len(t, rows, 3*len(models.ReportedCategories)+1)
}

func TestNewControllerValidation(t *testing.T) {
	a, err := analysis.NewAnalyzer(nil)
	require.NoError(t, err)

	_, err = NewController(Options{OutputDir: "out"}, a, &fakeLoader{}, &markerWriter{})
	assert.True(t, perr.IsCode(err, perr.ErrorCodeValidation))

	_, err = NewController(Options{InputDir: "in", OutputDir: "out"}, a, &fakeLoader{}, nil)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeValidation))

	_, err = NewController(Options{InputDir: "in", OutputDir: "out", CSVOnly: true}, a, &fakeLoader{}, nil)
	assert.NoError(t, err)
}

func TestOutputDirMustNotOverwriteInput(t *testing.T) {
	in := makeCases(t, 2)
	source := filepath.Join(in, "case01", "volume.raw")
	require.NoError(t, os.WriteFile(source, []byte{1, 2, 3, 4}, 0644))

	a, err := analysis.NewAnalyzer(nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		out     string
		wantErr bool
	}{
		{"same as input", in, true},
		{"same as input, unclean", in + string(filepath.Separator) + ".", true},
		{"inside a case folder", filepath.Join(in, "case01", "results"), true},
		{"folder next to the cases", filepath.Join(in, "results"), false},
		{"outside the input", t.TempDir(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewController(Options{InputDir: in, OutputDir: tt.out}, a, &fakeLoader{}, &markerWriter{})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, perr.IsCode(err, perr.ErrorCodeValidation))
				pe, ok := perr.As(err)
				require.True(t, ok)
				assert.Equal(t, "output", pe.Field())
			} else {
				assert.NoError(t, err)
			}
		})
	}

	data, err := os.ReadFile(source)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestOutputNextToCasesIsNotScanned(t *testing.T) {
	in := makeCases(t, 2)
	out := filepath.Join(in, "results")
	require.NoError(t, os.Mkdir(out, 0755))
	loader := &fakeLoader{}
	ctrl := newTestController(t, Options{InputDir: in, OutputDir: out}, loader, &markerWriter{})

	require.NoError(t, ctrl.Run(context.Background()))
	assert.Equal(t, []string{"case01", "case02"}, loader.loaded)
	_, err := os.Stat(filepath.Join(out, "case01", "done.txt"))
	assert.NoError(t, err)
}

func TestCancelDuringLastCaseEndsCancelled(t *testing.T) {
	in := makeCases(t, 2)
	var ctrl *Controller
	loader := &fakeLoader{onLoad: func(id string) {
		if id == "case02" {
			ctrl.Cancel()
		}
	}}
	ctrl = newTestController(t, Options{InputDir: in, OutputDir: t.TempDir()}, loader, &markerWriter{})

	err := ctrl.Run(context.Background())
	assert.True(t, perr.IsCode(err, perr.ErrorCodeCancelled))
	assert.Equal(t, StateCancelled, ctrl.State())
	for _, j := range ctrl.Jobs() {
		assert.Equal(t, models.JobSucceeded, j.Status, j.CaseID)
	}
}

func TestGeometryMismatchFailsOnlyThatCase(t *testing.T) {
	in := makeCases(t, 3)
	out := t.TempDir()
	ctrl := newTestController(t, Options{InputDir: in, OutputDir: out},
		&fakeLoader{mismatch: map[string]bool{"case02": true}}, &markerWriter{})

	require.NoError(t, ctrl.Run(context.Background()))

	jobs := ctrl.Jobs()
	got := statuses(jobs)
	assert.Equal(t, models.JobSucceeded, got["case01"])
	assert.Equal(t, models.JobFailed, got["case02"])
	assert.Equal(t, models.JobSucceeded, got["case03"])
	assert.Contains(t, jobs[1].Err, "does not match")

	_, err := os.Stat(filepath.Join(out, "case02"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(out, ResultsCSV))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\ncase02,failed,whole,,,,\n")
}

func TestDatabaseFailureRollsBackCase(t *testing.T) {
	in := makeCases(t, 3)
	out := t.TempDir()
	db, err := store.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer db.Close()

	fs := &failingStore{Store: db, fail: map[string]bool{"case02": true}}
	ctrl := newTestController(t, Options{InputDir: in, OutputDir: out, Store: fs}, &fakeLoader{}, &markerWriter{})
	require.NoError(t, ctrl.Run(context.Background()))

	jobs := ctrl.Jobs()
	assert.Equal(t, models.JobFailed, jobs[1].Status)
	assert.Contains(t, jobs[1].Err, "disk full")

	_, err = os.Stat(filepath.Join(out, "case02"))
	assert.True(t, os.IsNotExist(err))

	results, err := db.Results(ctrl.RunID())
	require.NoError(t, err)
	assert.Len(t, results, 2*len(models.ReportedCategories))
	for _, r := range results {
		assert.NotEqual(t, "case02", r.CaseID)
	}

	rows, err := report.ReadRecordsCSV(filepath.Join(out, ResultsCSV))
	require.NoError(t, err)
	var case02 []models.ResultRecord
	for _, r := range rows {
		if r.CaseID == "case02" {
			case02 = append(case02, r)
		}
	}
	require.Len(t, case02, 1)
	assert.Equal(t, report.FailedCategory, case02[0].Category)
}
