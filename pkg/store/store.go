// Package store persists batch runs, job states and result tables in a
// SQLite database so runs can be audited and resumed.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/logger"
	"lungctanalyzer/internal/models"
	"lungctanalyzer/pkg/volumetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run states as stored in runs.state
const (
	RunRunning   = "Running"
	RunDone      = "Done"
	RunCancelled = "Cancelled"
)

// Store is the results database
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open opens or creates the database at path and applies pending migrations
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeStorage, "error opening database %s", path)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error configuring database")
	}

	s := &Store{db: db, log: logger.Named("store")}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrateUp applies the embedded migrations
func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "error loading migrations")
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "failed to create sqlite driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "failed to create migrate instance")
	}
	// m is not closed: closing it would close the shared connection

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return perr.Wrap(err, perr.ErrorCodeStorage, "migration up failed")
	}
	version, _, err := m.Version()
	if err == nil {
		s.log.Debug().Uint("version", version).Msg("database schema ready")
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records a new run and returns its ID
func (s *Store) BeginRun(inputDir, thresholdsYAML string) (string, error) {
	runID := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, started_at, state, input_dir, thresholds_yaml) VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now().UTC(), RunRunning, inputDir, thresholdsYAML)
	if err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeStorage, "error recording run")
	}
	return runID, nil
}

// FinishRun stores the final state of a run
func (s *Store) FinishRun(runID, state string) error {
	_, err := s.db.Exec(`UPDATE runs SET state = ?, finished_at = ? WHERE run_id = ?`,
		state, time.Now().UTC(), runID)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "error finishing run")
	}
	return nil
}

// RunState returns the stored state of a run
func (s *Store) RunState(runID string) (string, error) {
	var state string
	err := s.db.QueryRow(`SELECT state FROM runs WHERE run_id = ?`, runID).Scan(&state)
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeStorage, "error reading run %s", runID)
	}
	return state, nil
}

// RecordJob inserts or updates the state of a job
func (s *Store) RecordJob(runID string, job *models.BatchJob) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (run_id, case_id, case_dir, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, case_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		runID, job.CaseID, job.CaseDir, job.Status.String(), job.Err, time.Now().UTC())
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeStorage, "error recording job %s", job.CaseID)
	}
	return nil
}

// SaveCase stores the result table and summary of one case in a single
// transaction
func (s *Store) SaveCase(runID string, records []models.ResultRecord, summary *volumetry.CaseSummary) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "error starting transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO results (run_id, case_id, category_name, region_name, voxel_count,
			volume_milliliters, mean_hu, estimated_mass_grams, row_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "error preparing result insert")
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err = stmt.Exec(runID, r.CaseID, r.Category, r.Region, r.VoxelCount,
			r.VolumeML, r.MeanHU, r.MassGrams, i); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeStorage, "error inserting result of case %s", r.CaseID)
		}
	}

	if summary != nil {
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO case_summaries (run_id, case_id, region_mode, lung_voxels, lung_volume_ml,
				mean_hu, std_hu, perc15_hu, laa950_percent, total_mass_grams)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, summary.CaseID, summary.RegionMode, summary.LungVoxels, summary.LungVolumeML,
			summary.MeanHU, summary.StdHU, summary.Perc15HU, summary.LAA950Percent, summary.TotalMassGrams)
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeStorage, "error inserting summary of case %s", summary.CaseID)
		}
	}

	if err = tx.Commit(); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "error committing case results")
	}
	return nil
}

// DeleteCase removes the results and summary of one case from a run
func (s *Store) DeleteCase(runID, caseID string) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "error starting transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, table := range []string{"results", "case_summaries"} {
		if _, err = tx.Exec(`DELETE FROM `+table+` WHERE run_id = ? AND case_id = ?`, runID, caseID); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeStorage, "error deleting %s of case %s", table, caseID)
		}
	}
	if err = tx.Commit(); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "error committing case removal")
	}
	return nil
}

// Results returns the stored records of a run in insertion order
func (s *Store) Results(runID string) ([]models.ResultRecord, error) {
	rows, err := s.db.Query(`
		SELECT case_id, category_name, region_name, voxel_count, volume_milliliters, mean_hu, estimated_mass_grams
		FROM results WHERE run_id = ? ORDER BY case_id, row_order`, runID)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error querying results")
	}
	defer rows.Close()

	var out []models.ResultRecord
	for rows.Next() {
		var r models.ResultRecord
		if err := rows.Scan(&r.CaseID, &r.Category, &r.Region, &r.VoxelCount, &r.VolumeML, &r.MeanHU, &r.MassGrams); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error scanning result")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error iterating results")
	}
	return out, nil
}

// Jobs returns the jobs of a run keyed by case ID
func (s *Store) Jobs(runID string) (map[string]models.BatchJob, error) {
	rows, err := s.db.Query(`SELECT case_id, case_dir, status, error FROM jobs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error querying jobs")
	}
	defer rows.Close()

	out := map[string]models.BatchJob{}
	for rows.Next() {
		var j models.BatchJob
		var status string
		if err := rows.Scan(&j.CaseID, &j.CaseDir, &status, &j.Err); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error scanning job")
		}
		st, ok := parseStatus(status)
		if !ok {
			return nil, perr.Newf(perr.ErrorCodeStorage, "unknown status %q for job %s", status, j.CaseID)
		}
		j.Status = st
		out[j.CaseID] = j
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error iterating jobs")
	}
	return out, nil
}

// SucceededCases returns the IDs of cases that succeeded in any earlier run
// over the same input directory
func (s *Store) SucceededCases(inputDir string) (map[string]bool, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT j.case_id FROM jobs j
		JOIN runs r ON r.run_id = j.run_id
		WHERE j.status = ? AND r.input_dir = ?`,
		models.JobSucceeded.String(), inputDir)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error querying succeeded cases")
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error scanning case id")
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "error iterating succeeded cases")
	}
	return out, nil
}

func parseStatus(s string) (models.JobStatus, bool) {
	for st := models.JobPending; st <= models.JobCancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return models.JobPending, false
}
