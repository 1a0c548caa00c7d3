package models

// ResultRecord is one row of the statistics table: the voxels of a case that
// belong to one category within one region. Records are created once by the
// aggregator and never mutated.
type ResultRecord struct {
	CaseID     string  `json:"caseId" yaml:"caseId"`
	Category   string  `json:"categoryName" yaml:"categoryName"`
	Region     string  `json:"regionName" yaml:"regionName"`
	VoxelCount int     `json:"voxelCount" yaml:"voxelCount"`
	VolumeML   float64 `json:"volumeMilliliters" yaml:"volumeMilliliters"`
	MeanHU     float64 `json:"meanHU" yaml:"meanHU"`
	MassGrams  float64 `json:"estimatedMassGrams" yaml:"estimatedMassGrams"`
}

// JobStatus is the lifecycle state of a BatchJob
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobSkipped
	JobCancelled
)

// String returns the status name as written to logs, the CSV and the database
func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "Pending"
	case JobRunning:
		return "Running"
	case JobSucceeded:
		return "Succeeded"
	case JobFailed:
		return "Failed"
	case JobSkipped:
		return "Skipped"
	case JobCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the job will not change state again in this run
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobSkipped || s == JobCancelled
}

// BatchJob tracks one case folder through a batch run. Jobs are created by
// the scan and mutated only by the batch controller.
type BatchJob struct {
	// CaseDir is the absolute path of the case folder
	CaseDir string

	// CaseID is the folder name, used as the caseId column
	CaseID string

	Status JobStatus

	// Err holds the failure message for Failed jobs and the reason for Skipped ones
	Err string
}
