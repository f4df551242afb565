package async

import (
	"database/sql"
)

// JobScanArgs holds the nullable columns scanned from a jobs row
type JobScanArgs struct {
	Data        sql.NullString
	Result      sql.NullString
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan targets in the order of StandardJobSelectColumns
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.OwnerID,
		&job.Type,
		&job.Status,
		&job.TotalItems,
		&job.ProcessedItems,
		&job.SuccessCount,
		&job.FailedCount,
		&job.Progress,
		&args.Data,
		&args.Result,
		&args.ErrorMsg,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs copies the nullable columns onto the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.Data.Valid {
		job.Data = []byte(args.Data.String)
	}
	if args.Result.Valid && args.Result.String != "" {
		job.Result = []byte(args.Result.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a single job from a *sql.Row or *sql.Rows
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	args := GetJobScanArgs()
	if err := row.Scan(GetJobScanTargets(&job, args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(&job, args)
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, owner_id, type, status,
		total_items, processed_items, success_count, failed_count, progress,
		data, result, error,
		created_at, started_at, completed_at, updated_at`
}
