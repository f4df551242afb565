package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/pulse/async"
)

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 500
	maxDeliveryPage     = 1000
)

// createJobRequest is the body of POST /api/jobs. The camelCase aliases
// are accepted for dashboard clients.
type createJobRequest struct {
	Type          string                   `json:"type"`
	Items         []map[string]interface{} `json:"items"`
	Params        *async.Params            `json:"params"`
	WorkItems     []map[string]interface{} `json:"workItems"`
	ChannelParams *async.Params            `json:"channelParams"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

// HandleCreateJob accepts a job and returns its id without waiting for it
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !readJSON(w, r, &req) {
		return
	}

	raw := req.Items
	if raw == nil {
		raw = req.WorkItems
	}
	params := req.Params
	if params == nil {
		params = req.ChannelParams
	}
	if params == nil {
		params = &async.Params{}
	}

	id, err := s.deps.Supervisor.Start(r.Context(), ownerID(r), async.JobType(req.Type), toItems(raw), *params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: id})
}

// toItems flattens JSON work items into string fields for templating
func toItems(raw []map[string]interface{}) []async.Item {
	items := make([]async.Item, 0, len(raw))
	for _, obj := range raw {
		item := make(async.Item, len(obj))
		for k, v := range obj {
			switch val := v.(type) {
			case nil:
				item[k] = ""
			case string:
				item[k] = val
			case float64:
				item[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				item[k] = strconv.FormatBool(val)
			default:
				b, err := json.Marshal(val)
				if err != nil {
					item[k] = fmt.Sprint(val)
					continue
				}
				item[k] = string(b)
			}
		}
		items = append(items, item)
	}
	return items
}

// HandleListJobs lists the owner's jobs, newest first
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := async.JobFilter{
		OwnerID: ownerID(r),
		Limit:   parseIntQueryParam(r, "limit", defaultJobListLimit, 1, maxJobListLimit),
	}
	if t := q.Get("type"); t != "" {
		if !async.IsValidType(t) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job type %q", t))
			return
		}
		filter.Type = async.JobType(t)
	}
	if st := q.Get("status"); st != "" {
		if !async.IsValidStatus(st) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job status %q", st))
			return
		}
		filter.Status = async.JobStatus(st)
	}

	jobs, err := s.deps.Supervisor.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleGetJob returns the job record for polling
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Supervisor.Get(r.Context(), r.PathValue("id"), ownerID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleDeleteJob soft-cancels an active job or deletes a finished one.
// Cancelled jobs are returned so the client sees the new status.
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	deleted, job, err := s.deps.Supervisor.Delete(r.Context(), r.PathValue("id"), ownerID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if deleted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) HandlePauseJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Supervisor.Pause(r.Context(), r.PathValue("id"), ownerID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) HandleResumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Supervisor.Resume(r.Context(), r.PathValue("id"), ownerID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleJobDeliveries pages through a job's per-item delivery records
func (s *Server) HandleJobDeliveries(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	id := r.PathValue("id")

	// Existence check so unknown jobs are 404 rather than an empty page
	if _, err := s.deps.Supervisor.Get(r.Context(), id, owner); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	limit := parseIntQueryParam(r, "limit", 100, 1, maxDeliveryPage)
	offset := parseIntQueryParam(r, "offset", 0, 0, 1<<30)
	records, err := s.deps.Deliveries.ListByJob(r.Context(), id, owner, limit, offset)
	if err != nil {
		s.writeServiceError(w, r, errors.Wrapf(err, "failed to list deliveries for job %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": records,
		"count":      len(records),
	})
}
