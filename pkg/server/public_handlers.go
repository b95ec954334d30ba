package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/near-outlayer/outlayer-go/pkg/artifact"
	"github.com/near-outlayer/outlayer-go/pkg/database"
	"github.com/near-outlayer/outlayer-go/pkg/health"
	"github.com/near-outlayer/outlayer-go/pkg/sandbox"
)

// handleHealth is the cheap liveness check: the process is up and routing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthDetailed reports the health collector's per-subsystem view.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeJSON(w, http.StatusOK, health.Report{Overall: health.StatusOK})
		return
	}
	report := s.collector.Summary()
	status := http.StatusOK
	if report.Overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// workerView is the public projection of a worker registry row. Token
// hashes never leave the database.
type workerView struct {
	WorkerID          string `json:"worker_id"`
	Name              string `json:"name"`
	Status            string `json:"status"`
	LastHeartbeat     string `json:"last_heartbeat,omitempty"`
	LastAttestedAt    string `json:"last_attested_at,omitempty"`
	MeasurementDigest string `json:"measurement_digest,omitempty"`
	TasksCompleted    int64  `json:"tasks_completed"`
	TasksFailed       int64  `json:"tasks_failed"`
}

func (s *Server) handlePublicWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.workers.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	now := time.Now()
	views := make([]workerView, 0, len(workers))
	for _, worker := range workers {
		v := workerView{
			WorkerID:       worker.WorkerID,
			Name:           worker.Name,
			Status:         string(database.Status(worker, now)),
			TasksCompleted: worker.TasksCompleted,
			TasksFailed:    worker.TasksFailed,
		}
		if worker.LastHeartbeat.Valid {
			v.LastHeartbeat = worker.LastHeartbeat.Time.UTC().Format(time.RFC3339)
		}
		if worker.LastAttestedAt.Valid {
			v.LastAttestedAt = worker.LastAttestedAt.Time.UTC().Format(time.RFC3339)
		}
		if worker.LastMeasurementDigest.Valid {
			v.MeasurementDigest = worker.LastMeasurementDigest.String
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": views})
}

func (s *Server) handlePublicJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.ledger.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views, "limit": limit, "offset": offset})
}

func (s *Server) handlePublicStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.ledger.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	workers, err := s.workers.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	now := time.Now()
	workerCounts := make(map[database.WorkerStatusKind]int)
	for _, worker := range workers {
		workerCounts[database.Status(worker, now)]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":    counts,
		"workers": workerCounts,
	})
}

// handleWasmInfo answers whether a provenance triple is already cached. The
// repo URL is canonicalized first so every externally equivalent form maps
// to the same cache entry.
func (s *Server) handleWasmInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	canonical, err := sandbox.CanonicalizeRepoURL(q.Get("repo_url"), s.buildHosts)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	prov := artifact.Provenance{
		RepoURL:     canonical,
		CommitHash:  q.Get("commit_hash"),
		BuildTarget: q.Get("build_target"),
	}
	info, err := s.artifacts.Info(r.Context(), prov)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"cached": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cached":     true,
		"checksum":   info.Checksum,
		"size_bytes": info.SizeBytes,
		"created_at": info.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// handleAdminWorkerDelete removes a worker and its tokens. Admin scope only.
func (s *Server) handleAdminWorkerDelete(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	if err := s.workers.Delete(r.Context(), workerID); err != nil {
		if err == database.ErrWorkerNotFound {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": workerID})
}
