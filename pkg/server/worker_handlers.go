package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/near-outlayer/outlayer-go/pkg/artifact"
	"github.com/near-outlayer/outlayer-go/pkg/database"
	"github.com/near-outlayer/outlayer-go/pkg/ledger"
	"github.com/near-outlayer/outlayer-go/pkg/lock"
	"github.com/near-outlayer/outlayer-go/pkg/sandbox"
)

// jobView is the wire shape of a job row.
type jobView struct {
	ID           string `json:"id"`
	RequestID    int64  `json:"request_id"`
	DataID       string `json:"data_id"`
	JobType      string `json:"job_type"`
	Status       string `json:"status"`
	WorkerID     string `json:"worker_id,omitempty"`
	WasmChecksum string `json:"wasm_checksum,omitempty"`
	CreatedAt    string `json:"created_at"`
	ClaimedAt    string `json:"claimed_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	Error        string `json:"error,omitempty"`
}

func viewOf(j *ledger.Job) jobView {
	v := jobView{
		ID:        j.ID.String(),
		RequestID: j.RequestID,
		DataID:    j.DataID,
		JobType:   string(j.JobType),
		Status:    string(j.Status),
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.WorkerID.Valid {
		v.WorkerID = j.WorkerID.String
	}
	if j.WasmChecksum.Valid {
		v.WasmChecksum = j.WasmChecksum.String
	}
	if j.ClaimedAt.Valid {
		v.ClaimedAt = j.ClaimedAt.Time.UTC().Format(time.RFC3339Nano)
	}
	if j.CompletedAt.Valid {
		v.CompletedAt = j.CompletedAt.Time.UTC().Format(time.RFC3339Nano)
	}
	if j.Error.Valid {
		v.Error = j.Error.String
	}
	return v
}

// handleClaim implements POST /jobs/claim: one pending job of an acceptable
// kind, atomically claimed for the caller, or an empty list when nothing is
// pending within the wait budget. `kinds` selects which job types the worker
// accepts (default both); `wait_seconds` bounds the long-poll.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	workerID := callerID(callerFrom(r.Context()))

	kinds := []ledger.JobType{ledger.JobTypeCompile, ledger.JobTypeExecute}
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		kinds = kinds[:0]
		for _, k := range strings.Split(raw, ",") {
			switch ledger.JobType(k) {
			case ledger.JobTypeCompile, ledger.JobTypeExecute:
				kinds = append(kinds, ledger.JobType(k))
			default:
				writeError(w, http.StatusBadRequest, "bad_request", "unknown job kind "+k)
				return
			}
		}
	}

	wait := 20 * time.Second
	if raw := r.URL.Query().Get("wait_seconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid wait_seconds")
			return
		}
		wait = time.Duration(n) * time.Second
	}
	if wait > s.cfg.MaxClaimWait {
		wait = s.cfg.MaxClaimWait
	}

	job, err := s.ledger.ClaimNext(r.Context(), workerID, kinds, wait)
	if errors.Is(err, ledger.ErrNoJobAvailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": []jobView{}})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": []jobView{viewOf(job)}})
}

// handleWasmUpload implements POST /wasm/upload: idempotent by checksum,
// rejecting bytes whose hash disagrees with the declared checksum.
func (s *Server) handleWasmUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	checksum := q.Get("checksum")
	if checksum == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "checksum query parameter is required")
		return
	}

	data, err := readBody(r, s.cfg.MaxUploadBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	prov := artifact.Provenance{
		RepoURL:     q.Get("repo_url"),
		CommitHash:  q.Get("commit_hash"),
		BuildTarget: q.Get("build_target"),
	}
	if err := s.artifacts.Upload(r.Context(), checksum, prov, data); err != nil {
		if errors.Is(err, artifact.ErrChecksumMismatch) {
			writeError(w, http.StatusBadRequest, "checksum_mismatch", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checksum": checksum, "size": len(data)})
}

// handleWasmDownload implements GET /wasm/{checksum}: streams the artifact
// and advertises its checksum so the consumer can re-verify.
func (s *Server) handleWasmDownload(w http.ResponseWriter, r *http.Request) {
	checksum := r.PathValue("checksum")
	reader, size, err := s.artifacts.Download(r.Context(), checksum)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("X-Wasm-Checksum", checksum)
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Printf("artifact stream %s aborted: %v", checksum, err)
	}
}

// resultSubmission is the wire shape of POST /results/submit.
type resultSubmission struct {
	JobID             string `json:"job_id"`
	Success           bool   `json:"success"`
	OutputBase64      string `json:"output_base64,omitempty"`
	ErrorClass        string `json:"error_class,omitempty"`
	Error             string `json:"error,omitempty"`
	WasmChecksum      string `json:"wasm_checksum,omitempty"`
	FuelConsumed      uint64 `json:"fuel_consumed"`
	WallMillis        int64  `json:"wall_ms"`
	CompileMillis     int64  `json:"compile_ms"`
	CostSmallestUnit  int64  `json:"cost_smallest_unit"`
	AttestationBase64 string `json:"attestation_quote_base64,omitempty"`
	MeasurementDigest string `json:"measurement_digest,omitempty"`
	SettlementTx      string `json:"settlement_tx,omitempty"`
}

// handleResultsSubmit implements POST /results/submit: records the execution
// history row and transitions the job terminal. A job already terminal is a
// conflict.
func (s *Server) handleResultsSubmit(w http.ResponseWriter, r *http.Request) {
	var sub resultSubmission
	if err := decodeJSON(r, s.cfg.MaxJSONBody, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	jobID, err := uuid.Parse(sub.JobID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid job_id")
		return
	}

	output, err := base64.StdEncoding.DecodeString(sub.OutputBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid output_base64")
		return
	}
	quote, err := base64.StdEncoding.DecodeString(sub.AttestationBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid attestation_quote_base64")
		return
	}

	if sub.Success {
		err = s.ledger.Complete(r.Context(), jobID, sub.WasmChecksum)
	} else {
		err = s.ledger.Fail(r.Context(), jobID, sub.Error)
	}
	if err != nil {
		if errors.Is(err, database.ErrJobAlreadyTerminal) {
			writeError(w, http.StatusConflict, "already_terminal", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	history := &ledger.ExecutionHistory{
		ID:                uuid.New(),
		JobID:             jobID,
		FuelConsumed:      sub.FuelConsumed,
		WallMillis:        sub.WallMillis,
		CompileMillis:     sub.CompileMillis,
		CostSmallestUnit:  sub.CostSmallestUnit,
		Output:            output,
		ErrorClass:        database.ErrorClassification(sub.ErrorClass),
		AttestationQuote:  quote,
		MeasurementDigest: sub.MeasurementDigest,
	}
	if sub.SettlementTx != "" {
		history.SettlementTxRef.String, history.SettlementTxRef.Valid = sub.SettlementTx, true
	}
	if err := s.ledger.RecordHistory(r.Context(), history); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	workerID := callerID(callerFrom(r.Context()))
	if err := s.workers.IncrementCounters(r.Context(), workerID, sub.Success, !sub.Success); err != nil {
		s.logger.Printf("failed to bump counters for %s: %v", workerID, err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": sub.JobID, "recorded": true})
}

// lockRequest is the wire shape of POST /locks/acquire. The holder is the
// authenticated caller, never client-specified.
type lockRequest struct {
	Key        string `json:"key"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeJSON(r, s.cfg.MaxJSONBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "lock key is required")
		return
	}
	ttl := s.cfg.DefaultLockTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	holder := callerID(callerFrom(r.Context()))
	if err := s.locks.Acquire(req.Key, holder, ttl); err != nil {
		if errors.Is(err, lock.ErrHeldByOther) {
			current, _, _ := s.locks.Holder(req.Key)
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"acquired": false, "held_by": current,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"acquired": true, "ttl_seconds": int(ttl.Seconds())})
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	holder := callerID(callerFrom(r.Context()))
	if err := s.locks.Release(key, holder); err != nil {
		if errors.Is(err, lock.ErrNotHolder) {
			writeError(w, http.StatusForbidden, "not_holder", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"released": true})
}

// heartbeatRequest is the wire shape of POST /workers/heartbeat.
type heartbeatRequest struct {
	Name              string `json:"name,omitempty"`
	MeasurementDigest string `json:"measurement_digest,omitempty"`
}

// handleHeartbeat updates the caller's liveness, upserting the registry row
// on first contact so a freshly registered worker appears without an
// explicit enrollment call.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, s.cfg.MaxJSONBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	workerID := callerID(callerFrom(r.Context()))
	name := req.Name
	if name == "" {
		name = workerID
	}
	worker := &database.Worker{WorkerID: workerID, Name: name}
	if req.MeasurementDigest != "" {
		worker.LastMeasurementDigest.String, worker.LastMeasurementDigest.Valid = req.MeasurementDigest, true
		worker.LastAttestedAt.Time, worker.LastAttestedAt.Valid = time.Now(), true
	}
	if err := s.workers.Upsert(r.Context(), worker); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if err := s.workers.Heartbeat(r.Context(), workerID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// taskCreateRequest is the wire shape of POST /tasks/create, used by an
// out-of-process event ingestor. The repo URL is canonicalized and the build
// path validated before any job exists, so a traversal attempt dies here
// with no filesystem access and no ledger row.
type taskCreateRequest struct {
	RequestID      int64  `json:"request_id"`
	DataID         string `json:"data_id"`
	RepoURL        string `json:"repo_url,omitempty"`
	CommitHash     string `json:"commit_hash,omitempty"`
	BuildTarget    string `json:"build_target,omitempty"`
	BuildPath      string `json:"build_path,omitempty"`
	ModuleChecksum string `json:"module_checksum,omitempty"`
}

func (s *Server) handleTasksCreate(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := decodeJSON(r, s.cfg.MaxJSONBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.DataID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "data_id is required")
		return
	}

	kinds := []ledger.JobType{ledger.JobTypeExecute}
	if req.RepoURL != "" {
		canonical, err := sandbox.CanonicalizeRepoURL(req.RepoURL, s.buildHosts)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if _, err := sandbox.ValidateBuildPath(req.BuildPath); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}

		prov := artifact.Provenance{RepoURL: canonical, CommitHash: req.CommitHash, BuildTarget: req.BuildTarget}
		if _, err := s.artifacts.Info(r.Context(), prov); err != nil {
			kinds = []ledger.JobType{ledger.JobTypeCompile, ledger.JobTypeExecute}
		}
	} else if req.ModuleChecksum == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "either repo_url or module_checksum is required")
		return
	}

	jobs, err := s.ledger.CreateJobs(r.Context(), req.RequestID, req.DataID, kinds)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}
