package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"fms-cell/internal/event"
	"fms-cell/internal/jobdb"
	"fms-cell/internal/types"

	"github.com/hashicorp/go-multierror"
)

// JobStore 是 HTTP 接口所需的作业存储操作
type JobStore interface {
	AddJobs(ctx context.Context, nj types.NewJobs, expectedPreviousScheduleID string, copiedToSystem bool) error
	LoadJob(ctx context.Context, unique string) (*types.Job, error)
	LoadJobHistory(ctx context.Context, start, end time.Time) ([]*types.Job, error)
	LoadMostRecentSchedule(ctx context.Context) (string, []*types.Job, error)
	AddNewDecrement(ctx context.Context, counts []types.NewDecrement) ([]types.Decrement, error)
	ArchiveJobs(ctx context.Context, uniques []string, decrements []types.NewDecrement) ([]types.Decrement, error)
	UpdateJobHold(ctx context.Context, unique string, hold *types.HoldPattern) error
}

// AddJobsRequest 是 POST /api/jobs 的请求体
type AddJobsRequest struct {
	NewJobs                    types.NewJobs `json:"newJobs"`
	ExpectedPreviousScheduleID string        `json:"expectedPreviousScheduleId,omitempty"`
}

// ArchiveRequest 是 POST /api/jobs/archive 的请求体
type ArchiveRequest struct {
	Jobs       []string             `json:"jobs"`
	Decrements []types.NewDecrement `json:"decrements,omitempty"`
}

// PlannedSchedule 是 GET /api/jobs/latest-schedule 的应答
// 客户端提交下一批作业时把 LatestScheduleID 作为 expectedPreviousScheduleId 传回
type PlannedSchedule struct {
	LatestScheduleID string       `json:"latestScheduleId"`
	Jobs             []*types.Job `json:"jobs"`
}

// API 提供作业管理和状态查询的 HTTP 接口
type API struct {
	store   JobStore
	tracker *StatusTracker
	bus     *event.Bus
	logger  *slog.Logger
}

// NewAPI 创建一个新的 API 实例
func NewAPI(store JobStore, tracker *StatusTracker, bus *event.Bus, logger *slog.Logger) *API {
	return &API{store: store, tracker: tracker, bus: bus, logger: logger.With("component", "api")}
}

// Register 把所有路由注册到 mux
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", a.getStatus)
	mux.HandleFunc("POST /api/jobs", a.addJobs)
	mux.HandleFunc("GET /api/jobs/history", a.jobHistory)
	mux.HandleFunc("GET /api/jobs/latest-schedule", a.latestSchedule)
	mux.HandleFunc("GET /api/jobs/{unique}", a.getJob)
	mux.HandleFunc("PUT /api/jobs/{unique}/hold", a.updateHold)
	mux.HandleFunc("POST /api/jobs/archive", a.archive)
	mux.HandleFunc("POST /api/decrements", a.addDecrements)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var merr *multierror.Error
	switch {
	case errors.Is(err, jobdb.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, jobdb.ErrScheduleMismatch):
		code = http.StatusConflict
	case errors.As(err, &merr):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		a.logger.Error("请求处理失败", "error", err)
	} else {
		a.logger.Warn("请求被拒绝", "error", err, "status", code)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.tracker.Snapshot())
}

func (a *API) addJobs(w http.ResponseWriter, r *http.Request) {
	var req AddJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.logger.Warn("解析作业请求失败", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.store.AddJobs(r.Context(), req.NewJobs, req.ExpectedPreviousScheduleID, false); err != nil {
		a.writeError(w, err)
		return
	}
	uniques := make([]string, 0, len(req.NewJobs.Jobs))
	for _, j := range req.NewJobs.Jobs {
		uniques = append(uniques, j.UniqueStr)
	}
	a.bus.Publish(event.Event{Type: event.JobsAdded, Jobs: uniques})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "jobs": uniques})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.LoadJob(r.Context(), r.PathValue("unique"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) jobHistory(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		http.Error(w, "invalid start: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, "invalid end: "+err.Error(), http.StatusBadRequest)
		return
	}
	jobs, err := a.store.LoadJobHistory(r.Context(), start, end)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) latestSchedule(w http.ResponseWriter, r *http.Request) {
	id, jobs, err := a.store.LoadMostRecentSchedule(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, PlannedSchedule{LatestScheduleID: id, Jobs: jobs})
}

// updateHold 请求体为 HoldPattern，null 表示清除保持
func (a *API) updateHold(w http.ResponseWriter, r *http.Request) {
	var hold *types.HoldPattern
	if err := json.NewDecoder(r.Body).Decode(&hold); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.store.UpdateJobHold(r.Context(), r.PathValue("unique"), hold); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) archive(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	decs, err := a.store.ArchiveJobs(r.Context(), req.Jobs, req.Decrements)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.bus.Publish(event.Event{Type: event.JobsArchived, Jobs: req.Jobs, Decrements: decs})
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": req.Jobs, "decrements": decs})
}

func (a *API) addDecrements(w http.ResponseWriter, r *http.Request) {
	var counts []types.NewDecrement
	if err := json.NewDecoder(r.Body).Decode(&counts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	decs, err := a.store.AddNewDecrement(r.Context(), counts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if len(decs) > 0 {
		a.bus.Publish(event.Event{Type: event.DecrementsAdded, Decrements: decs})
	}
	writeJSON(w, http.StatusOK, decs)
}
