package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"fms-cell/internal/cell"
	"fms-cell/internal/types"
)

// writeResponse 定义了 /write 返回的响应体
type writeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// main 是模拟控制器适配服务的入口
func main() {
	port := os.Getenv("CELL_SIM_ADDR")
	if port == "" {
		port = ":9090"
	}
	schema := cell.PalletSchema(os.Getenv("CELL_SIM_PALLET_SCHEMA"))
	if schema == "" {
		schema = cell.PalletSchemaGroup
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "cell-sim")
	slog.SetDefault(logger)

	ctrl := cell.NewSimController(schema)

	logger.Info("=== 模拟控制器服务启动 ===", "port", port, "pallet_schema", schema)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		state, err := ctrl.LoadState(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(state)
	})

	mux.HandleFunc("GET /cell", func(w http.ResponseWriter, r *http.Request) {
		cs, err := ctrl.LoadCellState(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if cs == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cs)
	})

	mux.HandleFunc("POST /write", func(w http.ResponseWriter, r *http.Request) {
		var data cell.WriteData
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			logger.Warn("解析请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		reqLogger := logger
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			reqLogger = reqLogger.With("trace_id", traceID)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := ctrl.Write(r.Context(), data); err != nil {
			reqLogger.Warn("拒绝写入批次", "error", err)
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(writeResponse{Success: false, Error: err.Error()})
			return
		}
		reqLogger.Info("写入批次完成", "schedules", len(data.Schedules), "parts", len(data.Parts), "fixtures", len(data.Fixtures), "pallets", len(data.Pallets))
		json.NewEncoder(w).Encode(writeResponse{Success: true})
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go produce(ctx, ctrl, logger)

	srv := &http.Server{Addr: port, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("服务启动失败", "error", err)
	}
}

// produce 模拟生产：每个周期每个未完成的排程卸载一件，并刷新实时状态
func produce(ctx context.Context, ctrl *cell.SimController, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var nextMaterial int64 = 1

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()
		state, err := ctrl.LoadState(ctx)
		if err != nil {
			continue
		}

		var events []types.LogEntry
		var paths []types.MaterialPath
		for _, s := range state.Schedules {
			if s.CompleteQuantity >= s.PlanQuantity {
				continue
			}
			unique, path, _, ok := cell.ParseComment(s.Comment)
			if !ok {
				continue
			}
			part, _, _, _ := cell.ParsePartName(s.PartName)
			numProc := len(s.Processes)
			mat := nextMaterial
			nextMaterial++
			ctrl.CompleteSchedule(s.ID, 1)

			paths = append(paths, types.MaterialPath{MaterialID: mat, Process: numProc, Path: path})
			events = append(events, types.LogEntry{
				Type:         types.LogLoadUnloadCycle,
				EndTimeUTC:   now,
				LocationName: "L/U",
				LocationNum:  1,
				Result:       "UNLOAD",
				Material: []types.LogMaterial{{
					MaterialID:   mat,
					JobUniqueStr: unique,
					PartName:     part,
					Process:      numProc,
					NumProcesses: numProc,
					Face:         "1",
				}},
			})
			logger.Info("模拟卸载一件", "schedule", s.ID, "job", unique, "material", mat)
		}

		ctrl.AddEvents(events, paths)
		pallets := palletStates(state)
		ctrl.UpdateCellState(func(cs *types.CellState) {
			cs.TimeOfStatusUTC = now
			cs.Pallets = pallets
		})
	}
}

// palletStates 由已下载的托盘生成实时状态，所有托盘停在缓存位
func palletStates(state *cell.State) []types.PalletState {
	seen := make(map[int]bool)
	var nums []int
	for _, p := range state.Pallets {
		if !seen[p.PalletNumber] {
			seen[p.PalletNumber] = true
			nums = append(nums, p.PalletNumber)
		}
	}
	sort.Ints(nums)
	pallets := make([]types.PalletState, 0, len(nums))
	for i, n := range nums {
		pallets = append(pallets, types.PalletState{
			Master:     types.PalletMaster{PalletNum: n},
			CurStation: types.PalletLocation{Location: types.LocBuffer, StationGroup: "Buffer", Num: i + 1},
		})
	}
	return pallets
}
