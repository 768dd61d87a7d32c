package cell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"fms-cell/internal/types"
	"fms-cell/internal/util"
)

// RemoteController 通过 HTTP 调用控制器适配服务
// 超时和重试策略由调用方的循环负责
type RemoteController struct {
	Endpoint string       // 适配服务地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	logger   *slog.Logger
}

// NewRemoteController 创建一个远程控制器客户端
func NewRemoteController(endpoint string, timeout time.Duration, logger *slog.Logger) *RemoteController {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteController{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "controller", "remote", endpoint),
	}
}

// writeResponse 适配服务对 /write 的应答
type writeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (c *RemoteController) LoadState(ctx context.Context) (*State, error) {
	var s State
	if err := c.get(ctx, "/state", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadCellState 适配服务尚未轮询到控制器时返回 204
func (c *RemoteController) LoadCellState(ctx context.Context) (*types.CellState, error) {
	var cs types.CellState
	if err := c.get(ctx, "/cell", &cs); err != nil {
		if errors.Is(err, errNoContent) {
			return nil, nil
		}
		return nil, err
	}
	return &cs, nil
}

// Write 将整个批次一次性 POST 到 /write
func (c *RemoteController) Write(ctx context.Context, w WriteData) error {
	logger := c.logger
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}
	logger.Info("下发写入批次", "schedules", len(w.Schedules), "parts", len(w.Parts), "fixtures", len(w.Fixtures), "pallets", len(w.Pallets))

	reqBody, err := json.Marshal(w)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/write", bytes.NewBuffer(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setTraceHeader(ctx, httpReq)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		logger.Error("远程调用失败", "error", err)
		return fmt.Errorf("controller write failed: %w", err)
	}
	defer resp.Body.Close()

	var wr writeResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return fmt.Errorf("controller write: %s: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK || !wr.Success {
		logger.Warn("控制器拒绝写入批次", "status", resp.Status, "remote_error", wr.Error)
		return fmt.Errorf("controller rejected write: %s", wr.Error)
	}
	return nil
}

var errNoContent = errors.New("no content")

func (c *RemoteController) get(ctx context.Context, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+path, nil)
	if err != nil {
		return err
	}
	setTraceHeader(ctx, httpReq)
	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("controller %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("controller %s: %s: %s", path, resp.Status, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
func setTraceHeader(ctx context.Context, r *http.Request) {
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		r.Header.Set("X-Trace-ID", traceID)
	}
}
