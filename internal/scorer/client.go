package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"heritrust/pkg/circuitbreaker"
	"heritrust/pkg/metrics"
	"heritrust/pkg/trace"
)

const verifyPath = "/verify-image"

var (
	// ErrRejected 核验服务拒绝请求（4xx），重试无意义
	ErrRejected = errors.New("scorer rejected request")
	// ErrBadResponse 响应无法解析或分数越界
	ErrBadResponse = errors.New("scorer returned invalid response")
)

// Result 核验服务对一份证明的评估
type Result struct {
	Score     int  `json:"verificationScore"`
	Authentic bool `json:"isAuthentic"`
}

type verifyRequest struct {
	CID string `json:"cid"`
}

// Client 图片核验服务客户端，带熔断器
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cbConfig := circuitbreaker.Config{
		Name:                "scorer",
		FailureThreshold:    3,                // 连续失败3次后打开
		Timeout:             30 * time.Second, // 打开状态持续30秒
		HalfOpenMaxRequests: 2,                // 半开状态下连续成功2次后关闭
		// 4xx 是调用方的问题，不代表服务不健康
		IsFailure: func(err error) bool { return !errors.Is(err, ErrRejected) },
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cb:         circuitbreaker.NewCircuitBreaker(cbConfig),
		logger:     logger,
	}
}

// Score 为证明引用打分。熔断打开时返回 circuitbreaker.ErrCircuitBreakerOpen，不会编造分数。
func (c *Client) Score(ctx context.Context, proofRef string) (*Result, error) {
	var result *Result
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.verify(ctx, proofRef)
		return err
	})
	if err != nil {
		c.logger.Warn("Scorer call failed",
			zap.String("proof_ref", proofRef),
			zap.String("breaker", c.cb.GetState().String()),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

func (c *Client) verify(ctx context.Context, proofRef string) (*Result, error) {
	start := time.Now()
	status := "success"
	defer func() {
		metrics.RecordScorerCallLatency(verifyPath, status, time.Since(start))
	}()

	body, err := json.Marshal(verifyRequest{CID: proofRef})
	if err != nil {
		status = "error"
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+verifyPath, bytes.NewReader(body))
	if err != nil {
		status = "error"
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	// 传播 trace_id
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		status = "error"
		return nil, fmt.Errorf("failed to call scorer: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		status = "5xx"
		return nil, fmt.Errorf("scorer 5xx: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		status = strconv.Itoa(resp.StatusCode)
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		status = "decode_error"
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if result.Score < 0 || result.Score > 100 {
		status = "decode_error"
		return nil, fmt.Errorf("%w: score %d out of range", ErrBadResponse, result.Score)
	}
	return &result, nil
}
