package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"heritrust/internal/ledger"
	"heritrust/internal/scorer"
	"heritrust/pkg/logger"
	"heritrust/pkg/metrics"
	"heritrust/pkg/mq"
	"heritrust/pkg/trace"
	"heritrust/pkg/util"
)

const (
	// AutoScoreQueue 自动评分消费队列
	AutoScoreQueue = "ledger.autoscore.q"

	handlerName = "autoscore"
	maxRetries  = 5
)

// AutoScoreHandler 消费 ledger.proof.submitted，调用评分服务后以配置的核验员身份核验里程碑
type AutoScoreHandler struct {
	ledger   *ledger.Ledger
	scorer   *scorer.Client
	verifier ledger.Principal

	retryCounter *util.RetryCounter
	deduper      *util.Deduper
	logger       *zap.Logger
}

func NewAutoScoreHandler(
	l *ledger.Ledger,
	scorerClient *scorer.Client,
	verifier ledger.Principal,
	retryCounter *util.RetryCounter,
	deduper *util.Deduper,
	logger *zap.Logger,
) *AutoScoreHandler {
	return &AutoScoreHandler{
		ledger:       l,
		scorer:       scorerClient,
		verifier:     verifier,
		retryCounter: retryCounter,
		deduper:      deduper,
		logger:       logger,
	}
}

// Handle 返回 nil 表示 ack；返回 mq.ErrPermanent 包装的错误进入死信；其余错误重新入队
func (h *AutoScoreHandler) Handle(ctx context.Context, msg mq.Message) error {
	// --------------------------
	// Step 1: decode payload
	// --------------------------
	var event ledger.Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		h.logger.Error("Invalid proof.submitted payload, sending to DLQ",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		metrics.IncrementAutoScore("dead_letter")
		return fmt.Errorf("%w: bad payload: %v", mq.ErrPermanent, err)
	}
	if event.Type != ledger.EventProofSubmitted {
		metrics.IncrementAutoScore("skipped")
		return nil
	}

	if event.TraceID != "" {
		ctx = trace.WithContext(ctx, event.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("message_id", msg.ID),
		zap.Int64("project_id", event.ProjectID),
		zap.Int64("milestone_id", event.MilestoneID),
	)
	log.Info("AutoScoreHandler: received proof", zap.String("proof_ref", event.ProofRef))

	// 重复投递去重
	key := dedupKey(msg, event)
	if !h.deduper.AcquireOnce(ctx, handlerName, key) {
		metrics.IncrementAutoScore("skipped")
		return nil
	}

	// --------------------------
	// Step 2: retry count
	// --------------------------
	retryKey := util.FormatRetryKey(handlerName, key)
	retryCount, _ := h.retryCounter.IncrementAndGet(ctx, retryKey)

	// --------------------------
	// Step 3: score
	// --------------------------
	result, err := h.scorer.Score(ctx, event.ProofRef)
	if err != nil {
		return h.handleScorerError(ctx, log, err, key, retryKey, retryCount)
	}
	if !result.Authentic {
		// 不可信的图片留给人工核验
		log.Warn("Proof flagged as not authentic, leaving milestone for manual verification",
			zap.Int("score", result.Score),
		)
		h.retryCounter.Reset(ctx, retryKey)
		metrics.IncrementAutoScore("skipped")
		return nil
	}

	// --------------------------
	// Step 4: verify
	// --------------------------
	err = h.ledger.VerifyMilestoneProof(ctx, h.verifier, event.ProjectID, event.MilestoneID, event.ProofRef, result.Score)
	if err != nil {
		if ledger.IsRejection(err) {
			// 例如已被人工核验，或证明已被覆盖
			log.Warn("Ledger rejected auto verification", zap.Error(err))
			h.retryCounter.Reset(ctx, retryKey)
			metrics.IncrementAutoScore("rejected")
			return nil
		}
		h.deduper.Release(ctx, handlerName, key)
		metrics.IncrementAutoScore("retry")
		return fmt.Errorf("failed to verify milestone: %w", err)
	}

	h.retryCounter.Reset(ctx, retryKey)
	metrics.IncrementAutoScore("verified")
	log.Info("Milestone auto-verified", zap.Int("score", result.Score))
	return nil
}

func (h *AutoScoreHandler) handleScorerError(ctx context.Context, log *zap.Logger, err error, key, retryKey string, retryCount int64) error {
	isRetryable, errType := util.IsRetryableError(err)
	if errors.Is(err, scorer.ErrRejected) || errors.Is(err, scorer.ErrBadResponse) {
		isRetryable, errType = false, "scorer_rejected"
	}

	log.Warn("Scorer error",
		zap.String("type", errType),
		zap.Bool("retryable", isRetryable),
		zap.Int64("retry", retryCount),
		zap.Error(err),
	)

	if !util.ShouldRetry(retryCount, maxRetries, isRetryable) {
		h.retryCounter.Reset(ctx, retryKey)
		metrics.IncrementAutoScore("dead_letter")
		return fmt.Errorf("%w: %s: %v", mq.ErrPermanent, errType, err)
	}

	h.deduper.Release(ctx, handlerName, key)
	metrics.IncrementAutoScore("retry")
	return err
}

// dedupKey 优先使用消息 id（事件 seq），缺失时退化为里程碑与证明
func dedupKey(msg mq.Message, e ledger.Event) string {
	if msg.ID != "" {
		return msg.ID
	}
	return fmt.Sprintf("%d:%d:%s", e.ProjectID, e.MilestoneID, e.ProofRef)
}
