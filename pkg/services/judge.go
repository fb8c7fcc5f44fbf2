package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/llm"
	"github.com/ekaya-inc/ontology-engine/pkg/logging"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
	"github.com/ekaya-inc/ontology-engine/pkg/prompts"
	"github.com/ekaya-inc/ontology-engine/pkg/retry"
)

// JudgeRequest is the evidence handed to the Judge for one relation candidate.
type JudgeRequest struct {
	RelationID                 string
	EntityAType                string
	EntityBType                string
	Mappings                   []models.PropertyMapping
	PropertiesInCompositeIDKey []string
	Count                      int
	PropertyValues             map[string][]string
	PropertyCounts             map[string]int
	Examples                   []models.ExampleMatch
	Siblings                   []prompts.SiblingContext
}

// JudgeVerdict is the Judge's decision. A nil Confidence means the Judge
// gave none; callers treat it as 0.0.
type JudgeVerdict struct {
	RelationName   string
	Confidence     *float64
	Justification  string
	ReasoningTrace string
}

// Judge scores how plausible a relation candidate is.
type Judge interface {
	Evaluate(ctx context.Context, req *JudgeRequest) (*JudgeVerdict, error)
}

// LLMJudgeConfig tunes the LLM-backed Judge.
type LLMJudgeConfig struct {
	Temperature float64
	Retry       *retry.Config
}

type llmJudge struct {
	client         llm.LLMClient
	circuitBreaker *llm.CircuitBreaker
	cfg            LLMJudgeConfig
	logger         *zap.Logger
}

// NewLLMJudge creates a Judge that asks an LLM for a verdict.
func NewLLMJudge(
	client llm.LLMClient,
	circuitBreaker *llm.CircuitBreaker,
	cfg LLMJudgeConfig,
	logger *zap.Logger,
) Judge {
	if cfg.Retry == nil {
		cfg.Retry = &retry.Config{
			MaxRetries:       3,
			InitialDelay:     500 * time.Millisecond,
			MaxDelay:         10 * time.Second,
			Multiplier:       2.0,
			JitterFactor:     0.1,
			MaxSameErrorType: 3,
		}
	}
	return &llmJudge{
		client:         client,
		circuitBreaker: circuitBreaker,
		cfg:            cfg,
		logger:         logger.Named("llm-judge"),
	}
}

var _ Judge = (*llmJudge)(nil)

func (j *llmJudge) Evaluate(ctx context.Context, req *JudgeRequest) (*JudgeVerdict, error) {
	if err := j.circuitBreaker.Allow(); err != nil {
		j.logger.Error("Circuit breaker prevented LLM call",
			zap.String("relation_id", req.RelationID),
			zap.String("circuit_state", j.circuitBreaker.State().String()),
			zap.Error(err))
		return nil, err
	}

	systemMsg := prompts.BuildRelationEvaluationSystemMessage()
	prompt := prompts.BuildRelationEvaluationPrompt(prompts.RelationContext{
		EntityAType:                req.EntityAType,
		EntityBType:                req.EntityBType,
		Mappings:                   req.Mappings,
		PropertiesInCompositeIDKey: req.PropertiesInCompositeIDKey,
		Count:                      req.Count,
		PropertyValues:             req.PropertyValues,
		PropertyCounts:             req.PropertyCounts,
		Examples:                   req.Examples,
		Siblings:                   req.Siblings,
	})

	start := time.Now()
	result, err := retry.DoIfRetryableWithResult(ctx, j.cfg.Retry, func() (*llm.GenerateResponseResult, error) {
		res, err := j.client.GenerateResponse(ctx, prompt, systemMsg, j.cfg.Temperature)
		if err != nil {
			classified := llm.ClassifyError(err)
			j.logger.Warn("LLM call failed",
				zap.String("relation_id", req.RelationID),
				zap.String("error_type", string(classified.Type)),
				zap.Bool("retryable", classified.Retryable),
				zap.Error(err))
			return nil, classified
		}
		return res, nil
	})
	judgeLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		j.circuitBreaker.RecordFailure()
		return nil, fmt.Errorf("LLM call failed: %w", err)
	}
	j.circuitBreaker.RecordSuccess()

	response, err := llm.ParseJSONResponse[prompts.RelationEvaluationResponse](result.Content)
	if err != nil {
		j.logger.Error("Failed to parse LLM response",
			zap.String("relation_id", req.RelationID),
			zap.String("response_preview", logging.TruncateString(result.Content, 200)),
			zap.Error(err))
		return nil, fmt.Errorf("parse LLM response: %w", err)
	}

	verdict := &JudgeVerdict{
		RelationName:   prompts.NormalizeRelationName(response.Name()),
		Confidence:     response.Confidence(),
		Justification:  response.Justification,
		ReasoningTrace: response.Thought,
	}
	if verdict.Confidence != nil {
		c := min(max(*verdict.Confidence, 0), 1)
		verdict.Confidence = &c
	}

	j.logger.Debug("Relation evaluated",
		zap.String("relation_id", req.RelationID),
		zap.String("relation_name", verdict.RelationName),
		zap.Int("prompt_tokens", result.PromptTokens),
		zap.Int("completion_tokens", result.CompletionTokens))
	return verdict, nil
}
