// Package agent implements the planner, executor, and monitor agents
// plus the shared kernel that gives each of them memory recall and
// reflection. Agents are stateless between calls; everything durable
// lives in the plan store and the memory store.
package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/config"
	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/logging"
	"github.com/fyrsmithlabs/deployd/internal/memory"
)

// Outcome status values written to episodic memory.
const (
	outcomeSucceeded       = "succeeded"
	outcomeFailed          = "failed"
	OutcomeResolvedByRetry = "resolved_by_retry"
)

// Kernel is the capability set shared by all agents: recall past
// outcomes, record new ones, and distill semantic rules. Every method
// is best-effort; a broken memory store degrades agents to amnesia,
// it never fails a deployment.
type Kernel struct {
	store           memory.Store
	recallLimit     int
	retryThreshold  int
	replanThreshold int
	logger          *logging.Logger
}

// NewKernel builds the shared kernel. A nil logger is replaced with a
// nop.
func NewKernel(store memory.Store, cfg config.MemoryConfig, logger *logging.Logger) *Kernel {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Kernel{
		store:           store,
		recallLimit:     cfg.RecallLimit,
		retryThreshold:  cfg.RetryThreshold,
		replanThreshold: cfg.ReplanThreshold,
		logger:          logger.Named("agent.kernel"),
	}
}

// Recall returns the agent's most relevant memories for query.
func (k *Kernel) Recall(ctx context.Context, agent deploy.AgentType, query string) []*memory.Entry {
	entries, err := k.store.Recall(ctx, agent, query, k.recallLimit)
	if err != nil {
		k.logger.Warn(ctx, "memory recall failed", zap.Error(err))
		return nil
	}
	return entries
}

// Remember writes one episodic record of an outcome.
func (k *Kernel) Remember(ctx context.Context, agent deploy.AgentType, entryCtx map[string]string, outcome memory.Outcome) {
	_, err := k.store.Put(ctx, &memory.Entry{
		Agent:   agent,
		Kind:    memory.KindEpisodic,
		Context: entryCtx,
		Outcome: outcome,
	})
	if err != nil {
		k.logger.Warn(ctx, "memory write failed", zap.Error(err))
	}
}

// LearnPattern writes one semantic rule distilled from experience.
func (k *Kernel) LearnPattern(ctx context.Context, agent deploy.AgentType, pattern, lesson string) {
	_, err := k.store.Put(ctx, &memory.Entry{
		Agent:   agent,
		Kind:    memory.KindSemantic,
		Pattern: pattern,
		Lesson:  lesson,
	})
	if err != nil {
		k.logger.Warn(ctx, "semantic memory write failed", zap.Error(err))
	}
}

// RetryResolvedBefore reports whether past runs saw this action fail
// the same way and recover on retry often enough to justify retrying
// over replanning.
func (k *Kernel) RetryResolvedBefore(ctx context.Context, agent deploy.AgentType, action, errMsg string) bool {
	entries := k.Recall(ctx, agent, action+" "+errMsg)
	hits := 0
	for _, e := range entries {
		if e.Kind != memory.KindEpisodic {
			continue
		}
		if e.Context["action"] == action && e.Outcome.Status == OutcomeResolvedByRetry {
			hits++
		}
	}
	return hits >= k.retryThreshold
}

// SimilarFailureCount counts recalled episodic failures matching the
// query. At or past the replan threshold the monitor escalates to
// replanning without burning the remaining retries.
func (k *Kernel) SimilarFailureCount(ctx context.Context, agent deploy.AgentType, query string) int {
	entries := k.Recall(ctx, agent, query)
	count := 0
	for _, e := range entries {
		if e.Kind == memory.KindEpisodic && e.Outcome.Status == outcomeFailed {
			count++
		}
	}
	return count
}

// ReplanThreshold exposes the configured escalation threshold.
func (k *Kernel) ReplanThreshold() int { return k.replanThreshold }
