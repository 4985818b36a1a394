package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/calder-ai/drover/internal/audit"
	"github.com/calder-ai/drover/internal/config"
	"github.com/calder-ai/drover/internal/metrics"
)

// ToolProvider supplies the tool set for the next step. Providers may change
// their answer between steps; the loop reconciles before every model call.
type ToolProvider interface {
	Tools(ctx context.Context) ([]tool.InvokableTool, error)
}

// ReturnDirectExtraKey marks a tool whose successful result ends the run
// immediately: the observation becomes the final output, with no further
// model step. Tools opt in by setting this key to true in Info().Extra.
const ReturnDirectExtraKey = "return_direct"

// StepRecord is what the loop yields after each completed step.
type StepRecord struct {
	Step        int
	ToolName    string
	ToolInput   string
	Observation string
}

// FinishReason explains why a run ended.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishMaxSteps  FinishReason = "max_steps"
	FinishAborted   FinishReason = "aborted"
)

// Result is the outcome of one Run.
type Result struct {
	Output string
	Reason FinishReason
	Steps  []StepRecord
}

// Loop drives the step-bounded agent cycle: reconcile tools, generate, run at
// most one tool call, feed the observation back, repeat.
type Loop struct {
	model    model.ChatModel
	provider ToolProvider
	logger   *slog.Logger
	maxSteps int

	runtimeMetric *metrics.RuntimeMetrics
	auditLog      *audit.Writer

	// OnStep is called after every step that executed a tool.
	OnStep func(StepRecord)

	OnToolStart  func(name, args string)
	OnToolFinish func(name, result string, err error)
}

// NewLoop creates an agent loop bound to a chat model and a tool provider.
func NewLoop(cfg *config.Config, chatModel model.ChatModel, provider ToolProvider, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := cfg.Agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}
	return &Loop{
		model:    chatModel,
		provider: provider,
		logger:   logger,
		maxSteps: maxSteps,
	}
}

// SetRuntimeMetrics attaches a runtime metrics recorder for tool execution stats.
func (l *Loop) SetRuntimeMetrics(recorder *metrics.RuntimeMetrics) {
	l.runtimeMetric = recorder
}

// SetAuditWriter attaches an append-only audit trail for tool calls.
func (l *Loop) SetAuditWriter(writer *audit.Writer) {
	l.auditLog = writer
}

const systemPrompt = `You are a capable assistant with access to tools from connected MCP servers.
Use at most one tool per step. When you have enough information, answer directly without calling a tool.`

// Run executes the loop for one prompt. Tool failures never abort the run;
// they come back to the model as inline "Error: ..." observations. The run
// ends when the model answers without a tool call, the step budget runs out,
// or the context is cancelled.
func (l *Loop) Run(ctx context.Context, prompt string) (*Result, error) {
	if l.model == nil {
		return nil, fmt.Errorf("no model configured")
	}

	requestID := uuid.NewString()
	logger := l.logger.With("request_id", requestID)
	logger.Info("agent run started", "max_steps", l.maxSteps)

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(prompt),
	}

	result := &Result{Reason: FinishMaxSteps}
	var (
		boundKey string
		byName   map[string]tool.InvokableTool
		direct   map[string]bool
	)

	for step := 1; step <= l.maxSteps; step++ {
		select {
		case <-ctx.Done():
			result.Reason = FinishAborted
			return result, ctx.Err()
		default:
		}

		// Reconcile the tool set before every step: the provider may have
		// connected or disconnected servers since the last one.
		refreshed, refreshedDirect, key, err := l.reconcileTools(ctx, boundKey)
		if err != nil {
			logger.Warn("tool reconciliation failed, keeping previous tool set", "step", step, "error", err)
		} else if key != boundKey {
			logger.Info("tool set changed, rebinding", "step", step, "tools", len(refreshed))
			if err := l.bindTools(ctx, refreshed); err != nil {
				result.Reason = FinishAborted
				return result, err
			}
			boundKey = key
			byName = refreshed
			direct = refreshedDirect
		} else if byName == nil {
			if err := l.bindTools(ctx, refreshed); err != nil {
				result.Reason = FinishAborted
				return result, err
			}
			byName = refreshed
			direct = refreshedDirect
		}

		resp, err := l.model.Generate(ctx, messages)
		if err != nil {
			result.Reason = FinishAborted
			return result, fmt.Errorf("generate step %d: %w", step, err)
		}
		if resp.Content != "" {
			result.Output = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			result.Reason = FinishCompleted
			logger.Info("agent run finished", "steps", step)
			return result, nil
		}

		// One tool call per step. Extra calls in the same response are
		// dropped, not queued: the model sees the observation first and
		// decides again with the reconciled tool set.
		call := resp.ToolCalls[0]
		if len(resp.ToolCalls) > 1 {
			logger.Debug("dropping extra tool calls", "step", step, "dropped", len(resp.ToolCalls)-1)
			resp.ToolCalls = resp.ToolCalls[:1]
		}
		messages = append(messages, resp)

		observation, runErr := l.executeTool(ctx, logger, byName, call, step)
		record := StepRecord{
			Step:        step,
			ToolName:    call.Function.Name,
			ToolInput:   call.Function.Arguments,
			Observation: observation,
		}
		result.Steps = append(result.Steps, record)
		if l.OnStep != nil {
			l.OnStep(record)
		}
		if l.auditLog != nil {
			if err := l.auditLog.Append(audit.Event{
				Time:      time.Now().UTC(),
				Type:      "tool_call",
				RequestID: requestID,
				Step:      step,
				Tool:      record.ToolName,
				Result:    record.Observation,
			}); err != nil {
				logger.Warn("append audit event failed", "error", err)
			}
		}

		// A return-direct tool ends the run with its observation as the
		// answer; the model never sees the result.
		if runErr == nil && direct[call.Function.Name] {
			result.Output = observation
			result.Reason = FinishCompleted
			logger.Info("agent run finished", "steps", step, "return_direct", true)
			return result, nil
		}

		messages = append(messages, &schema.Message{
			Role:       schema.Tool,
			Content:    observation,
			ToolCallID: call.ID,
		})
	}

	if result.Output == "" {
		result.Output = fmt.Sprintf("Reached the maximum of %d steps without a final answer.", l.maxSteps)
	}
	logger.Info("agent run hit step limit", "max_steps", l.maxSteps)
	return result, nil
}

// reconcileTools fetches the provider's current tool set and returns it keyed
// by name, the names of tools that end the run directly, and a stable key
// over the sorted names for change detection.
func (l *Loop) reconcileTools(ctx context.Context, previousKey string) (map[string]tool.InvokableTool, map[string]bool, string, error) {
	toolSet, err := l.provider.Tools(ctx)
	if err != nil {
		return nil, nil, previousKey, err
	}

	byName := make(map[string]tool.InvokableTool, len(toolSet))
	direct := make(map[string]bool)
	names := make([]string, 0, len(toolSet))
	for _, t := range toolSet {
		info, err := t.Info(ctx)
		if err != nil || info == nil || info.Name == "" {
			continue
		}
		byName[info.Name] = t
		names = append(names, info.Name)
		if flag, ok := info.Extra[ReturnDirectExtraKey].(bool); ok && flag {
			direct[info.Name] = true
		}
	}
	sort.Strings(names)
	return byName, direct, strings.Join(names, "\n"), nil
}

func (l *Loop) bindTools(ctx context.Context, byName map[string]tool.InvokableTool) error {
	infos := make([]*schema.ToolInfo, 0, len(byName))
	for _, t := range byName {
		info, err := t.Info(ctx)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	if binder, ok := l.model.(interface {
		BindTools([]*schema.ToolInfo) error
	}); ok {
		return binder.BindTools(infos)
	}
	return nil
}

// executeTool runs one tool call against the reconciled set. A call naming a
// tool that is no longer in the set is refused with an inline error; stale
// tools from a disconnected server are never executed. The returned error
// mirrors the "Error: ..." observation so callers can tell failure apart
// without parsing it.
func (l *Loop) executeTool(ctx context.Context, logger *slog.Logger, byName map[string]tool.InvokableTool, call schema.ToolCall, step int) (string, error) {
	name := call.Function.Name
	args := call.Function.Arguments

	if l.OnToolStart != nil {
		l.OnToolStart(name, args)
	}

	toolStart := time.Now()
	var (
		result string
		err    error
	)
	if t, ok := byName[name]; ok {
		result, err = t.InvokableRun(ctx, args)
	} else {
		err = fmt.Errorf("tool %q is not available in the current tool set", name)
	}
	if err != nil {
		result = "Error: " + err.Error()
	}

	toolDuration := time.Since(toolStart)
	logAttrs := []any{
		"step", step,
		"tool", name,
		"tool_duration", toolDuration.String(),
		"duration_ms", toolDuration.Milliseconds(),
		"success", err == nil,
	}
	if l.runtimeMetric != nil {
		snapshot, metricErr := l.runtimeMetric.RecordToolExecution(toolDuration, result, err)
		if metricErr != nil {
			logger.Warn("record runtime metrics failed", "scope", "tool", "error", metricErr)
		}
		logAttrs = append(logAttrs,
			"tool_total", snapshot.Tool.Total,
			"tool_error_ratio", snapshot.Tool.ErrorRatio(),
			"tool_latency_p95_proxy_ms", snapshot.Tool.P95ProxyLatencyMs,
		)
	}
	logger.Info("tool execution finished", logAttrs...)

	if l.OnToolFinish != nil {
		l.OnToolFinish(name, result, err)
	}
	return result, err
}
