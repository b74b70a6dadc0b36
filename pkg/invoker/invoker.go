package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/adapter"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/thread"
	"github.com/scriptorhq/scriptor/pkg/tool"
	"github.com/scriptorhq/scriptor/pkg/utils/logging"
	"google.golang.org/genai"
)

const (
	defaultMaxToolCalls   = 8
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
	busyRetryLimit        = 3
)

// Invoker executes one agent turn: it appends the instruction to the
// identity's thread, runs the tool-call loop, calls the completion service
// with the full thread, appends the output and returns it. Once a turn
// completes, its recorded messages are fixed historical fact.
type Invoker struct {
	gemini   adapter.Gemini
	threads  *thread.Manager
	registry *tool.Registry

	maxToolCalls   int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

type Option func(*Invoker)

// WithMaxToolCalls bounds the tool-call loop within one turn
func WithMaxToolCalls(n int) Option {
	return func(iv *Invoker) {
		iv.maxToolCalls = n
	}
}

// WithMaxAttempts sets the retry budget for completion calls
func WithMaxAttempts(n int) Option {
	return func(iv *Invoker) {
		iv.maxAttempts = n
	}
}

// WithBackoff sets the exponential backoff schedule for completion retries
func WithBackoff(initial, max time.Duration) Option {
	return func(iv *Invoker) {
		iv.initialBackoff = initial
		iv.maxBackoff = max
	}
}

// WithSleep replaces the backoff sleeper, used by tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(iv *Invoker) {
		iv.sleep = sleep
	}
}

func New(gemini adapter.Gemini, threads *thread.Manager, registry *tool.Registry, opts ...Option) *Invoker {
	iv := &Invoker{
		gemini:         gemini,
		threads:        threads,
		registry:       registry,
		maxToolCalls:   defaultMaxToolCalls,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// TurnInput describes one agent turn
type TurnInput struct {
	Identity    string
	Instruction string
	ProjectID   string
}

// TurnOutput is the result of a completed turn
type TurnOutput struct {
	Text      string
	ThreadLen int
}

// Turn executes one turn for the identity. The conversation mutation is
// visible to subsequent turns for the same identity, which is how context
// carries forward across pipeline steps.
func (iv *Invoker) Turn(ctx context.Context, input TurnInput) (*TurnOutput, error) {
	if input.Identity == "" {
		return nil, goerr.New("identity is empty")
	}
	if input.Instruction == "" {
		return nil, goerr.New("instruction is empty", goerr.V("identity", input.Identity))
	}

	logger := logging.From(ctx)

	if _, err := iv.append(ctx, input.Identity, model.NewMessage(model.RoleUser, input.Instruction)); err != nil {
		return nil, err
	}

	history, err := iv.threads.Messages(ctx, input.Identity)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read thread", goerr.V("identity", input.Identity))
	}
	contents := historyContents(history)

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(iv.systemInstruction(ctx, input.Identity), ""),
	}
	if iv.registry != nil {
		config.Tools = iv.registry.Specs()
	}

	var finalText string
	for i := 0; i < iv.maxToolCalls; i++ {
		resp, err := iv.generateWithRetry(ctx, contents, config)
		if err != nil {
			return nil, err
		}

		hasFunctionCall := false
		var functionResponses []*genai.Part

		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			contents = append(contents, candidate.Content)

			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					finalText = part.Text
				}

				if part.FunctionCall == nil {
					continue
				}
				hasFunctionCall = true

				funcResp, execErr := iv.executeTool(ctx, input, *part.FunctionCall)
				if execErr != nil {
					// An exhausted retrieval budget fails the whole turn.
					// Other tool errors are handed back to the model as an
					// error response so it can carry on without the tool.
					if errors.Is(execErr, model.ErrUpstreamUnavailable) {
						return nil, goerr.Wrap(execErr, "tool call failed after retries",
							goerr.V("tool", part.FunctionCall.Name),
							goerr.V("identity", input.Identity))
					}
					logger.Warn("tool execution failed",
						"tool", part.FunctionCall.Name, "error", execErr)
					funcResp = &genai.FunctionResponse{
						Name:     part.FunctionCall.Name,
						Response: map[string]any{"error": execErr.Error()},
					}
				}
				functionResponses = append(functionResponses, &genai.Part{FunctionResponse: funcResp})
			}
		}

		if len(functionResponses) > 0 {
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: functionResponses,
			})
		}

		if !hasFunctionCall {
			break
		}
	}

	if finalText == "" {
		return nil, goerr.Wrap(model.ErrUpstreamUnavailable, "completion produced no output",
			goerr.V("identity", input.Identity))
	}

	newLen, err := iv.append(ctx, input.Identity, model.NewMessage(model.RoleModel, finalText))
	if err != nil {
		return nil, err
	}

	return &TurnOutput{Text: finalText, ThreadLen: newLen}, nil
}

func (iv *Invoker) systemInstruction(ctx context.Context, identity string) string {
	instruction := personaInstruction(identity)
	if iv.registry != nil {
		if prompts := iv.registry.Prompts(ctx); prompts != "" {
			instruction += "\n\n" + prompts
		}
	}
	return instruction
}

// executeTool runs one function call and records both the call and its
// result on the thread as tool messages.
func (iv *Invoker) executeTool(ctx context.Context, input TurnInput, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	if iv.registry == nil {
		return nil, goerr.New("no tools configured")
	}

	callPayload, err := json.Marshal(map[string]any{"name": fc.Name, "args": fc.Args})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal tool call")
	}
	if _, err := iv.append(ctx, input.Identity, model.NewMessage(model.RoleToolCall, string(callPayload))); err != nil {
		return nil, err
	}

	resp, execErr := iv.executeWithRetry(ctx, fc)

	resultText := ""
	if execErr != nil {
		resultText = execErr.Error()
	} else if result, ok := resp.Response["result"].(string); ok {
		resultText = result
	}
	resultPayload, err := json.Marshal(map[string]any{"name": fc.Name, "result": resultText})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	if _, err := iv.append(ctx, input.Identity, model.NewMessage(model.RoleToolResult, string(resultPayload))); err != nil {
		return nil, err
	}

	return resp, execErr
}

// append writes to the thread, retrying immediately on write contention
func (iv *Invoker) append(ctx context.Context, identity string, msgs ...*model.Message) (int, error) {
	var lastErr error
	for attempt := 0; attempt < busyRetryLimit; attempt++ {
		newLen, err := iv.threads.Append(ctx, identity, msgs...)
		if err == nil {
			return newLen, nil
		}
		lastErr = err
		if !errors.Is(err, model.ErrBusy) {
			break
		}
	}
	return 0, lastErr
}

// executeWithRetry runs one tool call, retrying transient upstream
// failures on the same backoff budget as completions.
func (iv *Invoker) executeWithRetry(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	attempts := iv.maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := iv.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := iv.registry.Execute(ctx, fc)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !errors.Is(err, model.ErrUpstreamUnavailable) || attempt == attempts || ctx.Err() != nil {
			break
		}
		logging.From(ctx).Warn("tool call failed, retrying",
			"tool", fc.Name, "attempt", attempt, "backoff", backoff, "error", err)
		if err := iv.sleep(ctx, backoff); err != nil {
			break
		}
		backoff *= 2
		if backoff > iv.maxBackoff {
			backoff = iv.maxBackoff
		}
	}
	return nil, lastErr
}

// generateWithRetry calls the completion service with bounded exponential
// backoff. Exhausting the budget surfaces model.ErrUpstreamUnavailable.
func (iv *Invoker) generateWithRetry(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	attempts := iv.maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := iv.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := iv.gemini.GenerateContent(ctx, contents, config)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == attempts || ctx.Err() != nil {
			break
		}
		logging.From(ctx).Warn("completion failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		if err := iv.sleep(ctx, backoff); err != nil {
			break
		}
		backoff *= 2
		if backoff > iv.maxBackoff {
			backoff = iv.maxBackoff
		}
	}

	return nil, goerr.Wrap(model.ErrUpstreamUnavailable, "completion failed after retries",
		goerr.V("attempts", attempts), goerr.V("cause", lastErr))
}

// historyContents replays recorded thread messages as completion contents.
// Tool messages are replayed as plain text: they are historical fact, not
// live function calls.
func historyContents(msgs []*model.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleUser))
		case model.RoleModel:
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleModel))
		case model.RoleToolCall:
			contents = append(contents, genai.NewContentFromText("[tool call] "+msg.Text, genai.RoleModel))
		case model.RoleToolResult:
			contents = append(contents, genai.NewContentFromText("[tool result] "+msg.Text, genai.RoleUser))
		}
	}
	return contents
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
