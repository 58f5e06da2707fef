package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/interfaces"
	"github.com/nexaas/nexaas/internal/models"
)

// streamUsage mirrors the usage block of a stream-json chunk.
type streamUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// streamChunk is one line of claude --output-format stream-json.
type streamChunk struct {
	Type    string      `json:"type"`
	Model   string      `json:"model"`
	Result  string      `json:"result"`
	Usage   streamUsage `json:"usage"`
	Message *struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage streamUsage `json:"usage"`
	} `json:"message"`
}

// ClaudeRunner backs the claude_chat and skill actions with subprocess
// sessions and records token usage per invocation.
type ClaudeRunner struct {
	sessions *SessionManager
	usage    interfaces.UsageStore
	logger   *common.Logger
}

// NewClaudeRunner creates a runner over the session manager.
func NewClaudeRunner(sessions *SessionManager, usage interfaces.UsageStore, logger *common.Logger) *ClaudeRunner {
	return &ClaudeRunner{sessions: sessions, usage: usage, logger: logger}
}

// Chat executes a claude_chat action: one prompt, streamed response.
func (r *ClaudeRunner) Chat(ctx context.Context, config map[string]any) (string, error) {
	agent := cfgString(config, "agent", "default")
	prompt := cfgString(config, "prompt", "")

	if prompt == "" {
		if messages, ok := config["messages"].([]any); ok {
			prompt = combineMessages(messages)
		}
	}
	if prompt == "" {
		return "error: no prompt or messages provided", nil
	}
	return r.run(ctx, agent, prompt, true)
}

// Skill executes a named skill through a chat session.
func (r *ClaudeRunner) Skill(ctx context.Context, config map[string]any) (string, error) {
	skill := cfgString(config, "skill", "")
	if skill == "" {
		return "error: no skill name specified", nil
	}

	agent := cfgString(config, "agent", "default")
	prompt := "Execute the skill: " + skill
	if input := cfgString(config, "input", ""); input != "" {
		prompt += "\n\nInput: " + input
	}

	output, err := r.run(ctx, agent, prompt, false)
	if err != nil {
		return "", err
	}
	if output == "" {
		return "Skill executed (no output)", nil
	}
	return output, nil
}

// run drives one session round trip, collecting assistant text and usage.
func (r *ClaudeRunner) run(ctx context.Context, agent, prompt string, recordUsage bool) (string, error) {
	sid := r.sessions.CreateSession(agent)
	defer r.sessions.DestroySession(sid)

	var parts []string
	var inputTokens, outputTokens, cacheRead, cacheCreation int64
	model := "claude-code"

	err := r.sessions.Send(ctx, sid, prompt, func(line string) error {
		var chunk streamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil
		}
		switch chunk.Type {
		case "assistant":
			if chunk.Message == nil {
				return nil
			}
			for _, block := range chunk.Message.Content {
				if block.Type == "text" {
					parts = append(parts, block.Text)
				}
			}
			inputTokens += chunk.Message.Usage.InputTokens
			outputTokens += chunk.Message.Usage.OutputTokens
			cacheRead += chunk.Message.Usage.CacheReadInputTokens
			cacheCreation += chunk.Message.Usage.CacheCreationInputTokens
			if chunk.Message.Model != "" {
				model = chunk.Message.Model
			}
		case "result":
			if chunk.Result != "" && len(parts) == 0 {
				parts = append(parts, chunk.Result)
			}
			inputTokens += chunk.Usage.InputTokens
			outputTokens += chunk.Usage.OutputTokens
			cacheRead += chunk.Usage.CacheReadInputTokens
			cacheCreation += chunk.Usage.CacheCreationInputTokens
			if chunk.Model != "" {
				model = chunk.Model
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if recordUsage && (inputTokens > 0 || outputTokens > 0) {
		rec := &models.UsageRecord{
			Source:              "event_engine",
			Model:               model,
			Agent:               agent,
			SessionID:           sid,
			InputTokens:         inputTokens,
			OutputTokens:        outputTokens,
			CacheReadTokens:     cacheRead,
			CacheCreationTokens: cacheCreation,
		}
		if err := r.usage.Record(ctx, rec); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record token usage")
		}
	}
	return strings.Join(parts, ""), nil
}

func combineMessages(messages []any) string {
	var parts []string
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role := cfgString(msg, "role", "user")
		content := cfgString(msg, "content", "")
		if role == "system" {
			parts = append([]string{"[System]: " + content}, parts...)
		} else {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ScriptExecutor returns an executor running shell commands with a timeout.
func ScriptExecutor(workspaceRoot string) interfaces.Executor {
	return func(ctx context.Context, config map[string]any) (string, error) {
		command := cfgString(config, "command", "")
		if command == "" {
			return "error: no command specified", nil
		}

		timeout := cfgInt(config, "timeout", 60)
		cwd := cfgString(config, "cwd", workspaceRoot)

		runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()

		cmd := exec.CommandContext(runCtx, "sh", "-c", command)
		cmd.Dir = cwd
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("error: command timed out after %ds", timeout), nil
		}
		if err != nil {
			exitCode := -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
			return fmt.Sprintf("error (exit %d): %s\n%s", exitCode, stderr.String(), stdout.String()), nil
		}
		return stdout.String(), nil
	}
}

// WebhookExecutor returns an executor issuing HTTP requests with a JSON body.
func WebhookExecutor(client *http.Client) interfaces.Executor {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context, config map[string]any) (string, error) {
		url := cfgString(config, "url", "")
		if url == "" {
			return "error: no URL specified", nil
		}

		method := strings.ToUpper(cfgString(config, "method", "POST"))
		timeout := cfgInt(config, "timeout", 30)

		body, err := json.Marshal(config["body"])
		if err != nil {
			return "", fmt.Errorf("marshal webhook body: %w", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if headers, ok := config["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, stringify(v))
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("webhook request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return "", fmt.Errorf("read webhook response: %w", err)
		}
		text := string(respBody)
		if len(text) > 2000 {
			text = text[:2000]
		}
		return fmt.Sprintf("status=%d body=%s", resp.StatusCode, text), nil
	}
}

func cfgString(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func cfgInt(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}
