package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/models"
)

// UsageStore is the token-usage billing sink.
type UsageStore struct {
	db *sql.DB
}

// modelPricing is USD per 1M tokens.
type modelPricing struct {
	input, output, cacheRead, cacheCreate float64
}

var pricingTable = map[string]modelPricing{
	"claude-sonnet-4-20250514": {input: 3.00, output: 15.00, cacheRead: 0.30, cacheCreate: 3.75},
	"claude-opus-4-20250514":   {input: 15.00, output: 75.00, cacheRead: 1.50, cacheCreate: 18.75},
	"claude-haiku-3-20250414":  {input: 0.25, output: 1.25, cacheRead: 0.025, cacheCreate: 0.30},
}

var defaultPricing = modelPricing{input: 3.00, output: 15.00, cacheRead: 0.30, cacheCreate: 3.75}

// EstimateCost computes the dollar cost of one invocation.
func EstimateCost(model string, inputTokens, outputTokens, cacheRead, cacheCreate int64) float64 {
	p, ok := pricingTable[model]
	if !ok {
		p = defaultPricing
	}
	cost := float64(inputTokens)/1e6*p.input +
		float64(outputTokens)/1e6*p.output +
		float64(cacheRead)/1e6*p.cacheRead +
		float64(cacheCreate)/1e6*p.cacheCreate
	return math.Round(cost*1e6) / 1e6
}

// Record persists one usage row, computing the cost estimate.
func (s *UsageStore) Record(ctx context.Context, r *models.UsageRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.CostUSD = EstimateCost(r.Model, r.InputTokens, r.OutputTokens,
		r.CacheReadTokens, r.CacheCreationTokens)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (workspace, agent, session_id, source, model,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(r.Workspace), nullString(r.Agent), nullString(r.SessionID),
		r.Source, r.Model, r.InputTokens, r.OutputTokens,
		r.CacheReadTokens, r.CacheCreationTokens, r.CostUSD,
		common.FormatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
