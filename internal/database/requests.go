// Package database defines the insertions and transactions to the database
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"relay-api/internal/shared"
)

type DailyStats struct {
	Date             string
	Provider         string
	Model            string
	RequestCount     uint64
	FailedCount      uint64
	FallbackCount    uint64
	RetryCount       uint64
	InputTokens      uint64
	OutputTokens     uint64
	TimeToFirstToken int64
	TotalTime        int64
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveRequests inserts one relay_request row per session and folds the batch
// into daily_stats.
func SaveRequests(ctx context.Context, db Execer, qim map[string]*shared.ProcessedQueryInfo) error {
	if len(qim) == 0 {
		return nil
	}

	requestSQL, requestVals := BuildRequestInsert(qim)
	if _, err := db.ExecContext(ctx, requestSQL, requestVals...); err != nil {
		return fmt.Errorf("failed to save requests: %w", err)
	}

	statsSQL, statsVals := BuildDailyStatsUpsert(qim, time.Now().UTC().Format("2006-01-02"))
	if _, err := db.ExecContext(ctx, statsSQL, statsVals...); err != nil {
		return fmt.Errorf("failed to save daily stats: %w", err)
	}
	return nil
}

// BuildRequestInsert renders the multi-row relay_request insert. Rows are
// ordered by request id.
func BuildRequestInsert(qim map[string]*shared.ProcessedQueryInfo) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO relay_request (
            request_id, provider, model, endpoint, stream, attempts, fell_back,
            outcome, status_code, prompt_tokens, completion_tokens,
            time_to_first_token, total_time, created_at
        ) VALUES `)

	vals := make([]any, 0, len(qim)*14)
	for i, id := range sortedIDs(qim) {
		qi := qim[id]
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		prompt, completion := tokens(qi.Usage)
		vals = append(vals,
			id, qi.Provider, qi.Model, qi.Endpoint, qi.Stream, qi.Attempts, qi.FellBack,
			qi.Outcome, qi.StatusCode, prompt, completion,
			qi.TimeToFirstToken.Milliseconds(), qi.TotalTime.Milliseconds(), qi.CreatedAt,
		)
	}
	return sb.String(), vals
}

// BuildDailyStatsUpsert aggregates the batch per provider and model and
// renders the daily_stats upsert.
func BuildDailyStatsUpsert(qim map[string]*shared.ProcessedQueryInfo, date string) (string, []any) {
	aggregated := make(map[string]*DailyStats)
	for _, id := range sortedIDs(qim) {
		qi := qim[id]
		key := qi.Provider + "/" + qi.Model
		if _, ok := aggregated[key]; !ok {
			aggregated[key] = &DailyStats{Date: date, Provider: qi.Provider, Model: qi.Model}
		}
		existing := aggregated[key]
		existing.RequestCount++
		if qi.Outcome != "completed" {
			existing.FailedCount++
		}
		if qi.FellBack {
			existing.FallbackCount++
		}
		if qi.Attempts > 1 {
			existing.RetryCount += uint64(qi.Attempts - 1)
		}
		prompt, completion := tokens(qi.Usage)
		existing.InputTokens += prompt
		existing.OutputTokens += completion
		existing.TimeToFirstToken += qi.TimeToFirstToken.Milliseconds()
		existing.TotalTime += qi.TotalTime.Milliseconds()
	}

	keys := make([]string, 0, len(aggregated))
	for k := range aggregated {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(`INSERT INTO daily_stats (
		date, provider, model, request_count, failed_requests, fallback_count, retry_count,
		input_tokens, output_tokens, time_to_first_token, total_time
	) VALUES `)
	vals := make([]any, 0, len(keys)*11)
	for i, k := range keys {
		val := aggregated[k]
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		vals = append(vals, val.Date, val.Provider, val.Model, val.RequestCount, val.FailedCount, val.FallbackCount,
			val.RetryCount, val.InputTokens, val.OutputTokens, val.TimeToFirstToken, val.TotalTime)
	}
	sb.WriteString(` ON DUPLICATE KEY UPDATE
		request_count = request_count + VALUES(request_count),
		failed_requests = failed_requests + VALUES(failed_requests),
		fallback_count = fallback_count + VALUES(fallback_count),
		retry_count = retry_count + VALUES(retry_count),
		input_tokens = input_tokens + VALUES(input_tokens),
		output_tokens = output_tokens + VALUES(output_tokens),
		time_to_first_token = time_to_first_token + VALUES(time_to_first_token),
		total_time = total_time + VALUES(total_time)`)
	return sb.String(), vals
}

func sortedIDs(qim map[string]*shared.ProcessedQueryInfo) []string {
	ids := make([]string, 0, len(qim))
	for id := range qim {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func tokens(u *shared.Usage) (uint64, uint64) {
	if u == nil {
		return 0, 0
	}
	return u.PromptTokens, u.CompletionTokens
}

// ExecuteTransaction executes one transaction with one or multiple database executions.
func ExecuteTransaction(ctx context.Context, writeDB *sql.DB, fns []func(*sql.Tx) error) error {
	tx, err := writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return fmt.Errorf("failed to execute transaction function: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
