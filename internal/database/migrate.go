package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
)

// Schema creates the usage accounting tables.
const Schema = `
-- one row per relay session
CREATE TABLE IF NOT EXISTS relay_request (
    id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
    request_id VARCHAR(64) NOT NULL,
    provider VARCHAR(64) NOT NULL,
    model VARCHAR(255) NOT NULL,
    endpoint VARCHAR(255) NOT NULL,
    stream BOOLEAN NOT NULL DEFAULT FALSE,
    attempts INT UNSIGNED NOT NULL DEFAULT 0,
    fell_back BOOLEAN NOT NULL DEFAULT FALSE,
    outcome VARCHAR(16) NOT NULL,
    status_code INT NOT NULL DEFAULT 0,
    prompt_tokens BIGINT UNSIGNED NOT NULL DEFAULT 0,
    completion_tokens BIGINT UNSIGNED NOT NULL DEFAULT 0,
    time_to_first_token BIGINT NOT NULL DEFAULT 0,
    total_time BIGINT NOT NULL DEFAULT 0,
    created_at DATETIME(3) NOT NULL,
    UNIQUE KEY uq_request_id (request_id),
    KEY idx_created_at (created_at)
);

-- per day, provider and model rollup
CREATE TABLE IF NOT EXISTS daily_stats (
    date DATE NOT NULL,
    provider VARCHAR(64) NOT NULL,
    model VARCHAR(255) NOT NULL,
    request_count BIGINT UNSIGNED NOT NULL DEFAULT 0,
    failed_requests BIGINT UNSIGNED NOT NULL DEFAULT 0,
    fallback_count BIGINT UNSIGNED NOT NULL DEFAULT 0,
    retry_count BIGINT UNSIGNED NOT NULL DEFAULT 0,
    input_tokens BIGINT UNSIGNED NOT NULL DEFAULT 0,
    output_tokens BIGINT UNSIGNED NOT NULL DEFAULT 0,
    time_to_first_token BIGINT NOT NULL DEFAULT 0,
    total_time BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (date, provider, model)
);
`

// SplitStatements splits a migration script on semicolons and drops comment
// lines and empty statements.
func SplitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		var clean []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			clean = append(clean, line)
		}
		if len(clean) == 0 {
			continue
		}
		out = append(out, strings.TrimSpace(strings.Join(clean, "\n")))
	}
	return out
}

// Migrate runs every statement of script in order.
func Migrate(ctx context.Context, db *sql.DB, script string) error {
	for _, stmt := range SplitStatements(script) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return utils.Wrap(fmt.Sprintf("failed executing statement %q", firstLine(stmt)), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
