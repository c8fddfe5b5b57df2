package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/persona"
)

// Episodic is a bounded sliding window of recent exchanges, kept in its
// own SQLite file so the main store stays free of conversational churn.
type Episodic struct {
	db        *sql.DB
	maxRows   int
	scanLimit int
}

// EpisodicBlock is one recalled episode with its retrieval score.
type EpisodicBlock struct {
	Label     string         `json:"label"`
	Value     string         `json:"value"`
	Summary   string         `json:"summary"`
	Tags      []string       `json:"tags"`
	Meta      map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	Score     float64        `json:"score"`
}

// EpisodicRecall is the outcome of one retrieval pass.
type EpisodicRecall struct {
	Query    string          `json:"query"`
	HitCount int             `json:"hit_count"`
	Blocks   []EpisodicBlock `json:"blocks"`
	Summary  string          `json:"summary"`
}

// OpenEpisodic opens (creating if needed) the episodic database. Use
// path ":memory:" for tests.
func OpenEpisodic(ctx context.Context, path string, cfg *config.MemoryConfig) (*Episodic, error) {
	if cfg == nil {
		cfg = config.DefaultMemoryConfig()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open episodic database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS episodic_blocks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			digest TEXT NOT NULL UNIQUE,
			label TEXT NOT NULL,
			value TEXT NOT NULL,
			summary TEXT NOT NULL,
			tags_json TEXT NOT NULL,
			meta_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_episodic_created_at ON episodic_blocks(created_at DESC);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create episodic schema: %w", err)
	}

	return &Episodic{db: db, maxRows: cfg.EpisodicMaxRows, scanLimit: cfg.EpisodicScanLimit}, nil
}

// Close releases the database handle.
func (e *Episodic) Close() error { return e.db.Close() }

var episodicTokenRe = regexp.MustCompile(`[A-Za-zА-Яа-яЁё0-9_+-]+`)

func episodicTokens(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, token := range episodicTokenRe.FindAllString(strings.ToLower(text), -1) {
		if len([]rune(token)) >= 3 {
			tokens[token] = true
		}
	}
	return tokens
}

func historyQuery(history []persona.Turn, limit int) string {
	var lines []string
	start := 0
	if len(history) > 12 {
		start = len(history) - 12
	}
	for _, turn := range history[start:] {
		if turn.Role != "user" || strings.TrimSpace(turn.Content) == "" {
			continue
		}
		lines = append(lines, strings.TrimSpace(turn.Content))
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return strings.Join(lines, "\n")
}

// Retrieve scores the most recent episodes against the query (or the
// history tail when the query is empty) by token overlap with a recency
// bonus, returning the top matches.
func (e *Episodic) Retrieve(ctx context.Context, history []persona.Turn, query string, limit int) (*EpisodicRecall, error) {
	queryText := strings.TrimSpace(query)
	if queryText == "" {
		queryText = historyQuery(history, 5)
	}
	queryTokens := episodicTokens(queryText)
	if limit <= 0 {
		limit = 3
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT label, value, summary, tags_json, meta_json, created_at
		FROM episodic_blocks ORDER BY id DESC LIMIT ?`, e.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan episodic blocks: %w", err)
	}
	defer rows.Close()

	type rawBlock struct {
		block EpisodicBlock
		score float64
	}
	var scanned []rawBlock
	var total []rawBlock
	for rows.Next() {
		var b EpisodicBlock
		var tagsJSON, metaJSON string
		if err := rows.Scan(&b.Label, &b.Value, &b.Summary, &tagsJSON, &metaJSON, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan episodic block: %w", err)
		}
		b.Tags = []string{}
		_ = json.Unmarshal([]byte(tagsJSON), &b.Tags)
		b.Meta = map[string]any{}
		_ = json.Unmarshal([]byte(metaJSON), &b.Meta)
		total = append(total, rawBlock{block: b})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read episodic blocks: %w", err)
	}

	for i := range total {
		hayTokens := episodicTokens(total[i].block.Summary + " " + total[i].block.Value)
		overlap := 0
		for token := range queryTokens {
			if hayTokens[token] {
				overlap++
			}
		}
		recency := 1.0 - float64(i)/float64(max(1, len(total)))
		if recency < 0 {
			recency = 0
		}
		score := float64(overlap) + recency*0.35
		if len(queryTokens) > 0 && overlap == 0 {
			continue
		}
		if len(queryTokens) == 0 {
			score = 1.0
		}
		total[i].score = score
		scanned = append(scanned, rawBlock{block: total[i].block, score: score})
	}

	sort.SliceStable(scanned, func(i, j int) bool { return scanned[i].score > scanned[j].score })
	if len(scanned) > limit {
		scanned = scanned[:limit]
	}

	recall := &EpisodicRecall{Query: queryText, HitCount: len(scanned)}
	var summaryLines []string
	for _, item := range scanned {
		item.block.Score = item.score
		recall.Blocks = append(recall.Blocks, item.block)
		if item.block.Summary != "" {
			summaryLines = append(summaryLines, "- "+item.block.Summary)
		}
	}
	summary := strings.Join(summaryLines, "\n")
	if runes := []rune(summary); len(runes) > 1800 {
		summary = string(runes[:1800])
	}
	recall.Summary = summary
	return recall, nil
}

// Update appends one exchange to the window and trims it to the row
// cap. Duplicate exchanges (same digest) are ignored.
func (e *Episodic) Update(ctx context.Context, userMessage, assistantMessage string, history []persona.Turn, toneType string) (bool, error) {
	text := strings.TrimSpace(userMessage)
	if text == "" {
		return false, nil
	}

	tailText := historyQuery(history, 2)
	var parts []string
	for _, part := range []string{text, strings.TrimSpace(assistantMessage), tailText} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	blob := strings.Join(parts, "\n")
	if runes := []rune(blob); len(runes) > 2400 {
		blob = string(runes[:2400])
	}

	summary := strings.Join(strings.Fields(text), " ")
	if runes := []rune(summary); len(runes) > 240 {
		summary = string(runes[:240])
	}

	sum := sha256.Sum256([]byte(blob))
	digest := hex.EncodeToString(sum[:])

	tags := []string{"episodic"}
	tone := strings.ToLower(strings.TrimSpace(toneType))
	if tone != "" {
		tags = append(tags, "tone:"+tone)
	}
	meta := map[string]any{"tone": tone}

	res, err := e.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO episodic_blocks (digest, label, value, summary, tags_json, meta_json, created_at)
		VALUES (?, 'episode', ?, ?, ?, ?, ?)`,
		digest, blob, summary, mustJSON(tags), mustJSON(meta), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert episodic block: %w", err)
	}
	inserted, _ := res.RowsAffected()

	if _, err := e.db.ExecContext(ctx, `
		DELETE FROM episodic_blocks
		WHERE id NOT IN (SELECT id FROM episodic_blocks ORDER BY id DESC LIMIT ?)`,
		e.maxRows); err != nil {
		return inserted > 0, fmt.Errorf("failed to trim episodic blocks: %w", err)
	}
	return inserted > 0, nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
