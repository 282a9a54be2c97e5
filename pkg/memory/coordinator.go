package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

// CoordinatorConfig bounds the multi-bot fan-out.
type CoordinatorConfig struct {
	// KnownBots are always queried, in addition to bots discovered in the store.
	KnownBots   []string
	Concurrency int
	Timeout     time.Duration
}

// BotResult is one bot's share of a fan-out query. Err is set, and wraps
// ErrPartialMultiBotFailure, when that bot's query failed.
type BotResult struct {
	BotID   string
	Results []ScoredRecord
	Err     error
}

// BotInsight is the per-bot part of a cross-bot analysis.
type BotInsight struct {
	Matches       int     `json:"matches"`
	TopScore      float64 `json:"top_score"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// CrossBotReport compares what each bot remembers about a topic.
type CrossBotReport struct {
	UserID               string                `json:"user_id"`
	Topic                string                `json:"topic"`
	BotsAnalyzed         int                   `json:"bots_analyzed"`
	TotalMemories        int                   `json:"total_memories"`
	MostRelevantBot      string                `json:"most_relevant_bot"`
	HighestConfidenceBot string                `json:"highest_confidence_bot"`
	MostMemoriesBot      string                `json:"most_memories_bot"`
	PerBot               map[string]BotInsight `json:"per_bot"`
	FailedBots           []string              `json:"failed_bots,omitempty"`
}

// Coordinator runs the same query against many bot partitions.
type Coordinator struct {
	store *MemoryStore
	cfg   CoordinatorConfig
}

func NewCoordinator(store *MemoryStore, cfg CoordinatorConfig) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Coordinator{store: store, cfg: cfg}
}

// KnownBots returns configured bots plus those holding memories for userID.
func (c *Coordinator) KnownBots(ctx context.Context, userID string) []string {
	set := map[string]struct{}{}
	for _, b := range c.cfg.KnownBots {
		if b = strings.TrimSpace(b); b != "" {
			set[b] = struct{}{}
		}
	}
	discovered, err := c.store.listBots(ctx, userID)
	if err != nil {
		logger.WarnCF("coordinator", "Bot discovery failed, using configured bots", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
	for _, b := range discovered {
		set[b] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// QueryAllBots searches every known bot's memories of userID.
func (c *Coordinator) QueryAllBots(ctx context.Context, query, userID string, topK int) map[string]BotResult {
	return c.QuerySpecificBots(ctx, query, userID, c.KnownBots(ctx, userID), topK)
}

// QuerySpecificBots searches the given bots with one query embedding. A bot
// whose query times out is omitted; a bot whose query fails is reported with Err.
func (c *Coordinator) QuerySpecificBots(ctx context.Context, query, userID string, botIDs []string, topK int) map[string]BotResult {
	out := map[string]BotResult{}
	vectors, embedErr := c.store.EmbedQuery(ctx, query)
	if embedErr != nil {
		logger.WarnCF("coordinator", "Query embedding failed", map[string]interface{}{
			"user_id": userID,
			"error":   embedErr.Error(),
		})
	}
	var mu sync.Mutex
	c.fanOut(ctx, botIDs, func(ctx context.Context, botID string) {
		var hits []ScoredRecord
		err := embedErr
		if err == nil {
			hits, err = c.store.Search(ctx, SearchRequest{Vectors: vectors, Filter: Filter{BotID: botID, UserID: userID}, TopK: topK})
		}
		if err != nil {
			if isTimeout(err) || isTimeout(ctx.Err()) {
				logger.WarnCF("coordinator", "Bot query timed out", map[string]interface{}{
					"bot_id":  botID,
					"user_id": userID,
				})
				return
			}
			err = goerr.Wrap(ErrPartialMultiBotFailure, "bot query failed",
				goerr.V("bot_id", botID), goerr.V("cause", err.Error()))
			logger.WarnCF("coordinator", "Bot query failed", map[string]interface{}{
				"bot_id": botID,
				"error":  err.Error(),
			})
		}
		mu.Lock()
		out[botID] = BotResult{BotID: botID, Results: hits, Err: err}
		mu.Unlock()
	})
	return out
}

// fanOut runs fn for each bot with bounded concurrency and a per-bot timeout.
func (c *Coordinator) fanOut(ctx context.Context, botIDs []string, fn func(ctx context.Context, botID string)) {
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	seen := map[string]struct{}{}
	for _, botID := range botIDs {
		if _, dup := seen[botID]; dup || strings.TrimSpace(botID) == "" {
			continue
		}
		seen[botID] = struct{}{}
		botID := botID
		g.Go(func() error {
			subCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
			fn(subCtx, botID)
			return nil
		})
	}
	_ = g.Wait()
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// CrossBotAnalysis compares the bots' memories of userID about topic.
func (c *Coordinator) CrossBotAnalysis(ctx context.Context, userID, topic string) (CrossBotReport, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(topic) == "" {
		return CrossBotReport{}, goerr.Wrap(ErrScopeViolation, "user_id and topic are required")
	}
	results := c.QueryAllBots(ctx, topic, userID, 20)

	report := CrossBotReport{UserID: userID, Topic: topic, PerBot: map[string]BotInsight{}}
	bots := make([]string, 0, len(results))
	for bot := range results {
		bots = append(bots, bot)
	}
	sort.Strings(bots)

	var bestScore, bestConf float64
	bestCount := 0
	for _, bot := range bots {
		res := results[bot]
		if res.Err != nil {
			report.FailedBots = append(report.FailedBots, bot)
			continue
		}
		report.BotsAnalyzed++
		insight := BotInsight{Matches: len(res.Results)}
		for _, hit := range res.Results {
			if hit.Score > insight.TopScore {
				insight.TopScore = hit.Score
			}
			insight.AvgConfidence += hit.Confidence
		}
		if insight.Matches > 0 {
			insight.AvgConfidence /= float64(insight.Matches)
		}
		report.PerBot[bot] = insight
		report.TotalMemories += insight.Matches

		// Bots are visited in ID order, so strict comparisons keep the
		// lowest ID on ties.
		if insight.Matches > 0 && (report.MostRelevantBot == "" || insight.TopScore > bestScore) {
			report.MostRelevantBot, bestScore = bot, insight.TopScore
		}
		if insight.Matches > 0 && (report.HighestConfidenceBot == "" || insight.AvgConfidence > bestConf) {
			report.HighestConfidenceBot, bestConf = bot, insight.AvgConfidence
		}
		if insight.Matches > bestCount {
			report.MostMemoriesBot, bestCount = bot, insight.Matches
		}
	}
	return report, nil
}

// GetBotMemoryStats returns per-bot stats restricted to userID (the whole
// partition when userID is empty). Bots whose stats fail are omitted.
func (c *Coordinator) GetBotMemoryStats(ctx context.Context, userID string) map[string]Stats {
	out := map[string]Stats{}
	var mu sync.Mutex
	c.fanOut(ctx, c.KnownBots(ctx, userID), func(ctx context.Context, botID string) {
		st, err := c.store.stats(ctx, Filter{BotID: botID, UserID: userID})
		if err != nil {
			logger.WarnCF("coordinator", "Bot stats failed", map[string]interface{}{
				"bot_id": botID,
				"error":  err.Error(),
			})
			return
		}
		mu.Lock()
		out[botID] = st
		mu.Unlock()
	})
	return out
}
