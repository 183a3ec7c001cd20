// Package coordinator orchestrates query answering: cache lookup by query
// fingerprint, multi-source context retrieval, similarity ranking, the LLM
// call, and storage of the resulting interaction in event memory.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"marduk/internal/contextcache"
	"marduk/internal/contextsvc"
	"marduk/internal/embedding"
	"marduk/internal/llm"
	"marduk/internal/logging"
	"marduk/internal/mardukerr"
	"marduk/internal/memory"
)

// maxQueryTerms caps the per-entry query term union.
const maxQueryTerms = 20

// Options tunes the coordinator.
type Options struct {
	ContextLimit        int           // default 10
	MaxSources          int           // default 5
	SourceTimeout       time.Duration // default 2s
	DefaultTemperature  float64       // default 0.7
	DefaultMaxTokens    int           // default 1024
	EnablePersistence   bool
	PersistenceInterval time.Duration // default 5 min
	EnableValidation    bool
	ValidationInterval  time.Duration // default 15 min
	AutoFix             bool
	Now                 func() time.Time
}

func (o Options) normalized() Options {
	if o.ContextLimit <= 0 {
		o.ContextLimit = 10
	}
	if o.MaxSources <= 0 {
		o.MaxSources = 5
	}
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 2 * time.Second
	}
	if o.DefaultTemperature <= 0 {
		o.DefaultTemperature = 0.7
	}
	if o.DefaultMaxTokens <= 0 {
		o.DefaultMaxTokens = 1024
	}
	if o.PersistenceInterval <= 0 {
		o.PersistenceInterval = 5 * time.Minute
	}
	if o.ValidationInterval <= 0 {
		o.ValidationInterval = 15 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Deps are the collaborators the coordinator is composed from. Cache,
// Sources, and LLM are required; the rest degrade gracefully when absent.
type Deps struct {
	Cache      *contextcache.Cache
	Sources    *contextsvc.Manager
	Validator  *contextsvc.Validator
	Persister  *contextsvc.CachePersister
	LLM        llm.Client
	Similarity *embedding.Service
	Events     *memory.Store
	Documents  *contextsvc.DocumentSource
	// Fallback sources are queried directly, in order, when the manager
	// reports that every source failed.
	Fallback []contextsvc.Source
	Logger   logging.Logger
}

// Coordinator is the per-process query orchestrator. One instance is owned by
// the composition root; it is safe for concurrent callers.
type Coordinator struct {
	cache     *contextcache.Cache
	sources   *contextsvc.Manager
	validator *contextsvc.Validator
	persister *contextsvc.CachePersister
	llm       llm.Client
	sim       *embedding.Service
	events    *memory.Store
	docs      *contextsvc.DocumentSource
	fallback  []contextsvc.Source
	logger    logging.Logger
	opts      Options
}

// New wires a coordinator from its collaborators.
func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Cache == nil {
		return nil, mardukerr.NewValidationError("coordinator", "cache is required")
	}
	if deps.Sources == nil {
		return nil, mardukerr.NewValidationError("coordinator", "source manager is required")
	}
	if deps.LLM == nil {
		return nil, mardukerr.NewValidationError("coordinator", "llm client is required")
	}
	if deps.Validator == nil {
		deps.Validator = contextsvc.NewValidator(contextsvc.ValidatorOptions{Logger: deps.Logger})
	}
	return &Coordinator{
		cache:     deps.Cache,
		sources:   deps.Sources,
		validator: deps.Validator,
		persister: deps.Persister,
		llm:       deps.LLM,
		sim:       deps.Similarity,
		events:    deps.Events,
		docs:      deps.Documents,
		fallback:  deps.Fallback,
		logger:    logging.OrNop(deps.Logger),
		opts:      opts.normalized(),
	}, nil
}

// QueryOptions adjusts one ProcessQuery call.
type QueryOptions struct {
	Context      []string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Result is the outcome of one processed query.
type Result struct {
	Content   string       `json:"content"`
	Usage     memory.Usage `json:"usage"`
	Model     string       `json:"model"`
	Timestamp time.Time    `json:"timestamp"`
}

// ProcessQuery answers a query with retrieved context. LLM failures surface
// as APIError; retrieval failure across all sources falls back to querying
// memory directly; anything else wraps as a PROCESS_QUERY_ERROR.
func (c *Coordinator) ProcessQuery(ctx context.Context, query string, opts QueryOptions) (*Result, error) {
	result, err := c.processQuery(ctx, query, opts)
	if err != nil {
		return nil, mardukerr.WrapCore(mardukerr.CodeProcessQuery, err)
	}
	return result, nil
}

func (c *Coordinator) processQuery(ctx context.Context, query string, opts QueryOptions) (*Result, error) {
	fingerprint := Fingerprint(query)
	cacheable := fingerprint != fingerprintPrefix

	var contextLines []string
	hit := false
	if cacheable {
		if entry, ok := c.cache.Get(fingerprint); ok {
			hit = true
			contextLines = append(entry.Context, opts.Context...)
			c.mergeQueryTerms(fingerprint, entry, query)
			c.logger.Debug("cache hit for %q (%d context lines)", fingerprint, len(entry.Context))
		}
	}

	if !hit {
		retrieved := c.retrieveContext(ctx, query)
		if cacheable && len(retrieved) > 0 {
			relevance := c.contextRelevance(ctx, query, retrieved)
			c.cache.Set(fingerprint, &contextcache.Entry{
				Context:    retrieved,
				Relevance:  relevance,
				QueryTerms: queryTerms(query),
				Weight:     relevance,
			})
			if c.persister != nil {
				c.persister.ScheduleSave()
			}
		}
		contextLines = append(retrieved, opts.Context...)
	}

	ranked := c.rankContext(ctx, query, contextLines)
	if len(ranked) > c.opts.ContextLimit {
		ranked = ranked[:c.opts.ContextLimit]
	}

	resp, err := c.complete(ctx, query, ranked, opts)
	if err != nil {
		return nil, err
	}

	now := c.opts.Now()
	if c.events != nil {
		if err := c.storeInteraction(query, resp, now); err != nil {
			return nil, mardukerr.NewAPIError("store interaction", 0, err)
		}
	}

	return &Result{
		Content:   resp.Content,
		Usage:     resp.Usage,
		Model:     resp.Model,
		Timestamp: now,
	}, nil
}

// mergeQueryTerms unions the query's terms into the cached entry, capped at
// maxQueryTerms, and writes the entry back.
func (c *Coordinator) mergeQueryTerms(fingerprint string, entry *contextcache.Entry, query string) {
	existing := make(map[string]bool, len(entry.QueryTerms))
	for _, term := range entry.QueryTerms {
		existing[term] = true
	}
	merged := append([]string(nil), entry.QueryTerms...)
	for _, term := range queryTerms(query) {
		if existing[term] || len(merged) >= maxQueryTerms {
			continue
		}
		existing[term] = true
		merged = append(merged, term)
	}
	if len(merged) == len(entry.QueryTerms) {
		return
	}
	entry.QueryTerms = merged
	c.cache.Set(fingerprint, entry)
}

// retrieveContext fans out to the source manager, falling back to direct
// memory queries when every source failed.
func (c *Coordinator) retrieveContext(ctx context.Context, query string) []string {
	items, err := c.sources.GetContext(ctx, query, contextsvc.QueryOptions{
		MaxSources: c.opts.MaxSources,
		Timeout:    c.opts.SourceTimeout,
	})
	if err != nil {
		if mardukerr.IsContext(err) {
			c.logger.Warn("context retrieval failed, falling back to direct memory: %v", err)
			items = c.fallbackRetrieve(ctx, query)
		} else {
			c.logger.Warn("context retrieval failed: %v", err)
		}
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, formatContextLine(item))
	}
	return lines
}

// fallbackRetrieve queries the fallback sources sequentially, ignoring
// individual failures.
func (c *Coordinator) fallbackRetrieve(ctx context.Context, query string) []contextsvc.Item {
	var items []contextsvc.Item
	for _, source := range c.fallback {
		found, err := source.Retrieve(ctx, query, contextsvc.RetrieveOptions{})
		if err != nil {
			continue
		}
		items = append(items, found...)
	}
	return items
}

// formatContextLine renders an item as a labelled context line, e.g.
// "[Concept] Chaos: ...".
func formatContextLine(item contextsvc.Item) string {
	label := item.Source
	if idx := strings.LastIndex(label, ":"); idx >= 0 {
		label = label[idx+1:]
	}
	if label == "" {
		return item.Content
	}
	label = strings.ToUpper(label[:1]) + label[1:]
	return fmt.Sprintf("[%s] %s", label, item.Content)
}

// contextRelevance scores retrieved context against the query: the weighted
// mean (1, 1/2, 1/3) of similarities for up to three sampled lines.
func (c *Coordinator) contextRelevance(ctx context.Context, query string, lines []string) float64 {
	sample := lines
	if len(sample) > 3 {
		sample = sample[:3]
	}
	var weighted, totalWeight float64
	for i, line := range sample {
		weight := 1.0 / float64(i+1)
		weighted += weight * c.similarity(ctx, query, line)
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

// rankContext orders context lines by similarity to the query, highest first.
// The sort is stable so equally-scored lines keep their retrieval order.
func (c *Coordinator) rankContext(ctx context.Context, query string, lines []string) []string {
	if len(lines) <= 1 {
		return lines
	}

	scored := make([]struct {
		line  string
		score float64
	}, len(lines))
	if c.sim != nil {
		batch := c.sim.BatchSimilarities(ctx, query, lines)
		for i, s := range batch {
			scored[i].line = s.Text
			scored[i].score = s.Score
		}
	} else {
		for i, line := range lines {
			scored[i].line = line
			scored[i].score = embedding.DiceSimilarity(query, line)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.line
	}
	return out
}

func (c *Coordinator) similarity(ctx context.Context, a, b string) float64 {
	if c.sim != nil {
		return c.sim.Similarity(ctx, a, b)
	}
	return embedding.DiceSimilarity(a, b)
}

// complete issues the LLM call with the ranked context folded into the
// prompt.
func (c *Coordinator) complete(ctx context.Context, query string, contextLines []string, opts QueryOptions) (*llm.Response, error) {
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = c.opts.DefaultTemperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.DefaultMaxTokens
	}

	var messages []llm.Message
	if opts.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: "user", Content: buildPrompt(query, contextLines)})

	resp, err := c.llm.Complete(ctx, llm.Request{
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		if mardukerr.IsAPI(err) {
			return nil, err
		}
		return nil, mardukerr.NewAPIError("chat completion", 0, err)
	}
	return resp, nil
}

func buildPrompt(query string, contextLines []string) string {
	if len(contextLines) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, line := range contextLines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("\nQuery: ")
	b.WriteString(query)
	return b.String()
}

// storeInteraction writes the exchange into event memory.
func (c *Coordinator) storeInteraction(query string, resp *llm.Response, now time.Time) error {
	promptTokens := resp.Usage.PromptTokens
	completionTokens := resp.Usage.CompletionTokens
	if promptTokens == 0 {
		promptTokens = countTokens(query)
	}
	if completionTokens == 0 {
		completionTokens = countTokens(resp.Content)
	}

	return c.events.StoreItem(memory.Item{
		ID:   fmt.Sprintf("ai-interaction:%d", now.UnixMilli()),
		Type: memory.TypeInteraction,
		Content: memory.InteractionContent{
			Query:    query,
			Response: resp.Content,
			Model:    resp.Model,
			Usage:    resp.Usage,
		},
		Metadata: map[string]any{
			memory.MetaTimestamp:  now.UTC().Format(time.RFC3339),
			memory.MetaConfidence: responseConfidence(promptTokens, completionTokens, resp.Content),
			memory.MetaSource:     "ai-coordinator",
		},
	})
}

// AddDocument forwards a document to the document source.
func (c *Coordinator) AddDocument(id, content string) error {
	if c.docs == nil {
		return mardukerr.NewValidationError("document", "document source not configured")
	}
	if id == "" || content == "" {
		return mardukerr.NewValidationError("document", "id and content are required")
	}
	c.docs.Add(id, content)
	c.logger.Debug("added document %q (%d bytes)", id, len(content))
	return nil
}

// PersistContext writes the cache through the persistence layer.
func (c *Coordinator) PersistContext() error {
	if c.persister == nil {
		return mardukerr.NewValidationError("context persistence", "not configured")
	}
	return c.persister.Flush()
}

// SaveContextSnapshot writes a point-in-time snapshot of the cache.
func (c *Coordinator) SaveContextSnapshot() (string, error) {
	if c.persister == nil {
		return "", mardukerr.NewValidationError("context persistence", "not configured")
	}
	return c.persister.SaveSnapshot()
}

// RestoreContextSnapshot replaces the cache with the named snapshot.
func (c *Coordinator) RestoreContextSnapshot(ts string) error {
	if c.persister == nil {
		return mardukerr.NewValidationError("context persistence", "not configured")
	}
	return c.persister.RestoreSnapshot(ts)
}

// ListContextSnapshots returns the available snapshot timestamps, newest
// first.
func (c *Coordinator) ListContextSnapshots() ([]string, error) {
	if c.persister == nil {
		return nil, mardukerr.NewValidationError("context persistence", "not configured")
	}
	return c.persister.ListSnapshots()
}

// ValidateContextCache checks the cache, optionally applying fixes and
// rescheduling persistence.
func (c *Coordinator) ValidateContextCache(applyFixes bool) contextsvc.CacheReport {
	if !applyFixes {
		return c.validator.ValidateCache(c.cache)
	}
	report := c.validator.FixCache(c.cache)
	if len(report.Issues) > 0 && c.persister != nil {
		c.persister.ScheduleSave()
	}
	return report
}

// ValidateContextItems checks a set of items, optionally applying fixes.
func (c *Coordinator) ValidateContextItems(items []contextsvc.Item, applyFixes bool) ([]contextsvc.Item, contextsvc.Report) {
	if !applyFixes {
		return items, c.validator.Validate(items)
	}
	return c.validator.Fix(items)
}

// Stats reports cache performance and configuration flags.
type Stats struct {
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	HitRate            float64 `json:"hitRate"`
	Evictions          int64   `json:"evictions"`
	Size               int     `json:"size"`
	Capacity           int     `json:"capacity"`
	Sources            int     `json:"sources"`
	PersistenceEnabled bool    `json:"persistenceEnabled"`
	ValidationEnabled  bool    `json:"validationEnabled"`
	AutoFix            bool    `json:"autoFix"`
}

// CacheStats returns the current counters.
func (c *Coordinator) CacheStats() Stats {
	cs := c.cache.Stats()
	total := cs.Hits + cs.Misses
	rate := 0.0
	if total > 0 {
		rate = float64(cs.Hits) / float64(total)
	}
	return Stats{
		Hits:               cs.Hits,
		Misses:             cs.Misses,
		HitRate:            rate,
		Evictions:          cs.Evictions,
		Size:               cs.Size,
		Capacity:           cs.Capacity,
		Sources:            c.sources.SourceCount(),
		PersistenceEnabled: c.opts.EnablePersistence && c.persister != nil,
		ValidationEnabled:  c.opts.EnableValidation,
		AutoFix:            c.opts.AutoFix,
	}
}

// Start launches the periodic persistence and validation timers plus the
// cache expiry sweeper. They stop when ctx is cancelled. Timer failures are
// logged, never fatal.
func (c *Coordinator) Start(ctx context.Context) {
	c.cache.StartSweeper(ctx)

	if c.opts.EnablePersistence && c.persister != nil {
		go c.runTimer(ctx, c.opts.PersistenceInterval, "auto-save", func() {
			if err := c.persister.Save(); err != nil {
				c.logger.Warn("periodic cache save failed: %v", err)
			}
		})
	}
	if c.opts.EnableValidation {
		go c.runTimer(ctx, c.opts.ValidationInterval, "validation", func() {
			report := c.ValidateContextCache(c.opts.AutoFix)
			if len(report.Issues) > 0 {
				c.logger.Info("periodic validation found %d issues across %d entries",
					len(report.Issues), report.EntriesChecked)
			}
		})
	}
}

// Shutdown flushes pending state.
func (c *Coordinator) Shutdown() error {
	if c.persister == nil {
		return nil
	}
	return c.persister.Flush()
}

func (c *Coordinator) runTimer(ctx context.Context, interval time.Duration, name string, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
