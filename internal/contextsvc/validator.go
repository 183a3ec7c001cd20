package contextsvc

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"marduk/internal/logging"
)

// Issue kinds reported by the validator.
const (
	IssueMalformed     = "malformed"
	IssueOutdated      = "outdated"
	IssueLowQuality    = "low_quality"
	IssueRedundant     = "redundant"
	IssueContradictory = "contradictory"
)

// Issue is one validation finding against a context item.
type Issue struct {
	Kind   string `json:"kind"`
	Index  int    `json:"index"`
	Key    string `json:"key,omitempty"`
	Detail string `json:"detail"`
}

// Report summarizes one validation pass.
type Report struct {
	IsValid           bool          `json:"isValid"`
	Issues            []Issue       `json:"issues"`
	TotalItemsChecked int           `json:"totalItemsChecked"`
	ProcessedIn       time.Duration `json:"processedIn"`
}

// ValidatorOptions tunes the checks.
type ValidatorOptions struct {
	// MaxAge marks items older than this as outdated. Zero means the shared
	// 30-day default.
	MaxAge time.Duration
	// MinContentLength flags shorter content as low quality. Default 10.
	MinContentLength int
	// MinConfidence flags items scored below it as low quality. Default 0.6.
	MinConfidence float64
	// RedundancyThreshold is the word-overlap similarity at or above which the
	// later of two items is redundant. Default 0.85.
	RedundancyThreshold float64
	// Strict removes flagged items instead of repairing them.
	Strict bool
	Logger logging.Logger
	Now    func() time.Time
}

// Validator checks context items for structural and semantic problems and can
// repair or remove the offenders.
type Validator struct {
	opts ValidatorOptions
	log  logging.Logger
	now  func() time.Time
}

// NewValidator creates a validator with the option defaults applied.
func NewValidator(opts ValidatorOptions) *Validator {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxContextAge
	}
	if opts.MinContentLength <= 0 {
		opts.MinContentLength = 10
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.6
	}
	if opts.RedundancyThreshold <= 0 {
		opts.RedundancyThreshold = 0.85
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Validator{opts: opts, log: logging.OrNop(opts.Logger), now: opts.Now}
}

// Validate inspects items without changing them.
func (v *Validator) Validate(items []Item) Report {
	start := time.Now()
	issues := v.collect(items)
	return Report{
		IsValid:           len(issues) == 0,
		Issues:            issues,
		TotalItemsChecked: len(items),
		ProcessedIn:       time.Since(start),
	}
}

// Fix validates and then repairs (or, in strict mode, removes) flagged items.
// The returned slice is a new one; inputs are not mutated.
func (v *Validator) Fix(items []Item) ([]Item, Report) {
	start := time.Now()
	issues := v.collect(items)

	fixed := make([]Item, len(items))
	for i, item := range items {
		fixed[i] = cloneItem(item)
	}

	remove := make(map[int]bool)
	for _, issue := range issues {
		if v.opts.Strict || issue.Kind == IssueRedundant {
			remove[issue.Index] = true
			continue
		}
		switch issue.Kind {
		case IssueMalformed:
			repairMalformed(&fixed[issue.Index])
		case IssueOutdated:
			markOutdated(&fixed[issue.Index])
		}
		// Low-quality and contradictory items are reported but kept; the
		// coordinator's relevance ranking handles their weight.
	}

	kept := fixed[:0]
	for i, item := range fixed {
		if remove[i] {
			continue
		}
		kept = append(kept, item)
	}

	report := Report{
		IsValid:           len(issues) == 0,
		Issues:            issues,
		TotalItemsChecked: len(items),
		ProcessedIn:       time.Since(start),
	}
	if len(issues) > 0 {
		v.log.Info("validation repaired %d of %d items (%d removed)",
			len(issues), len(items), len(fixed)-len(kept))
	}
	return kept, report
}

func (v *Validator) collect(items []Item) []Issue {
	var issues []Issue
	cutoff := v.now().Add(-v.opts.MaxAge)

	for i, item := range items {
		if item.Content == "" || item.Source == "" || item.Type == "" {
			issues = append(issues, Issue{
				Kind:   IssueMalformed,
				Index:  i,
				Detail: "missing content, source, or type",
			})
			continue
		}
		if len(strings.TrimSpace(item.Content)) < v.opts.MinContentLength {
			issues = append(issues, Issue{
				Kind:   IssueLowQuality,
				Index:  i,
				Detail: fmt.Sprintf("content shorter than %d characters", v.opts.MinContentLength),
			})
		} else if conf, ok := item.Confidence(); ok && conf < v.opts.MinConfidence {
			issues = append(issues, Issue{
				Kind:   IssueLowQuality,
				Index:  i,
				Detail: fmt.Sprintf("confidence %.2f below %.2f", conf, v.opts.MinConfidence),
			})
		}
		if !alreadyOutdated(item) {
			if ts, ok := item.Timestamp(); ok && ts.Before(cutoff) {
				issues = append(issues, Issue{
					Kind:   IssueOutdated,
					Index:  i,
					Detail: fmt.Sprintf("timestamp %s is past the %s window", ts.Format(time.RFC3339), v.opts.MaxAge),
				})
			}
		}
	}

	issues = append(issues, v.collectRedundant(items)...)
	issues = append(issues, v.collectContradictory(items)...)
	sort.SliceStable(issues, func(a, b int) bool { return issues[a].Index < issues[b].Index })
	return issues
}

// collectRedundant flags the later of any pair whose word-overlap similarity
// meets the threshold.
func (v *Validator) collectRedundant(items []Item) []Issue {
	var issues []Issue
	flagged := make(map[int]bool)
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if flagged[j] {
				continue
			}
			if wordSimilarity(items[i].Content, items[j].Content) >= v.opts.RedundancyThreshold {
				flagged[j] = true
				issues = append(issues, Issue{
					Kind:   IssueRedundant,
					Index:  j,
					Detail: fmt.Sprintf("near-duplicate of item %d", i),
				})
			}
		}
	}
	return issues
}

var negationWords = []string{"not", "never", "no", "cannot", "can't", "won't", "doesn't", "isn't", "aren't"}

var opposingPairs = [][2]string{
	{"all", "none"},
	{"always", "never"},
	{"every", "no"},
	{"increase", "decrease"},
	{"enabled", "disabled"},
}

// collectContradictory flags the later item of pairs of the same type that
// either disagree through negation over substantially similar text, or use
// opposing quantifiers over related text.
func (v *Validator) collectContradictory(items []Item) []Issue {
	var issues []Issue
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if items[i].Type != items[j].Type {
				continue
			}
			sim := wordSimilarity(items[i].Content, items[j].Content)
			if negationAsymmetry(items[i].Content, items[j].Content) && sim >= 0.5 {
				issues = append(issues, Issue{
					Kind:   IssueContradictory,
					Index:  j,
					Detail: fmt.Sprintf("negates item %d", i),
				})
				continue
			}
			if hasOpposingQuantifiers(items[i].Content, items[j].Content) && sim >= 0.3 {
				issues = append(issues, Issue{
					Kind:   IssueContradictory,
					Index:  j,
					Detail: fmt.Sprintf("opposes item %d", i),
				})
			}
		}
	}
	return issues
}

func repairMalformed(item *Item) {
	if item.Content == "" {
		item.Content = "unknown"
	}
	if item.Source == "" {
		item.Source = "unknown"
	}
	if item.Type == "" {
		item.Type = "unknown"
	}
}

func markOutdated(item *Item) {
	if !strings.HasPrefix(item.Content, "[OUTDATED] ") {
		item.Content = "[OUTDATED] " + item.Content
	}
	if item.Metadata == nil {
		item.Metadata = make(map[string]any, 1)
	}
	item.Metadata[MetaOutdated] = true
}

func alreadyOutdated(item Item) bool {
	if item.Metadata == nil {
		return false
	}
	outdated, _ := item.Metadata[MetaOutdated].(bool)
	return outdated
}

func cloneItem(item Item) Item {
	out := item
	if item.Metadata != nil {
		out.Metadata = make(map[string]any, len(item.Metadata))
		for k, v := range item.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// wordSimilarity is the Jaccard similarity of the two texts' lowercased word
// sets.
func wordSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(w, ".,;:!?\"'()")] = true
	}
	delete(set, "")
	return set
}

// negationAsymmetry reports whether exactly one of the two texts carries a
// negation word.
func negationAsymmetry(a, b string) bool {
	return hasNegation(a) != hasNegation(b)
}

func hasNegation(text string) bool {
	set := wordSet(text)
	for _, neg := range negationWords {
		if set[neg] {
			return true
		}
	}
	return false
}

func hasOpposingQuantifiers(a, b string) bool {
	setA := wordSet(a)
	setB := wordSet(b)
	for _, pair := range opposingPairs {
		if (setA[pair[0]] && setB[pair[1]]) || (setA[pair[1]] && setB[pair[0]]) {
			return true
		}
	}
	return false
}
