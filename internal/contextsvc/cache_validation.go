package contextsvc

import (
	"fmt"
	"strings"
	"time"

	"marduk/internal/contextcache"
)

// CacheReport summarizes one validation pass over the context cache.
type CacheReport struct {
	EntriesChecked  int           `json:"entriesChecked"`
	EntriesRepaired int           `json:"entriesRepaired"`
	EntriesRemoved  int           `json:"entriesRemoved"`
	Issues          []Issue       `json:"issues"`
	ProcessedIn     time.Duration `json:"processedIn"`
}

// ValidateCache inspects every cached entry's context lines without changing
// the cache.
func (v *Validator) ValidateCache(cache *contextcache.Cache) CacheReport {
	start := time.Now()
	report := CacheReport{}
	for key, entry := range cache.Entries() {
		report.EntriesChecked++
		_, issues := v.fixContextLines(key, entry.Context)
		report.Issues = append(report.Issues, issues...)
	}
	report.ProcessedIn = time.Since(start)
	return report
}

// FixCache validates every cached entry's context lines and writes repaired
// entries back. Entries whose context is entirely unusable are deleted.
func (v *Validator) FixCache(cache *contextcache.Cache) CacheReport {
	start := time.Now()
	report := CacheReport{}

	for key, entry := range cache.Entries() {
		report.EntriesChecked++
		lines, issues := v.fixContextLines(key, entry.Context)
		if len(issues) == 0 {
			continue
		}
		report.Issues = append(report.Issues, issues...)

		if len(lines) == 0 {
			cache.Delete(key)
			report.EntriesRemoved++
			continue
		}
		entry.Context = lines
		cache.Set(key, entry)
		report.EntriesRepaired++
	}

	report.ProcessedIn = time.Since(start)
	if len(report.Issues) > 0 {
		v.log.Info("cache validation: %d checked, %d repaired, %d removed",
			report.EntriesChecked, report.EntriesRepaired, report.EntriesRemoved)
	}
	return report
}

// fixContextLines drops empty and near-duplicate lines from one cached
// context. Remaining lines keep their original order.
func (v *Validator) fixContextLines(key string, lines []string) ([]string, []Issue) {
	var issues []Issue
	var kept []string
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			issues = append(issues, Issue{
				Kind:   IssueMalformed,
				Index:  i,
				Key:    key,
				Detail: "empty context line",
			})
			continue
		}
		duplicate := false
		for _, prev := range kept {
			if wordSimilarity(prev, line) >= v.opts.RedundancyThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			issues = append(issues, Issue{
				Kind:   IssueRedundant,
				Index:  i,
				Key:    key,
				Detail: fmt.Sprintf("near-duplicate context line in entry %q", key),
			})
			continue
		}
		kept = append(kept, line)
	}
	if len(issues) == 0 {
		return lines, nil
	}
	return kept, issues
}
