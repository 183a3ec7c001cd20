package task

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"marduk/internal/mardukerr"
)

// Weights are the coefficients of the priority model.
type Weights struct {
	BaseFactor       float64
	UserFactor       float64
	AgingFactor      float64
	UrgencyFactor    float64
	ResourceFactor   float64
	DependencyFactor float64
	FailurePenalty   float64
	StalledBoost     float64
	ContextBoost     float64
	DecayRate        float64
	StalledThreshold time.Duration
}

// DefaultWeights mirror the configuration defaults.
func DefaultWeights() Weights {
	return Weights{
		BaseFactor:       1.0,
		UserFactor:       1.0,
		AgingFactor:      2.0,
		UrgencyFactor:    1.0,
		ResourceFactor:   1.0,
		DependencyFactor: 1.0,
		FailurePenalty:   0.5,
		StalledBoost:     1.5,
		ContextBoost:     1.0,
		DecayRate:        0.1,
		StalledThreshold: 5 * time.Minute,
	}
}

var userPriorityPattern = regexp.MustCompile(`^(CRITICAL|HIGH|MEDIUM|LOW|LOWEST)([+-]\d+)?$`)

var userPriorityLevels = map[string]float64{
	"CRITICAL": 10,
	"HIGH":     8,
	"MEDIUM":   5,
	"LOW":      3,
	"LOWEST":   1,
}

// ParseUserPriority evaluates a user priority expression such as "HIGH+1" or
// "low-2". The result is clamped to [0,10].
func ParseUserPriority(expression string) (float64, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(expression))
	match := userPriorityPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return 0, mardukerr.NewValidationError("user priority", "cannot parse %q", expression)
	}
	value := userPriorityLevels[match[1]]
	if match[2] != "" {
		modifier, err := strconv.Atoi(match[2])
		if err != nil {
			return 0, mardukerr.NewValidationError("user priority", "bad modifier in %q", expression)
		}
		value += float64(modifier)
	}
	return clamp(value, 0, 10), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// calculatePriority computes the full weighted priority for a task that has
// no explicit priority yet: base, user, age, urgency, inherited, stalled,
// context, failure, and critical components, then the category multiplier and
// clamps.
func (w Weights) calculatePriority(task *Message, systemLoad float64, includeContext bool, now time.Time) float64 {
	rule := RuleFor(task.Category)

	base := clamp(w.BaseFactor, 0, 10)

	var user float64
	if task.UserPriorityExpression != "" {
		if parsed, err := ParseUserPriority(task.UserPriorityExpression); err == nil {
			user = clamp(parsed*w.UserFactor, 0, 10)
		}
	}

	var age float64
	if !task.CreatedAt.IsZero() {
		fraction := float64(now.Sub(task.CreatedAt)) / float64(24*time.Hour)
		if fraction > 1 {
			fraction = 1
		}
		age = clamp(fraction*w.AgingFactor, 0, 10)
	}

	suppression := 1 - systemLoad*task.ResourceCost*rule.LoadImpact*w.ResourceFactor
	if suppression < 0 {
		suppression = 0
	}
	urgency := clamp(task.Urgency*w.UrgencyFactor*suppression, 0, 10)

	inherited := clamp(task.InheritedPriorityBoost, 0, 10)

	var stalled float64
	if !task.StatusUpdatedAt.IsZero() && now.Sub(task.StatusUpdatedAt) > w.StalledThreshold {
		stalled = clamp(w.StalledBoost, 0, 10)
	}

	var contextBoost float64
	if includeContext && task.HasRelevantContext {
		contextBoost = clamp(w.ContextBoost, 0, 10)
	}

	failure := clamp(-float64(task.RetryCount)*w.FailurePenalty, -10, 0)

	var critical float64
	if task.IsSystemCritical {
		critical = 2
	}

	sum := base + user + age + urgency + inherited + stalled + contextBoost + failure + critical
	return w.applyCategoryBounds(clamp(sum, 0, 10)*rule.Multiplier, rule)
}

func (w Weights) applyCategoryBounds(priority float64, rule CategoryRule) float64 {
	if rule.MinPriority > 0 && priority < rule.MinPriority {
		priority = rule.MinPriority
	}
	if rule.MaxPriority > 0 && priority > rule.MaxPriority {
		priority = rule.MaxPriority
	}
	return clamp(priority, 0, 10)
}

// applyInheritance runs the two inheritance passes over the dependency
// graph. Pass one: each task gains a boost when its dependencies outrank it
// and inherits criticality from them. Pass two: 60% of the resulting
// difference propagates to transitive dependents via the dependents lists.
func (w Weights) applyInheritance(tasks map[int]*Message) {
	ids := sortedIDs(tasks)

	for _, id := range ids {
		task := tasks[id]
		maxDep := 0.0
		depCritical := false
		for _, depID := range task.Dependencies {
			dep, ok := tasks[depID]
			if !ok {
				continue
			}
			if dep.Priority > maxDep {
				maxDep = dep.Priority
			}
			if dep.IsSystemCritical {
				depCritical = true
			}
		}
		if diff := maxDep - task.Priority; diff > 0 {
			task.InheritedPriorityBoost = diff * w.DependencyFactor
			task.Priority = w.applyCategoryBounds(
				clamp(task.Priority+task.InheritedPriorityBoost, 0, 10), RuleFor(task.Category))
		}
		if depCritical {
			task.IsSystemCritical = true
		}
	}

	for _, id := range ids {
		task := tasks[id]
		for _, depID := range task.Dependents {
			dependent, ok := tasks[depID]
			if !ok {
				continue
			}
			if diff := task.Priority - dependent.Priority; diff > 0 {
				dependent.Priority = w.applyCategoryBounds(
					clamp(dependent.Priority+0.6*diff, 0, 10), RuleFor(dependent.Category))
			}
			if task.IsSystemCritical {
				dependent.IsSystemCritical = true
			}
		}
	}
}

// applyAging raises pending tasks that have waited longer than thirty
// minutes by min(3, ageMinutes/20).
func (w Weights) applyAging(tasks map[int]*Message, now time.Time) {
	for _, task := range tasks {
		if task.Status != StatusPending || task.CreatedAt.IsZero() {
			continue
		}
		age := now.Sub(task.CreatedAt)
		if age <= 30*time.Minute {
			continue
		}
		boost := age.Minutes() / 20
		if boost > 3 {
			boost = 3
		}
		task.Priority = w.applyCategoryBounds(clamp(task.Priority+boost, 0, 10), RuleFor(task.Category))
	}
}

// applyDecay lowers non-critical tasks older than a day by
// priority·min(0.9, decayRate·ageDays), floored at 1.
func (w Weights) applyDecay(tasks map[int]*Message, now time.Time) {
	for _, task := range tasks {
		if task.IsSystemCritical || task.CreatedAt.IsZero() {
			continue
		}
		age := now.Sub(task.CreatedAt)
		if age <= 24*time.Hour {
			continue
		}
		factor := w.DecayRate * age.Hours() / 24
		if factor > 0.9 {
			factor = 0.9
		}
		decayed := task.Priority - task.Priority*factor
		if decayed < 1 {
			decayed = 1
		}
		task.Priority = decayed
	}
}

func sortedIDs(tasks map[int]*Message) []int {
	ids := make([]int, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
