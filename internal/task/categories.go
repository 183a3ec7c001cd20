package task

// CategoryRule is the per-category priority and scheduling policy.
type CategoryRule struct {
	Name        string
	Multiplier  float64
	MinPriority float64 // 0 means no floor
	MaxPriority float64 // 10 means no ceiling
	MaxParallel int     // 0 means unlimited
	Serial      bool
	Preemptive  bool
	// LoadImpact scales how strongly system load suppresses urgency for this
	// category.
	LoadImpact float64
}

var categoryRules = map[string]CategoryRule{
	"default":    {Name: "default", Multiplier: 1.0, MaxPriority: 10, LoadImpact: 1.0},
	"io":         {Name: "io", Multiplier: 0.9, MaxPriority: 10, MaxParallel: 3, LoadImpact: 0.8},
	"cpu":        {Name: "cpu", Multiplier: 1.2, MaxPriority: 10, Serial: true, LoadImpact: 1.2},
	"memory":     {Name: "memory", Multiplier: 1.1, MaxPriority: 10, MaxParallel: 2, LoadImpact: 1.1},
	"ai":         {Name: "ai", Multiplier: 1.5, MaxPriority: 10, Serial: true, Preemptive: true, LoadImpact: 1.3},
	"system":     {Name: "system", Multiplier: 2.0, MinPriority: 8, MaxPriority: 10, Preemptive: true, LoadImpact: 0.5},
	"user":       {Name: "user", Multiplier: 1.8, MaxPriority: 10, LoadImpact: 1.0},
	"background": {Name: "background", Multiplier: 0.5, MaxPriority: 6, LoadImpact: 0.6},
}

// RuleFor returns the category rule, defaulting unknown categories.
func RuleFor(category string) CategoryRule {
	if rule, ok := categoryRules[category]; ok {
		return rule
	}
	return categoryRules["default"]
}

// Categories lists the known category names.
func Categories() []string {
	return []string{"default", "io", "cpu", "memory", "ai", "system", "user", "background"}
}
