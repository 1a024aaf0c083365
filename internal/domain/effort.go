package domain

import "strings"

// Effort levels accepted by the agent
const (
	EffortHigh   = "high"
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortXHigh  = "xhigh"
)

// effortSuffixes is ordered longest first so "-extra-high" wins over "-high"
var effortSuffixes = []struct {
	suffix string
	effort string
}{
	{"-extra-high", EffortXHigh},
	{"-medium", EffortMedium},
	{"-xhigh", EffortXHigh},
	{"-high", EffortHigh},
	{"-low", EffortLow},
}

// ParseModelEffort splits a model name like "gpt-5.3-codex-high" into its
// base name and effort level. Matching ignores case, the base keeps its case.
// Suffixes that are part of model names ("-max", "-mini") are left alone.
func ParseModelEffort(model string) (string, string) {
	lower := strings.ToLower(model)
	for _, s := range effortSuffixes {
		if strings.HasSuffix(lower, s.suffix) && len(model) > len(s.suffix) {
			return model[:len(model)-len(s.suffix)], s.effort
		}
	}
	return model, ""
}

// ParseEffortHint strips a trailing "-<effort>" token from command text,
// so "fix bug -high" becomes ("fix bug", "high").
func ParseEffortHint(text string) (string, string) {
	trimmed := strings.TrimRight(text, " \t\r\n")
	idx := strings.LastIndexAny(trimmed, " \t\n")
	if idx < 0 {
		return text, ""
	}
	token := strings.ToLower(trimmed[idx+1:])
	if !strings.HasPrefix(token, "-") {
		return text, ""
	}
	effort := NormalizeEffort(token[1:])
	if effort == "" {
		return text, ""
	}
	return strings.TrimRight(trimmed[:idx], " \t\r\n"), effort
}

// NormalizeEffort maps user-friendly aliases to an effort level, or "" if unknown
func NormalizeEffort(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return EffortLow
	case "medium", "med":
		return EffortMedium
	case "high":
		return EffortHigh
	case "xhigh", "extra-high", "extra_high", "extra high":
		return EffortXHigh
	}
	return ""
}
