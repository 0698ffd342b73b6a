package qa

import "unicode/utf8"

// Scoring policy. Completeness rewards field coverage, quality penalizes
// rule violations; both are on a 0-100 scale.
const (
	completenessFieldWeight = 80.0
	specificationsBonus     = 10.0
	mediaBonus              = 10.0

	errorPenalty    = 15.0
	warningPenalty  = 5.0
	richTextBonus   = 5.0
	brandModelBonus = 5.0

	maxScore = 100.0
)

// Completeness returns present/len(fields) x 80, plus 10 when the
// specifications attribute is a non-empty map and 10 when at least one
// medium was processed, capped at 100.
func Completeness(attrs map[string]any, fields []string, mediaCount int) float64 {
	score := 0.0
	if len(fields) > 0 {
		present := 0
		for _, f := range fields {
			if isPresent(attrs, f) {
				present++
			}
		}
		score = float64(present) / float64(len(fields)) * completenessFieldWeight
	}

	if nonEmptyMap(attrs["specifications"]) {
		score += specificationsBonus
	}
	if mediaCount > 0 {
		score += mediaBonus
	}
	return clamp(score)
}

// Quality returns 100 - 15 per error - 5 per warning, plus 5 for a
// description longer than richLength characters and 5 when both brand and
// model are filled in, clamped to [0, 100].
func Quality(attrs map[string]any, errors, warnings, richLength int) float64 {
	score := maxScore - errorPenalty*float64(errors) - warningPenalty*float64(warnings)

	if desc := textValue(attrs, "description"); utf8.RuneCountInString(desc) > richLength {
		score += richTextBonus
	}
	if textValue(attrs, "brand") != "" && textValue(attrs, "model") != "" {
		score += brandModelBonus
	}
	return clamp(score)
}

// QualityBucket groups a quality score into high, medium or low
func QualityBucket(score float64) string {
	switch {
	case score >= 80:
		return "high"
	case score >= 60:
		return "medium"
	default:
		return "low"
	}
}

func nonEmptyMap(v any) bool {
	switch m := v.(type) {
	case map[string]any:
		return len(m) > 0
	case map[string]string:
		return len(m) > 0
	default:
		return false
	}
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
