package ocr

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Assemble orders fragments by the provider's intrinsic geometry (page,
// then top-to-bottom, then left-to-right) and concatenates their text.
// Fragments below minConfidence are dropped and logged, never silently
// kept.
func Assemble(fragments []Fragment, minConfidence float64) (string, int) {
	ordered := make([]Fragment, len(fragments))
	copy(ordered, fragments)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Page != ordered[j].Page {
			return ordered[i].Page < ordered[j].Page
		}
		if ordered[i].Top != ordered[j].Top {
			return ordered[i].Top < ordered[j].Top
		}
		return ordered[i].Left < ordered[j].Left
	})

	var sb strings.Builder
	dropped := 0
	for _, fragment := range ordered {
		if fragment.Confidence < minConfidence {
			dropped++
			zap.S().Named("ocr").Debugf("dropping low-confidence fragment on page %d (confidence %.2f < %.2f)",
				fragment.Page, fragment.Confidence, minConfidence)
			continue
		}
		sb.WriteString(fragment.Text)
	}

	if dropped > 0 {
		zap.S().Named("ocr").Infof("dropped %d fragments below confidence threshold %.2f", dropped, minConfidence)
	}
	return sb.String(), dropped
}

// AverageConfidence over all fragments, 0 when empty.
func AverageConfidence(fragments []Fragment) float64 {
	if len(fragments) == 0 {
		return 0
	}
	total := 0.0
	for _, fragment := range fragments {
		total += fragment.Confidence
	}
	return total / float64(len(fragments))
}
