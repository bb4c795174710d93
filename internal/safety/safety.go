package safety

import (
	"context"
	"log/slog"
	"strings"

	"github.com/finsec/kyt/internal/models"
	"github.com/finsec/kyt/internal/moderation"
)

// Placeholder replaces blocked text in report output. The original text is
// never stored or echoed anywhere once blocked.
const Placeholder = "[content withheld by safety screen]"

// blockConfidence is the moderation confidence at which flagged content is
// withheld outright instead of redacted.
const blockConfidence = 0.8

// Demographic terms that have no place in a risk rationale. Their presence
// escalates a passing verdict to redaction so biased generated text never
// reaches a report verbatim.
var biasIndicators = []string{
	"race", "ethnicity", "religion", "gender", "nationality",
	"age", "disability", "sexual orientation",
}

// Screen annotates report-bound text with a safety verdict. It never rewrites
// text itself; callers apply the verdict with Apply. All generated text
// passes through this one seam before reaching a report.
type Screen struct {
	screener moderation.Screener
	logger   *slog.Logger
}

func New(screener moderation.Screener, logger *slog.Logger) *Screen {
	if logger == nil {
		logger = slog.Default()
	}
	return &Screen{screener: screener, logger: logger}
}

// Check screens one piece of text. Moderation errors propagate so the caller
// can retry; on exhaustion the caller degrades with Unscreened.
func (s *Screen) Check(ctx context.Context, sourceField, text string) (models.SafetyVerdict, error) {
	verdict := models.SafetyVerdict{
		SourceField: sourceField,
		Action:      models.SafetyActionPass,
	}

	if s.screener != nil {
		result, err := s.screener.Screen(ctx, text)
		if err != nil {
			return verdict, err
		}
		if result.Flagged {
			verdict.Flagged = true
			verdict.Category = result.Category
			verdict.Confidence = result.Confidence
			if result.Confidence >= blockConfidence {
				verdict.Action = models.SafetyActionBlock
			} else {
				verdict.Action = models.SafetyActionRedact
			}
		}
	}

	if verdict.Action == models.SafetyActionPass {
		if term := biasTerm(text); term != "" {
			verdict.Flagged = true
			verdict.Category = "bias"
			verdict.Action = models.SafetyActionRedact
			s.logger.Warn("bias indicator in generated text", "field", sourceField, "term", term)
		}
	}

	return verdict, nil
}

// Unscreened is the degraded verdict recorded when moderation stayed
// unavailable: the text passes, but the trail shows it was never screened. A
// missing screen must not fabricate blocks.
func Unscreened(sourceField string) models.SafetyVerdict {
	return models.SafetyVerdict{
		SourceField: sourceField,
		Action:      models.SafetyActionPass,
	}
}

// redactedMark replaces redacted spans in report-bound text.
const redactedMark = "[redacted]"

// Apply enforces a verdict on text. Blocked text becomes the fixed
// placeholder; redacted text has bias terms substituted in place, or is cut
// to its first sentence when the flag came from moderation and no local term
// matches.
func Apply(verdict models.SafetyVerdict, text string) string {
	switch verdict.Action {
	case models.SafetyActionBlock:
		return Placeholder
	case models.SafetyActionRedact:
		return redact(text)
	default:
		return text
	}
}

func redact(text string) string {
	out := text
	for _, term := range biasIndicators {
		idx := indexFold(out, term)
		for idx >= 0 {
			out = out[:idx] + redactedMark + out[idx+len(term):]
			idx = indexFold(out, term)
		}
	}
	if out != text {
		return out
	}

	// Moderation flagged the text but no local term matched. The redaction
	// still has to be visible in the output, so keep the first sentence and
	// drop the remainder.
	if idx := strings.Index(text, ". "); idx >= 0 {
		return text[:idx+1] + " " + redactedMark
	}
	return redactedMark
}

func biasTerm(text string) string {
	for _, term := range biasIndicators {
		if indexFold(text, term) >= 0 {
			return term
		}
	}
	return ""
}

func indexFold(s, substr string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(substr))
}
