package decision

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter estimates prompt size in model tokens rather than bytes,
// so roundHistory can trim by an actual token budget instead of a fixed
// round count that under- or over-fills the context window depending on
// how verbose a round's reasoning and tool results happen to be.
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

// newTokenCounter loads the cl100k_base encoding (the one the teacher's
// chat-completions-shaped providers target). Falls back to a nil
// counter, whose count degrades to a byte-length heuristic, if the
// encoding can't be loaded (e.g. no embedded ranks for this build).
func newTokenCounter(logger *slog.Logger) *tokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		if logger != nil {
			logger.Warn("decision engine: tiktoken encoding unavailable, falling back to byte-length estimate", "error", err)
		}
		return &tokenCounter{}
	}
	return &tokenCounter{enc: enc}
}

func (t *tokenCounter) count(s string) int {
	if t == nil || t.enc == nil {
		return len(s) / 4
	}
	return len(t.enc.Encode(s, nil, nil))
}
