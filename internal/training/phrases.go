package training

// statusPhrases is the fixed, finite, cyclic list of user-facing status
// phrases. Backend-internal status text is never surfaced to callers; the
// rotation advances on a timer, decoupled from actual training progress.
var statusPhrases = []string{
	"Analyzing your data",
	"Building your model",
	"Learning your preferences",
	"Refining personality insights",
	"Optimizing predictions",
	"Almost there",
}

type phraseRotator struct {
	idx int
}

// Next returns the current phrase and advances the rotation, wrapping
// back to the first phrase after the last.
func (r *phraseRotator) Next() string {
	phrase := statusPhrases[r.idx]
	r.idx = (r.idx + 1) % len(statusPhrases)
	return phrase
}
