package llm

// MinTemperature is the lowest sampling temperature sent to a backend
const MinTemperature = 1e-2

// DefaultSeed is the reproducibility hint sent when none is configured
const DefaultSeed = 42

// Turn is one recorded exchange of a conversation
type Turn struct {
	User      string
	Assistant string
}

// History is an ordered list of turns, oldest first
type History []Turn

// Append returns a new History with turn added at the end.
// The receiver's backing array is never written to.
func (h History) Append(turn Turn) History {
	out := make(History, len(h), len(h)+1)
	copy(out, h)
	return append(out, turn)
}

// Token is a single fragment of a streamed generation
type Token struct {
	ID      int
	Text    string
	Logprob float64
	Special bool
}

// GenerateParams contains parameters for text generation
type GenerateParams struct {
	Temperature       float64  // Sampling temperature, floored at MinTemperature
	TopP              float64  // Nucleus sampling threshold
	MaxNewTokens      int      // Cap on generated tokens per request
	RepetitionPenalty float64  // Penalize token repetition
	DoSample          bool     // Always true once normalized
	Seed              int64    // Best-effort reproducibility hint
	StopSequences     []string // Backend-side stop sequences (optional)
}

// DefaultGenerateParams returns default generation parameters
func DefaultGenerateParams() GenerateParams {
	return GenerateParams{
		Temperature:       0.7,
		TopP:              0.95,
		MaxNewTokens:      1024,
		RepetitionPenalty: 1.0,
		DoSample:          true,
		Seed:              DefaultSeed,
	}
}

// Normalize returns a copy of p that is safe to send to a backend
func (p GenerateParams) Normalize() GenerateParams {
	if p.Temperature < MinTemperature {
		p.Temperature = MinTemperature
	}
	p.DoSample = true
	return p
}
