package transcribe

// Features are encoder output states, Frames rows of Dim values.
type Features struct {
	Data   []float32
	Frames int
	Dim    int
}

// Backend runs the Whisper network. Implementations are driven by a single
// Engine and need not be safe for concurrent use.
type Backend interface {
	// EncoderForward encodes a log-mel spectrogram laid out as mel bins of
	// nFrames values each.
	EncoderForward(mel []float32, nFrames int) (*Features, error)
	// DecoderForward runs the decoder over the full token sequence and
	// returns the hidden state at the last position. flush discards any
	// state cached from previous features.
	DecoderForward(tokens []int, features *Features, flush bool) ([]float32, error)
	// FinalLinear projects a decoder hidden state onto vocabulary logits.
	FinalLinear(hidden []float32) ([]float32, error)
}
