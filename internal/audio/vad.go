package audio

// VADEvent is what a single capture chunk changed about the speech state
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStarted
	VADSpeechEnded
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStarted:
		return "speech_started"
	case VADSpeechEnded:
		return "speech_ended"
	default:
		return "none"
	}
}

// VADConfig configures the energy endpointer used to stop captures on silence
type VADConfig struct {
	EnergyThreshold float64 // chunk RMS above this counts as speech
	SilenceChunks   int     // consecutive quiet chunks after speech that end it
}

// DefaultVADConfig ends speech after fifteen quiet 64 ms chunks, about one second
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 500.0,
		SilenceChunks:   15,
	}
}

// VADDetector follows speech across successive capture chunks. Silence before
// the first loud chunk never ends anything.
type VADDetector struct {
	cfg      VADConfig
	quiet    int
	speaking bool
}

// NewVADDetector creates a detector. A non-positive SilenceChunks is treated as 1.
func NewVADDetector(cfg VADConfig) *VADDetector {
	if cfg.SilenceChunks < 1 {
		cfg.SilenceChunks = 1
	}
	return &VADDetector{cfg: cfg}
}

// Process classifies one chunk of little-endian 16-bit PCM
func (v *VADDetector) Process(pcm []byte) VADEvent {
	if CalculateRMS(BytesToSamples(pcm)) > v.cfg.EnergyThreshold {
		v.quiet = 0
		if v.speaking {
			return VADNone
		}
		v.speaking = true
		return VADSpeechStarted
	}

	if !v.speaking {
		return VADNone
	}
	v.quiet++
	if v.quiet < v.cfg.SilenceChunks {
		return VADNone
	}
	v.speaking = false
	v.quiet = 0
	return VADSpeechEnded
}

// Speaking reports whether the last loud chunk has not yet been followed by enough silence
func (v *VADDetector) Speaking() bool {
	return v.speaking
}

// Reset forgets any speech in progress
func (v *VADDetector) Reset() {
	v.quiet = 0
	v.speaking = false
}
