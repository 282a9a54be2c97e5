package memory

import "time"

// RerankWeights are the coefficients of the combined re-rank score.
type RerankWeights struct {
	Semantic   float64 `json:"semantic" yaml:"semantic"`
	Recency    float64 `json:"recency" yaml:"recency"`
	Preference float64 `json:"preference" yaml:"preference"`
	Quality    float64 `json:"quality" yaml:"quality"`
	Diversity  float64 `json:"diversity" yaml:"diversity"`
}

// DefaultRerankWeights returns 0.6/0.15/0.15/0.10 with a 0.05 diversity penalty.
func DefaultRerankWeights() RerankWeights {
	return RerankWeights{Semantic: 0.6, Recency: 0.15, Preference: 0.15, Quality: 0.10, Diversity: 0.05}
}

// Tuning holds the knobs that may change while the engine is running.
type Tuning struct {
	Keepalive              time.Duration
	MinTurnsForSummary     int
	Thresholds             map[QueryType]float64
	Rerank                 RerankWeights
	VectorWeights          map[string]float64
	ContradictionThreshold float64
	ContradictionTopN      int
	SummaryMaxChars        int
	RecencyHalfLife        time.Duration
	DegradedVectorReuse    bool
}

func DefaultTuning() Tuning {
	return Tuning{
		Keepalive:          900 * time.Second,
		MinTurnsForSummary: 3,
		Thresholds: map[QueryType]float64{
			QueryConversationRecall: 0.4,
			QueryFactLookup:         0.7,
			QueryGeneral:            0.5,
		},
		Rerank: DefaultRerankWeights(),
		VectorWeights: map[string]float64{
			VectorContent: 0.7,
			VectorEmotion: 0.1,
			VectorContext: 0.2,
		},
		ContradictionThreshold: 0.85,
		ContradictionTopN:      20,
		SummaryMaxChars:        1200,
		RecencyHalfLife:        14 * 24 * time.Hour,
	}
}

// withDefaults fills unset fields from DefaultTuning.
func (t Tuning) withDefaults() Tuning {
	def := DefaultTuning()
	if t.Keepalive <= 0 {
		t.Keepalive = def.Keepalive
	}
	if t.MinTurnsForSummary <= 0 {
		t.MinTurnsForSummary = def.MinTurnsForSummary
	}
	if len(t.Thresholds) == 0 {
		t.Thresholds = def.Thresholds
	}
	if t.Rerank == (RerankWeights{}) {
		t.Rerank = def.Rerank
	}
	if len(t.VectorWeights) == 0 {
		t.VectorWeights = def.VectorWeights
	}
	if t.ContradictionThreshold <= 0 {
		t.ContradictionThreshold = def.ContradictionThreshold
	}
	if t.ContradictionTopN <= 0 {
		t.ContradictionTopN = def.ContradictionTopN
	}
	if t.SummaryMaxChars <= 0 {
		t.SummaryMaxChars = def.SummaryMaxChars
	}
	if t.RecencyHalfLife <= 0 {
		t.RecencyHalfLife = def.RecencyHalfLife
	}
	return t
}

// TuningSource yields the current tuning. Implementations backed by a
// config watcher return the latest reloaded values.
type TuningSource interface {
	Tuning() Tuning
}

// TuningFunc adapts a function to TuningSource.
type TuningFunc func() Tuning

func (f TuningFunc) Tuning() Tuning { return f() }

// StaticTuning returns a source that always yields t.
func StaticTuning(t Tuning) TuningSource {
	return TuningFunc(func() Tuning { return t })
}

func currentTuning(src TuningSource) Tuning {
	if src == nil {
		return DefaultTuning()
	}
	return src.Tuning().withDefaults()
}
