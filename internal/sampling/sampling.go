// Package sampling implements the logit transform chain that turns one raw
// logit vector into one sampled token. Stage order is fixed: repetition
// penalties always run first, then either the greedy or Mirostat short-circuit
// fires, or the standard temperature/top-k/top-p/min-p/typical-p path runs.
package sampling

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"inferd/internal/errdefs"
)

// greedyEpsilon: temperatures at or below this count as zero.
const greedyEpsilon = 1e-7

// Config bundles sampling behavior for one generation.
type Config struct {
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
	TypicalP    float32

	// Penalties over the last RepeatLastN emitted tokens; 0 disables them.
	RepeatPenalty    float32
	FrequencyPenalty float32
	PresencePenalty  float32
	RepeatLastN      int

	// Mirostat: 0 off, 1 or 2 enable adaptive-entropy sampling.
	Mirostat    int
	MirostatTau float32
	MirostatEta float32

	// Seed for the RNG; 0 picks a time-based seed.
	Seed int64
}

// Validate range-checks the config before any sampler is built.
func (c Config) Validate() error {
	switch {
	case c.Temperature < 0:
		return errdefs.New(errdefs.ConfigurationInvalid, "temperature %v must be >= 0", c.Temperature)
	case c.TopK < 0:
		return errdefs.New(errdefs.ConfigurationInvalid, "top_k %d must be >= 0", c.TopK)
	case c.TopP < 0 || c.TopP > 1:
		return errdefs.New(errdefs.ConfigurationInvalid, "top_p %v must be in [0,1]", c.TopP)
	case c.MinP < 0 || c.MinP > 1:
		return errdefs.New(errdefs.ConfigurationInvalid, "min_p %v must be in [0,1]", c.MinP)
	case c.TypicalP < 0 || c.TypicalP > 1:
		return errdefs.New(errdefs.ConfigurationInvalid, "typical_p %v must be in [0,1]", c.TypicalP)
	case c.RepeatPenalty < 0:
		return errdefs.New(errdefs.ConfigurationInvalid, "repeat_penalty %v must be >= 0", c.RepeatPenalty)
	case c.RepeatLastN < 0:
		return errdefs.New(errdefs.ConfigurationInvalid, "repeat_last_n %d must be >= 0", c.RepeatLastN)
	case c.Mirostat < 0 || c.Mirostat > 2:
		return errdefs.New(errdefs.ConfigurationInvalid, "mirostat mode %d must be 0, 1 or 2", c.Mirostat)
	}
	if c.Mirostat != 0 {
		if c.MirostatTau <= 0 {
			return errdefs.New(errdefs.ConfigurationInvalid, "mirostat_tau %v must be > 0", c.MirostatTau)
		}
		if c.MirostatEta <= 0 {
			return errdefs.New(errdefs.ConfigurationInvalid, "mirostat_eta %v must be > 0", c.MirostatEta)
		}
	}
	return nil
}

// Sampler holds per-generation state: the RNG and, for Mirostat, the running
// tau. Build one per generation; do not share across generations.
type Sampler struct {
	cfg Config
	rng *rand.Rand
	tau float64
}

// New validates cfg and constructs a sampler.
func New(cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
		tau: float64(cfg.MirostatTau),
	}, nil
}

// Sample produces exactly one token id from raw logits and the window of
// recently emitted tokens.
func (s *Sampler) Sample(logits []float32, recent []int) (int, error) {
	if len(logits) == 0 {
		return 0, errdefs.New(errdefs.SamplingFailure, "empty logit vector")
	}
	if v := float64(logits[0]); math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errdefs.New(errdefs.SamplingFailure, "logit vector is not finite")
	}

	work := make([]float32, len(logits))
	copy(work, logits)
	s.applyPenalties(work, recent)

	if s.cfg.Temperature <= greedyEpsilon {
		return argmax(work), nil
	}
	if s.cfg.Mirostat == 1 || s.cfg.Mirostat == 2 {
		return s.sampleMirostat(work), nil
	}
	return s.sampleStandard(work), nil
}

// applyPenalties mutates work in place for every token seen in the lookback
// window. The repeat penalty divides positive logits and multiplies negative
// ones; the sign rule is asymmetric on purpose and must not be "fixed", since
// changing it changes generation behavior.
func (s *Sampler) applyPenalties(work []float32, recent []int) {
	c := s.cfg
	penalize := c.RepeatPenalty != 0 && c.RepeatPenalty != 1
	if !penalize && c.FrequencyPenalty == 0 && c.PresencePenalty == 0 {
		return
	}
	// A zero lookback disables the stage entirely, as llama.cpp does.
	if c.RepeatLastN == 0 {
		return
	}
	window := recent
	if len(window) > c.RepeatLastN {
		window = window[len(window)-c.RepeatLastN:]
	}
	counts := make(map[int]int, len(window))
	for _, tok := range window {
		if tok >= 0 && tok < len(work) {
			counts[tok]++
		}
	}
	for tok, n := range counts {
		if penalize {
			if work[tok] > 0 {
				work[tok] /= c.RepeatPenalty
			} else {
				work[tok] *= c.RepeatPenalty
			}
		}
		work[tok] -= c.FrequencyPenalty * float32(n)
		work[tok] -= c.PresencePenalty
	}
}

// argmax returns the first maximal index, so ties break to the lowest id.
func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// softmax writes a stable softmax of v into out (max subtracted before
// exponentiation). An all--Inf vector yields a uniform distribution instead
// of dividing by zero.
func softmax(out, v []float32) {
	maxv := v[argmax(v)]
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - maxv))
		out[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		u := float32(1) / float32(len(v))
		for i := range out {
			out[i] = u
		}
		return
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
}

// sampleMirostat targets a fixed output entropy: the running tau moves toward
// the configured target and rescales the logits as an effective temperature.
func (s *Sampler) sampleMirostat(work []float32) int {
	probs := make([]float32, len(work))
	softmax(probs, work)
	entropy := entropyBits(probs)

	s.tau += float64(s.cfg.MirostatEta) * (float64(s.cfg.MirostatTau) - entropy)
	if s.tau < 0.1 {
		s.tau = 0.1
	} else if s.tau > 10.0 {
		s.tau = 10.0
	}

	scaled := make([]float32, len(work))
	for i, x := range work {
		scaled[i] = float32(float64(x) / s.tau)
	}
	softmax(probs, scaled)
	return s.draw(idRange(len(probs)), probs)
}

// entropyBits computes Shannon entropy of a probability vector in bits.
func entropyBits(probs []float32) float64 {
	var h float64
	for _, p := range probs {
		if p > 0 {
			h -= float64(p) * math.Log2(float64(p))
		}
	}
	return h
}

type candidate struct {
	id   int
	prob float32
}

// sampleStandard runs temperature scaling, the candidate filters and the
// final weighted draw.
func (s *Sampler) sampleStandard(work []float32) int {
	c := s.cfg
	if c.Temperature != 1.0 {
		for i := range work {
			work[i] /= c.Temperature
		}
	}
	probs := make([]float32, len(work))
	softmax(probs, work)

	cands := make([]candidate, len(probs))
	for i, p := range probs {
		cands[i] = candidate{id: i, prob: p}
	}
	// Descending probability, ties to the lower id, shared by top-k and
	// top-p truncation.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].prob != cands[j].prob {
			return cands[i].prob > cands[j].prob
		}
		return cands[i].id < cands[j].id
	})

	if c.TopK > 0 && c.TopK < len(cands) {
		cands = cands[:c.TopK]
	}
	if c.TopP > 0 && c.TopP < 1 {
		var cum float32
		cut := len(cands)
		for i, cd := range cands {
			cum += cd.prob
			if cum >= c.TopP {
				cut = i + 1
				break
			}
		}
		cands = cands[:cut]
	}
	if c.MinP > 0 && len(cands) > 1 {
		threshold := c.MinP * cands[0].prob
		kept := cands[:1]
		for _, cd := range cands[1:] {
			if cd.prob >= threshold {
				kept = append(kept, cd)
			}
		}
		cands = kept
	}
	if c.TypicalP > 0 && c.TypicalP < 1 {
		cands = filterTypical(cands, c.TypicalP)
	}

	// Renormalize what survived and draw.
	var total float32
	for _, cd := range cands {
		total += cd.prob
	}
	ids := make([]int, len(cands))
	weights := make([]float32, len(cands))
	for i, cd := range cands {
		ids[i] = cd.id
		if total > 0 {
			weights[i] = cd.prob / total
		} else {
			weights[i] = 1 / float32(len(cands))
		}
	}
	return s.draw(ids, weights)
}

// filterTypical keeps the candidates whose surprise sits closest to the
// distribution entropy, up to typicalP cumulative mass, at least one kept.
func filterTypical(cands []candidate, typicalP float32) []candidate {
	var h float64
	for _, cd := range cands {
		if cd.prob > 0 {
			h -= float64(cd.prob) * math.Log2(float64(cd.prob))
		}
	}
	type scored struct {
		candidate
		diff float64
	}
	ranked := make([]scored, len(cands))
	for i, cd := range cands {
		surprise := math.Inf(1)
		if cd.prob > 0 {
			surprise = -math.Log2(float64(cd.prob))
		}
		ranked[i] = scored{candidate: cd, diff: math.Abs(surprise - h)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].diff != ranked[j].diff {
			return ranked[i].diff < ranked[j].diff
		}
		return ranked[i].id < ranked[j].id
	})
	var cum float32
	cut := len(ranked)
	for i, r := range ranked {
		cum += r.prob
		if cum >= typicalP {
			cut = i + 1
			break
		}
	}
	out := make([]candidate, cut)
	for i := range out {
		out[i] = ranked[i].candidate
	}
	return out
}

// draw weighted-samples one id against the cumulative distribution, falling
// back to the last candidate on floating-point rounding shortfall.
func (s *Sampler) draw(ids []int, weights []float32) int {
	r := s.rng.Float32()
	var cum float32
	for i, w := range weights {
		cum += w
		if r < cum {
			return ids[i]
		}
	}
	return ids[len(ids)-1]
}

func idRange(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}
