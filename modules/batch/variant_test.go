package batch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestWeightedPolicy_SampleIsDeterministicForSameSeed(t *testing.T) {
	policy := &WeightedPolicy{}
	seed := uuid.New()
	candidates := []string{"b", "a", "c"}

	first := policy.Sample(seed, candidates)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, policy.Sample(seed, candidates))
	}
}

func TestWeightedPolicy_SampleSingleCandidateShortCircuits(t *testing.T) {
	policy := &WeightedPolicy{}
	assert.Equal(t, "only", policy.Sample(uuid.New(), []string{"only"}))
}

func TestWeightedPolicy_SampleEmptyCandidatesReturnsEmptyString(t *testing.T) {
	policy := &WeightedPolicy{}
	assert.Equal(t, "", policy.Sample(uuid.New(), nil))
}

func TestWeightedPolicy_ZeroWeightCandidateNeverSelected(t *testing.T) {
	policy := &WeightedPolicy{Weights: map[string]float64{"a": 1, "b": 0}}
	candidates := []string{"a", "b"}

	for i := 0; i < 50; i++ {
		seed := uuid.New()
		assert.Equal(t, "a", policy.Sample(seed, candidates))
	}
}
