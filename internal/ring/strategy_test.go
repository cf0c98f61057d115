package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/ringkv/internal/ring"
)

func threeNodeRing() (map[ring.Token]ring.Endpoint, ring.Endpoint, ring.Endpoint, ring.Endpoint) {
	a := ring.Endpoint{Host: "10.0.0.1", Port: 7000}
	b := ring.Endpoint{Host: "10.0.0.2", Port: 7000}
	c := ring.Endpoint{Host: "10.0.0.3", Port: 7000}
	return map[ring.Token]ring.Endpoint{10: a, 20: b, 30: c}, a, b, c
}

func TestSimpleStrategyRF1(t *testing.T) {
	tokenMap, a, b, c := threeNodeRing()
	strategy := ring.NewSimpleStrategy(1)

	ranges := ring.RangesFromTokens([]ring.Token{10, 20, 30})
	replicas := strategy.ConstructRangeToEndpointMap(ranges, tokenMap)

	assert.Equal(t, []ring.Endpoint{a}, replicas[ring.NewRange(30, 10)])
	assert.Equal(t, []ring.Endpoint{b}, replicas[ring.NewRange(10, 20)])
	assert.Equal(t, []ring.Endpoint{c}, replicas[ring.NewRange(20, 30)])
}

func TestSimpleStrategyRF2WalksClockwise(t *testing.T) {
	tokenMap, a, b, c := threeNodeRing()
	strategy := ring.NewSimpleStrategy(2)

	ranges := ring.RangesFromTokens([]ring.Token{10, 20, 30})
	replicas := strategy.ConstructRangeToEndpointMap(ranges, tokenMap)

	assert.Equal(t, []ring.Endpoint{a, b}, replicas[ring.NewRange(30, 10)])
	assert.Equal(t, []ring.Endpoint{b, c}, replicas[ring.NewRange(10, 20)])
	assert.Equal(t, []ring.Endpoint{c, a}, replicas[ring.NewRange(20, 30)])
}

func TestSimpleStrategyRFAboveNodeCount(t *testing.T) {
	tokenMap, _, _, _ := threeNodeRing()
	strategy := ring.NewSimpleStrategy(5)

	ranges := ring.RangesFromTokens([]ring.Token{10, 20, 30})
	replicas := strategy.ConstructRangeToEndpointMap(ranges, tokenMap)

	for r, eps := range replicas {
		require.Len(t, eps, 3, "range %s", r)
		seen := make(map[ring.Endpoint]bool)
		for _, ep := range eps {
			assert.False(t, seen[ep], "duplicate replica for %s", r)
			seen[ep] = true
		}
	}
}

func TestSimpleStrategySplitRangeReplicas(t *testing.T) {
	// a split subrange's right bound is not itself a token; replicas come
	// from the first token at or after it
	tokenMap, _, b, _ := threeNodeRing()
	strategy := ring.NewSimpleStrategy(1)

	replicas := strategy.ConstructRangeToEndpointMap([]ring.Range{ring.NewRange(10, 15)}, tokenMap)
	assert.Equal(t, []ring.Endpoint{b}, replicas[ring.NewRange(10, 15)])
}
