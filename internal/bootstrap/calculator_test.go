package bootstrap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/bootstrap"
	"github.com/devrev/ringkv/internal/ring"
)

func planFor(t *testing.T, rf int, live map[ring.Token]ring.Endpoint, newToken ring.Token, newcomer ring.Endpoint) map[ring.Range][]bootstrap.SourceTarget {
	t.Helper()
	tm := ring.NewTokenMetadata()
	for tok, ep := range live {
		tm.Update(tok, ep, false)
	}
	ctx := &bootstrap.Context{
		TokenMetadata: tm,
		Strategy:      ring.NewSimpleStrategy(rf),
		Logger:        zap.NewNop(),
	}
	bs := bootstrap.NewBootstrapper(ctx, []ring.Token{newToken}, []ring.Endpoint{newcomer})
	// the driver marks the newcomer live before computing, mirror that
	tm.Update(newToken, newcomer, false)
	return bs.RangesWithSourceTarget()
}

func assertPlanInvariants(t *testing.T, plan map[ring.Range][]bootstrap.SourceTarget, newcomer ring.Endpoint) {
	t.Helper()
	for r, pairs := range plan {
		require.NotEmpty(t, pairs, "range %s has no pairs", r)
		for _, pair := range pairs {
			assert.NotEqual(t, pair.Source, pair.Target, "range %s ships to itself", r)
			assert.Equal(t, newcomer, pair.Target, "range %s targets a non-newcomer", r)
		}
	}
}

func TestPlanSingleSplitRF1(t *testing.T) {
	// tokens {10,20,30} on A,B,C; newcomer D takes token 5, which splits
	// the wrapping range (30,10]. Only (30,5] moves, and only from A.
	a, b, c, d := endpoint("10.0.0.1"), endpoint("10.0.0.2"), endpoint("10.0.0.3"), endpoint("10.0.0.4")
	plan := planFor(t, 1, map[ring.Token]ring.Endpoint{10: a, 20: b, 30: c}, 5, d)

	assertPlanInvariants(t, plan, d)
	require.Len(t, plan, 1)
	pairs, ok := plan[ring.NewRange(30, 5)]
	require.True(t, ok, "expected range (30,5] in plan, got %v", plan)
	require.Len(t, pairs, 1)
	assert.Equal(t, a, pairs[0].Source)
	assert.Equal(t, d, pairs[0].Target)
}

func TestPlanSplitPropagationRF2(t *testing.T) {
	// tokens {10,20,30} RF=2, newcomer D at 15. The split subranges
	// (10,15] and (15,20] inherit (10,20]'s replicas [B,C]; D becomes a
	// replica of (10,15], sourced from one of the old replicas.
	a, b, c, d := endpoint("10.0.0.1"), endpoint("10.0.0.2"), endpoint("10.0.0.3"), endpoint("10.0.0.4")
	plan := planFor(t, 2, map[ring.Token]ring.Endpoint{10: a, 20: b, 30: c}, 15, d)

	assertPlanInvariants(t, plan, d)

	pairs, ok := plan[ring.NewRange(10, 15)]
	require.True(t, ok, "expected range (10,15] in plan, got %v", plan)
	require.Len(t, pairs, 1)
	assert.Contains(t, []ring.Endpoint{b, c}, pairs[0].Source)
	assert.Equal(t, d, pairs[0].Target)

	// the untouched subrange keeps its replicas and moves nothing
	_, ok = plan[ring.NewRange(15, 20)]
	assert.False(t, ok)

	// sources are always replicas that held the data before the join
	if pairs, ok := plan[ring.NewRange(30, 10)]; ok {
		for _, pair := range pairs {
			assert.Contains(t, []ring.Endpoint{a, b}, pair.Source)
		}
	}
}

func TestPlanWrapAroundSplit(t *testing.T) {
	// tokens {10,90} RF=1, newcomer at 95: the wrap range (90,10] splits
	// into (90,95] and (95,10]; only the first moves, the second keeps
	// wrapping with its old owner.
	a, b, d := endpoint("10.0.0.1"), endpoint("10.0.0.2"), endpoint("10.0.0.4")
	plan := planFor(t, 1, map[ring.Token]ring.Endpoint{10: a, 90: b}, 95, d)

	assertPlanInvariants(t, plan, d)
	require.Len(t, plan, 1)
	pairs, ok := plan[ring.NewRange(90, 95)]
	require.True(t, ok, "expected range (90,95] in plan, got %v", plan)
	assert.Equal(t, a, pairs[0].Source)

	_, ok = plan[ring.NewRange(95, 10)]
	assert.False(t, ok, "the wrap remainder must not move")
}

func TestPlanEmptyRing(t *testing.T) {
	// first node of a cluster: nobody can source anything, the plan is
	// empty
	d := endpoint("10.0.0.4")
	plan := planFor(t, 1, nil, 42, d)
	assert.Empty(t, plan)
}

func TestPlanSourceSkewIsBounded(t *testing.T) {
	// with RF=2 several ranges can change replicas; sources should spread
	// rather than all landing on one node
	a, b, c, d := endpoint("10.0.0.1"), endpoint("10.0.0.2"), endpoint("10.0.0.3"), endpoint("10.0.0.4")
	plan := planFor(t, 2, map[ring.Token]ring.Endpoint{10: a, 20: b, 30: c}, 15, d)

	counts := make(map[ring.Endpoint]int)
	total := 0
	for _, pairs := range plan {
		for _, pair := range pairs {
			counts[pair.Source]++
			total++
		}
	}
	for ep, n := range counts {
		assert.LessOrEqual(t, n, (total+1)/2+1, "source %s is overloaded", ep)
	}
}

func TestPlanReplicaListsNotAliased(t *testing.T) {
	// two newcomers splitting the same old range: each subrange's replica
	// list must be independent, so plan targets stay correct per subrange
	a, b := endpoint("10.0.0.1"), endpoint("10.0.0.2")
	d1, d2 := endpoint("10.0.0.4"), endpoint("10.0.0.5")

	tm := ring.NewTokenMetadata()
	tm.Update(10, a, false)
	tm.Update(50, b, false)
	ctx := &bootstrap.Context{
		TokenMetadata: tm,
		Strategy:      ring.NewSimpleStrategy(1),
		Logger:        zap.NewNop(),
	}
	bs := bootstrap.NewBootstrapper(ctx, []ring.Token{20, 30}, []ring.Endpoint{d1, d2})
	tm.Update(20, d1, false)
	tm.Update(30, d2, false)
	plan := bs.RangesWithSourceTarget()

	// (10,50] splits into (10,20], (20,30], (30,50]; the first two gain
	// d1 and d2 respectively, both sourced from B
	pairs1 := plan[ring.NewRange(10, 20)]
	require.Len(t, pairs1, 1)
	assert.Equal(t, bootstrap.SourceTarget{Source: b, Target: d1}, pairs1[0])

	pairs2 := plan[ring.NewRange(20, 30)]
	require.Len(t, pairs2, 1)
	assert.Equal(t, bootstrap.SourceTarget{Source: b, Target: d2}, pairs2[0])

	_, ok := plan[ring.NewRange(30, 50)]
	assert.False(t, ok, "remainder stays with its old owner")
}
