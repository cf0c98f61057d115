package bootstrap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/transport"
)

// SourceTarget is one leg of the plan: source ships a range to target
type SourceTarget struct {
	Source ring.Endpoint
	Target ring.Endpoint
}

// Bootstrapper computes and dispatches the transfer plan for a set of
// nodes joining the ring. Targets are the joining endpoints, tokens their
// chosen positions.
type Bootstrapper struct {
	ctx     *Context
	tokens  []ring.Token
	targets []ring.Endpoint
	logger  *zap.Logger
}

// NewBootstrapper creates a bootstrapper for the given newcomers
func NewBootstrapper(ctx *Context, tokens []ring.Token, targets []ring.Endpoint) *Bootstrapper {
	return &Bootstrapper{
		ctx:     ctx,
		tokens:  tokens,
		targets: targets,
		logger:  ctx.Logger,
	}
}

// Run executes the plan: it marks the newcomers as live ring members for
// the purpose of replica calculation, computes the per-range transfer plan,
// and dispatches work to the sources. The rest of the session is driven by
// asynchronous message arrivals.
func (b *Bootstrapper) Run() error {
	// mark as not bootstrapping so the new ranges are calculated correctly
	for i := range b.targets {
		b.ctx.TokenMetadata.Update(b.tokens[i], b.targets[i], false)
	}

	plan := b.RangesWithSourceTarget()
	b.logger.Debug("Beginning bootstrap process",
		zap.Int("ranges", len(plan)))

	b.assignWork(plan)
	b.ctx.finishIfIdle()
	return nil
}

// RangesWithSourceTarget computes the transfer plan against a snapshot of
// the token metadata: for each range whose replica set gains a newcomer,
// the (source, target) pairs that move it there.
func (b *Bootstrapper) RangesWithSourceTarget() map[ring.Range][]SourceTarget {
	// copy the token to endpoint map and drop the joining tokens so the
	// newcomers are not yet considered
	tokenToEndpoint := b.ctx.TokenMetadata.CloneTokenEndpointMap()
	for _, t := range b.tokens {
		delete(tokenToEndpoint, t)
	}

	oldTokens := make([]ring.Token, 0, len(tokenToEndpoint))
	for t := range tokenToEndpoint {
		oldTokens = append(oldTokens, t)
	}
	oldRanges := ring.RangesFromTokens(oldTokens)
	b.logger.Debug("Computed old ranges", zap.Int("count", len(oldRanges)))

	splitRanges := splitRangesMapping(oldRanges, b.tokens)
	oldRangeToEndpoint := b.ctx.Strategy.ConstructRangeToEndpointMap(oldRanges, tokenToEndpoint)

	// replace each split range by its subranges, every subrange inheriting
	// a copy of the replica list; sharing the slice would let one
	// subrange's later mutation corrupt its sibling's
	for splitRange, subRanges := range splitRanges {
		replicas := oldRangeToEndpoint[splitRange]
		delete(oldRangeToEndpoint, splitRange)
		for _, sub := range subRanges {
			oldRangeToEndpoint[sub] = append([]ring.Endpoint(nil), replicas...)
		}
	}

	// add the joining tokens and recalculate the range assignments
	augmented := make(map[ring.Token]ring.Endpoint, len(tokenToEndpoint)+len(b.tokens))
	for t, ep := range tokenToEndpoint {
		augmented[t] = ep
	}
	newTokens := append(append([]ring.Token(nil), oldTokens...), b.tokens...)
	for i := range b.tokens {
		augmented[b.tokens[i]] = b.targets[i]
	}

	newRanges := ring.RangesFromTokens(newTokens)
	b.logger.Debug("Computed new ranges", zap.Int("count", len(newRanges)))
	newRangeToEndpoint := b.ctx.Strategy.ConstructRangeToEndpointMap(newRanges, augmented)

	return rangeSourceTargetInfo(oldRangeToEndpoint, newRangeToEndpoint)
}

// assignWork groups the plan by source and sends each source one metadata
// message naming the ranges it owes and to whom. Sources that owe data to
// this node are registered before anything is sent, so completions cannot
// race the registration.
func (b *Bootstrapper) assignWork(plan map[ring.Range][]SourceTarget) {
	local := b.ctx.Messaging.LocalEndpoint()

	bySource := make(map[ring.Endpoint]map[string][]ring.Range)
	for r, pairs := range plan {
		for _, pair := range pairs {
			byTarget, ok := bySource[pair.Source]
			if !ok {
				byTarget = make(map[string][]ring.Range)
				bySource[pair.Source] = byTarget
			}
			key := pair.Target.String()
			byTarget[key] = append(byTarget[key], r)
			if pair.Target == local {
				b.ctx.AddBootstrapSource(pair.Source)
			}
		}
	}

	if b.ctx.Metrics != nil {
		b.ctx.Metrics.RangesPlanned.Add(float64(len(plan)))
		b.ctx.Metrics.SourcesPlanned.Add(float64(len(bySource)))
	}

	for source, byTarget := range bySource {
		msg := MetadataMessage{}
		for target, ranges := range byTarget {
			ring.SortRanges(ranges)
			msg.Assignments = append(msg.Assignments, Assignment{Target: target, Ranges: ranges})
		}
		sort.Slice(msg.Assignments, func(i, j int) bool {
			return msg.Assignments[i].Target < msg.Assignments[j].Target
		})

		body, err := EncodeMetadataMessage(msg)
		if err != nil {
			b.logger.Error("Failed to encode bootstrap metadata", zap.Error(err))
			continue
		}
		b.logger.Info("Requesting ranges from source",
			zap.String("source", source.String()),
			zap.Int("assignments", len(msg.Assignments)))
		b.ctx.Messaging.SendOneWay(transport.NewMessage(VerbBootstrapMetadata, local, body), source)
	}
}

// splitRangesMapping finds, for each old range containing at least one
// joining token, the subranges the tokens cut it into, in ring order.
func splitRangesMapping(oldRanges []ring.Range, tokens []ring.Token) map[ring.Range][]ring.Range {
	splits := make(map[ring.Range][]ring.Range)
	for _, r := range oldRanges {
		var inside []ring.Token
		for _, t := range tokens {
			if t != r.Right && r.Contains(t) {
				inside = append(inside, t)
			}
		}
		if len(inside) == 0 {
			continue
		}
		sort.Slice(inside, func(i, j int) bool {
			return ring.Distance(r.Left, inside[i]) < ring.Distance(r.Left, inside[j])
		})

		subs := make([]ring.Range, 0, len(inside)+1)
		left := r.Left
		for _, t := range inside {
			subs = append(subs, ring.NewRange(left, t))
			left = t
		}
		subs = append(subs, ring.NewRange(left, r.Right))
		splits[r] = subs
	}
	return splits
}

// rangeSourceTargetInfo diffs the old and new replica maps. Every endpoint
// that is a replica of a range in the new topology but not the old is a
// target; its source is drawn from the old replicas, favoring the one with
// the least outgoing work so no single node bears the whole transfer.
func rangeSourceTargetInfo(oldMap, newMap map[ring.Range][]ring.Endpoint) map[ring.Range][]SourceTarget {
	ranges := make([]ring.Range, 0, len(newMap))
	for r := range newMap {
		ranges = append(ranges, r)
	}
	ring.SortRanges(ranges)

	result := make(map[ring.Range][]SourceTarget)
	outgoing := make(map[ring.Endpoint]int)

	for _, r := range ranges {
		oldReplicas := oldMap[r]
		for _, target := range newMap[r] {
			if endpointIn(oldReplicas, target) {
				continue
			}
			source, ok := chooseSource(oldReplicas, target, outgoing)
			if !ok {
				continue
			}
			outgoing[source]++
			result[r] = append(result[r], SourceTarget{Source: source, Target: target})
		}
	}
	return result
}

// chooseSource picks the old replica with the fewest outgoing assignments,
// never the target itself. Earlier replicas win ties.
func chooseSource(oldReplicas []ring.Endpoint, target ring.Endpoint, outgoing map[ring.Endpoint]int) (ring.Endpoint, bool) {
	var best ring.Endpoint
	found := false
	for _, ep := range oldReplicas {
		if ep == target {
			continue
		}
		if !found || outgoing[ep] < outgoing[best] {
			best = ep
			found = true
		}
	}
	return best, found
}

func endpointIn(eps []ring.Endpoint, ep ring.Endpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}
