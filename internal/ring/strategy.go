package ring

import "sort"

// ReplicationStrategy maps a range to the ordered list of endpoints storing
// copies of it
type ReplicationStrategy interface {
	// ConstructRangeToEndpointMap computes the replica set for each range
	// against the given token to endpoint map. The first replica of a range
	// is the endpoint owning the range's right token.
	ConstructRangeToEndpointMap(ranges []Range, tokenToEndpoint map[Token]Endpoint) map[Range][]Endpoint
}

// SimpleStrategy places replicas on consecutive ring positions clockwise
// from a range's right token, skipping duplicate endpoints.
type SimpleStrategy struct {
	ReplicationFactor int
}

// NewSimpleStrategy creates a strategy with the given replication factor
func NewSimpleStrategy(rf int) *SimpleStrategy {
	if rf < 1 {
		rf = 1
	}
	return &SimpleStrategy{ReplicationFactor: rf}
}

// ConstructRangeToEndpointMap implements ReplicationStrategy
func (s *SimpleStrategy) ConstructRangeToEndpointMap(ranges []Range, tokenToEndpoint map[Token]Endpoint) map[Range][]Endpoint {
	tokens := make([]Token, 0, len(tokenToEndpoint))
	for t := range tokenToEndpoint {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	result := make(map[Range][]Endpoint, len(ranges))
	for _, r := range ranges {
		result[r] = s.replicasFor(r.Right, tokens, tokenToEndpoint)
	}
	return result
}

// replicasFor walks the ring clockwise starting at the first token >= t and
// collects distinct endpoints up to the replication factor.
func (s *SimpleStrategy) replicasFor(t Token, tokens []Token, tokenToEndpoint map[Token]Endpoint) []Endpoint {
	if len(tokens) == 0 {
		return nil
	}

	start := sort.Search(len(tokens), func(i int) bool { return tokens[i] >= t })
	if start == len(tokens) {
		start = 0
	}

	replicas := make([]Endpoint, 0, s.ReplicationFactor)
	for i := 0; i < len(tokens) && len(replicas) < s.ReplicationFactor; i++ {
		ep := tokenToEndpoint[tokens[(start+i)%len(tokens)]]
		if containsEndpoint(replicas, ep) {
			continue
		}
		replicas = append(replicas, ep)
	}
	return replicas
}

func containsEndpoint(eps []Endpoint, ep Endpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}
