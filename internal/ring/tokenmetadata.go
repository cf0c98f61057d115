package ring

import (
	"sort"
	"sync"
)

// TokenMetadata is the authoritative mapping from token to endpoint for all
// live nodes, with bootstrapping nodes tracked separately so they do not yet
// count as replicas. It is mutated only by membership events and is safe for
// concurrent use; read-only algorithms work against a cloned snapshot.
type TokenMetadata struct {
	mu              sync.RWMutex
	tokenToEndpoint map[Token]Endpoint
	bootstrapping   map[Token]Endpoint
}

// NewTokenMetadata creates an empty metadata map
func NewTokenMetadata() *TokenMetadata {
	return &TokenMetadata{
		tokenToEndpoint: make(map[Token]Endpoint),
		bootstrapping:   make(map[Token]Endpoint),
	}
}

// Update records the position of an endpoint. A bootstrapping node is kept
// out of the replica map until it is updated with bootstrapping=false.
func (tm *TokenMetadata) Update(token Token, ep Endpoint, bootstrapping bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if bootstrapping {
		delete(tm.tokenToEndpoint, token)
		tm.bootstrapping[token] = ep
		return
	}
	delete(tm.bootstrapping, token)
	tm.tokenToEndpoint[token] = ep
}

// Remove drops a token from both maps
func (tm *TokenMetadata) Remove(token Token) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.tokenToEndpoint, token)
	delete(tm.bootstrapping, token)
}

// Endpoint returns the live (non-bootstrapping) endpoint at the given token
func (tm *TokenMetadata) Endpoint(token Token) (Endpoint, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	ep, ok := tm.tokenToEndpoint[token]
	return ep, ok
}

// IsBootstrapping reports whether the token belongs to a bootstrapping node
func (tm *TokenMetadata) IsBootstrapping(token Token) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, ok := tm.bootstrapping[token]
	return ok
}

// CloneTokenEndpointMap returns a copy of the live token to endpoint map.
// Mutations of the copy do not affect the metadata.
func (tm *TokenMetadata) CloneTokenEndpointMap() map[Token]Endpoint {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	clone := make(map[Token]Endpoint, len(tm.tokenToEndpoint))
	for t, ep := range tm.tokenToEndpoint {
		clone[t] = ep
	}
	return clone
}

// SortedTokens returns the live tokens in ring order
func (tm *TokenMetadata) SortedTokens() []Token {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokens := make([]Token, 0, len(tm.tokenToEndpoint))
	for t := range tm.tokenToEndpoint {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// Token returns the ring position of an endpoint, if it has one
func (tm *TokenMetadata) Token(ep Endpoint) (Token, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for t, e := range tm.tokenToEndpoint {
		if e == ep {
			return t, true
		}
	}
	return 0, false
}

// PrimaryRange returns the primary range of the endpoint at the given token:
// the arc from its predecessor token (exclusive) to its own (inclusive).
func (tm *TokenMetadata) PrimaryRange(token Token) (Range, bool) {
	tokens := tm.SortedTokens()
	idx := -1
	for i, t := range tokens {
		if t == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Range{}, false
	}
	prev := tokens[(idx+len(tokens)-1)%len(tokens)]
	return NewRange(prev, token), true
}
