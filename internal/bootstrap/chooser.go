package bootstrap

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/transport"
)

// getBootstrapTokenFrom asks a peer to propose a token splitting its
// primary range roughly in half. The wait is bounded by the configured
// token request timeout; an unreachable peer fails the bootstrap instead of
// blocking it forever.
func (c *Context) getBootstrapTokenFrom(parent context.Context, peer ring.Endpoint) (ring.Token, error) {
	rctx, cancel := context.WithTimeout(parent, c.Config.TokenRequestTimeout)
	defer cancel()

	msg := transport.NewMessage(VerbBootstrapToken, c.Messaging.LocalEndpoint(), nil)
	reply, err := c.Messaging.SendRR(rctx, msg, peer)
	if err != nil {
		return 0, err
	}

	token, err := c.TokenFactory.FromBytes(reply.Body)
	if err != nil {
		return 0, err
	}
	c.Logger.Debug("Received bootstrap token",
		zap.String("token", token.String()),
		zap.String("peer", peer.String()))
	return token, nil
}
