package bootstrap

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/util/workerpool"
)

// StartBootstrap runs the join sequence: wait for load information, choose
// a ring position (unless one is configured), publish the bootstrap flag,
// and dispatch the transfer plan. It returns once the plan is handed to the
// bootstrap executor; the rest of the session is driven by incoming
// messages.
func StartBootstrap(c *Context) error {
	c.Logger.Info("Starting in bootstrap mode (first, sleeping to get load information)")

	if c.Config.InitialDelay > 0 {
		time.Sleep(c.Config.InitialDelay)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), c.Config.LoadInfoTimeout)
	defer cancel()
	if err := c.LoadBalancer.WaitForLoadInfo(waitCtx); err != nil {
		c.Logger.Warn("Timed out waiting for load information", zap.Error(err))
	}

	local := c.Messaging.LocalEndpoint()

	var token ring.Token
	if c.Config.InitialToken != "" {
		// a configured initial token skips the token handshake entirely
		t, err := c.TokenFactory.FromString(c.Config.InitialToken)
		if err != nil {
			return errors.InvalidArgument("invalid initial token", err)
		}
		token = t
		c.Logger.Info("Using configured initial token", zap.String("token", token.String()))
	} else {
		// pick a token to assume half the load of the most-loaded node
		peer, ok := c.LoadBalancer.MaxLoadedEndpoint()
		if !ok {
			return errors.NoBootstrapSources()
		}
		t, err := c.getBootstrapTokenFrom(context.Background(), peer)
		if err != nil {
			return err
		}
		token = t
		c.Logger.Info("Setting token to assume load",
			zap.String("token", token.String()),
			zap.String("peer", peer.Host))
	}

	c.SetLocalToken(token)
	if c.System != nil {
		if err := c.System.SaveToken(token); err != nil {
			c.Logger.Error("Failed to persist token", zap.Error(err))
		}
	}

	c.beginBootstrap()

	bs := NewBootstrapper(c, []ring.Token{token}, []ring.Endpoint{local})
	task := workerpool.Task{
		ID: "bootstrap",
		Fn: func(context.Context) error {
			return bs.Run()
		},
	}
	if err := c.Executor.Submit(task); err != nil {
		return errors.InternalError("failed to schedule bootstrap", err)
	}
	return nil
}
