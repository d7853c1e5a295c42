package gossip

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"trustgossip/internal/proto"
)

// broadcast signs msg once and sends it to every connected peer except
// exclude. Each send runs in its own goroutine with its own timeout; a failing
// peer does not affect the others.
func (e *Engine) broadcast(ctx context.Context, msg proto.Message, exclude string) {
	targets := e.targets(exclude)
	if len(targets) == 0 {
		return
	}
	env, err := e.signer.Sign(msg)
	if err != nil {
		e.log.Warn("sign for broadcast failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(p PeerConnection) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
			defer cancel()
			if err := p.Send(sendCtx, env); err != nil {
				e.metrics.IncSendFailure()
				e.log.Debug("forward failed", zap.String("peer", p.ID()), zap.String("type", string(msg.Type)), zap.Error(err))
				return
			}
			e.metrics.IncRelayed()
		}(p)
	}
	wg.Wait()
}

func (e *Engine) targets(exclude string) []PeerConnection {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]PeerConnection, 0, len(e.peers))
	for id, p := range e.peers {
		if id == exclude || !p.IsConnected() {
			continue
		}
		out = append(out, p)
	}
	return out
}
