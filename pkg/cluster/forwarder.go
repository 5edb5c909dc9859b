package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSForwarder implements mediator.Forwarder: it proxies a request's body
// to the current leader's NATS subject via core request/reply. Payloads are
// plain JSON; no additional framing.
type NATSForwarder struct {
	nc      *nats.Conn
	elector *LeaderElector
	timeout time.Duration
}

// NewNATSForwarder builds a Forwarder that proxies to whichever node holds
// leadership according to elector.
func NewNATSForwarder(nc *nats.Conn, elector *LeaderElector, timeout time.Duration) *NATSForwarder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSForwarder{nc: nc, elector: elector, timeout: timeout}
}

func (f *NATSForwarder) ForwardToLeader(ctx context.Context, messageType string, body interface{}) (interface{}, error) {
	endpoint, ok := f.elector.LeaderEndpoint()
	if !ok {
		return nil, fmt.Errorf("no known leader for %s", messageType)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode forwarded body: %w", err)
	}

	subject := fmt.Sprintf("cqrsflow.forward.%s.%s", endpoint, messageType)
	msg, err := f.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("forward to leader %s: %w", endpoint, err)
	}

	var result interface{}
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return nil, fmt.Errorf("decode forwarded response: %w", err)
	}
	return result, nil
}
