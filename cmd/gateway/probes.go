package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/bridge"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/health"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/natsclient"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/sink"
)

type natsStatus interface {
	GetStatus() natsclient.Status
	URL() string
}

// slowNATSRTT marks a connected bus as degraded.
const slowNATSRTT = 250 * time.Millisecond

// natsProbe is unhealthy unless the bus connection is up. Reconnecting or a
// slow round trip counts as degraded.
func natsProbe(client natsStatus) health.CheckFunc {
	return func(context.Context) health.Status {
		st := client.GetStatus()
		switch st.Status {
		case natsclient.StatusConnected:
			if st.RTT > slowNATSRTT {
				return health.NewDegraded("nats", fmt.Sprintf("connected, rtt %s", st.RTT))
			}
			return health.NewHealthy("nats", fmt.Sprintf("connected, rtt %s", st.RTT))
		case natsclient.StatusReconnecting, natsclient.StatusConnecting:
			return health.NewDegraded("nats", fmt.Sprintf("%s, %d reconnects", st.Status, st.Reconnects))
		default:
			return health.NewUnhealthy("nats", fmt.Sprintf("%s: %d failures, backoff %s (%s)",
				st.Status, st.FailureCount, st.Backoff, client.URL()))
		}
	}
}

type bridgeState interface {
	State() bridge.State
}

// bridgeProbe reports a broker outage as degraded, since HTTP ingest keeps
// working without it.
func bridgeProbe(b bridgeState, broker string) health.CheckFunc {
	return func(context.Context) health.Status {
		if s := b.State(); s != bridge.StateSubscribed {
			return health.NewDegraded("mqtt_bridge", fmt.Sprintf("%s (%s)", s, broker))
		}
		return health.NewHealthy("mqtt_bridge", "subscribed")
	}
}

type batcherStats interface {
	Stats() sink.BatcherStats
}

// sinkProbe is degraded while records are being dropped or failing to
// write since the previous probe.
type sinkProbe struct {
	batcher batcherStats
	backend string

	mu   sync.Mutex
	last sink.BatcherStats
}

func newSinkProbe(b batcherStats, backend string) *sinkProbe {
	return &sinkProbe{batcher: b, backend: backend, last: b.Stats()}
}

func (p *sinkProbe) check(context.Context) health.Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.batcher.Stats()
	failed := stats.Failed - p.last.Failed
	dropped := stats.Dropped - p.last.Dropped
	p.last = stats

	if failed > 0 || dropped > 0 {
		return health.NewDegraded("sink",
			fmt.Sprintf("%s: %d records failed, %d dropped since last check", p.backend, failed, dropped))
	}
	return health.NewHealthy("sink", fmt.Sprintf("%s: %d buffered", p.backend, stats.Buffered))
}
