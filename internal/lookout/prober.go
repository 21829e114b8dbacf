package lookout

import (
	"context"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// Prober double-checks a silent device with a single ICMP echo, to tell
// "host down" apart from "agent down" in the offline log line.
type Prober struct {
	timeout time.Duration
	log     *zap.Logger
}

// NewProber builds an ICMP reachability prober.
func NewProber(timeout time.Duration, log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{timeout: timeout, log: log}
}

// Reachable pings ip once and reports whether a reply arrived.
func (p *Prober) Reachable(ctx context.Context, ip string) (bool, time.Duration) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		p.log.Debug("failed to create pinger", zap.String("ip", ip), zap.Error(err))
		return false, 0
	}
	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := pinger.Run(); runErr != nil {
			p.log.Debug("ping failed", zap.String("ip", ip), zap.Error(runErr))
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pinger.Stop()
		<-done
	}

	stats := pinger.Statistics()
	return stats.PacketsRecv > 0, stats.AvgRtt
}
