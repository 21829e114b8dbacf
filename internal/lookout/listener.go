package lookout

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
)

// maxDatagram bounds beacon reads. Beacons are a few hundred bytes;
// anything near the cap is garbage.
const maxDatagram = 4096

// Listener receives beacon datagrams and hands them to the verifier.
type Listener struct {
	addr string
	v    *Verifier
	log  *zap.Logger
}

// NewListener builds the UDP beacon listener.
func NewListener(addr string, v *Verifier, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{addr: addr, v: v, log: log}
}

// Run receives datagrams until ctx is cancelled. Each datagram is
// verified on its own goroutine; per-device serialization happens inside
// the verifier, so beacons from different devices never block each other.
func (l *Listener) Run(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", l.addr)
	if err != nil {
		return err
	}
	l.log.Info("beacon listener started", zap.String("addr", pc.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("beacon read failed", zap.Error(err))
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		srcIP := remoteIP(addr)

		go func() {
			if err := l.v.HandleDatagram(ctx, raw, srcIP, time.Now()); err != nil {
				l.log.Debug("beacon discarded", zap.String("src_ip", srcIP), zap.Error(err))
			}
		}()
	}
}

func remoteIP(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
