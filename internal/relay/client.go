package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/signet"
)

// ErrTimeout means the node did not answer inside the relay timeout. It
// is reported distinctly from a rejection: the command's outcome is
// unknown, not refused. The relay never retries on its own.
var ErrTimeout = errors.New("command relay timed out")

// Target identifies a node the relay can reach and the key material to
// sign for it.
type Target struct {
	DeviceID string
	IP       string
	Active   signet.Key
	Next     signet.Key
	Epoch    uint64
}

// TrustSource is the relay's view of the fleet trust store.
type TrustSource interface {
	// TargetByDevice resolves a command target by device ID.
	// Returns nil if unknown.
	TargetByDevice(ctx context.Context, deviceID string) (*Target, error)

	// TargetByIP resolves a command target by last observed address.
	// Returns nil if no device has been seen at that address.
	TargetByIP(ctx context.Context, ip string) (*Target, error)

	// StageKey records the staged key reported by an authenticated
	// rotate-key result.
	StageKey(ctx context.Context, deviceID, nextKey string, targetEpoch uint64) error
}

// Outcome classifies one relay round-trip.
type Outcome string

const (
	OutcomeAuthorized Outcome = "authorized"
	OutcomeRejected   Outcome = "rejected"
	OutcomeTimeout    Outcome = "timeout"
)

// Dispatch is the result of relaying one command.
type Dispatch struct {
	Outcome Outcome
	Reason  string // rejection reason code, empty otherwise
	Result  *signet.CommandResult
}

// Client signs operator commands and forwards them to node endpoints.
type Client struct {
	trust    TrustSource
	nodePort int
	http     *http.Client
	log      *zap.Logger
}

// NewClient builds a relay client with a fail-fast HTTP timeout.
func NewClient(trust TrustSource, nodePort int, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		trust:    trust,
		nodePort: nodePort,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Send signs action for the target and posts it to the node's command
// endpoint. The returned Dispatch distinguishes authorized, rejected and
// timed-out outcomes; only network silence maps to ErrTimeout.
func (c *Client) Send(ctx context.Context, target *Target, action signet.Action, now time.Time) (*Dispatch, error) {
	cmd := &signet.Command{
		DeviceID: target.DeviceID,
		Action:   action,
		TS:       now.Unix(),
		Nonce:    signet.NewNonce(),
	}
	cmd.SignWith(target.Active)

	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/cmd", net.JoinHostPort(target.IP, fmt.Sprintf("%d", c.nodePort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &Dispatch{Outcome: OutcomeTimeout}, fmt.Errorf("%w: %s", ErrTimeout, target.DeviceID)
		}
		return nil, fmt.Errorf("send command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var rej struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&rej)
		if rej.Reason == "" {
			rej.Reason = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return &Dispatch{Outcome: OutcomeRejected, Reason: rej.Reason}, nil
	}

	var result signet.CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}

	// The node signs results with its active key. An unverifiable
	// result is treated as a rejection; in particular a forged
	// rotate-key reply must never stage an attacker's key.
	if result.VerifyWith(target.Active, target.Next) == signet.MatchNone {
		c.log.Warn("command result failed verification",
			zap.String("device_id", target.DeviceID),
			zap.String("action", string(action)))
		return &Dispatch{Outcome: OutcomeRejected, Reason: "unverified_result"}, nil
	}

	if action == signet.ActionRotateKey && result.NextKey != "" {
		if _, err := signet.ParseKey(result.NextKey); err != nil {
			return &Dispatch{Outcome: OutcomeRejected, Reason: "invalid_staged_key"}, nil
		}
		if err := c.trust.StageKey(ctx, target.DeviceID, result.NextKey, result.Epoch); err != nil {
			return nil, fmt.Errorf("stage key: %w", err)
		}
		c.log.Info("staged key recorded",
			zap.String("device_id", target.DeviceID),
			zap.Uint64("target_epoch", result.Epoch))
	}

	return &Dispatch{Outcome: OutcomeAuthorized, Result: &result}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
