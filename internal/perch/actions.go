package perch

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/boothealth"
	"github.com/roostlabs/roost/internal/signet"
)

// Runner executes an authorized command's local action. Execution is a
// separate failure domain from authentication: a failed action never
// un-authorizes the command that requested it.
type Runner interface {
	Run(ctx context.Context, action signet.Action) error
}

// ExecRunner dispatches actions to the host via exec. Reboot and shutdown
// write the clean-shutdown marker first so the next boot is recorded as
// graceful.
type ExecRunner struct {
	dataDir   string
	updateCmd []string
	log       *zap.Logger
}

// NewExecRunner builds the host action runner. updateCmd is the argv of
// the update hook; an empty slice disables the update action.
func NewExecRunner(dataDir string, updateCmd []string, log *zap.Logger) *ExecRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecRunner{dataDir: dataDir, updateCmd: updateCmd, log: log}
}

func (r *ExecRunner) Run(ctx context.Context, action signet.Action) error {
	switch action {
	case signet.ActionReboot:
		if err := boothealth.WriteMarker(r.dataDir); err != nil {
			return err
		}
		return r.exec(ctx, "systemctl", "reboot")
	case signet.ActionShutdown:
		if err := boothealth.WriteMarker(r.dataDir); err != nil {
			return err
		}
		return r.exec(ctx, "systemctl", "poweroff")
	case signet.ActionUpdate:
		if len(r.updateCmd) == 0 {
			return fmt.Errorf("update action not configured")
		}
		return r.exec(ctx, r.updateCmd[0], r.updateCmd[1:]...)
	case signet.ActionRotateKey:
		// Handled by the key engine, nothing to exec.
		return nil
	}
	return fmt.Errorf("%w: %q", signet.ErrUnknownAction, action)
}

func (r *ExecRunner) exec(ctx context.Context, name string, args ...string) error {
	r.log.Info("running action command", zap.String("cmd", name), zap.Strings("args", args))
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}
