// Package dial places outbound calls through the Android phone bridge over
// adb broadcast intents.
package dial

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/voxgate/voxgate/internal/session"
)

const (
	intentAction    = "com.tracsystems.phonebridge.CALL_COMMAND"
	intentComponent = "com.tracsystems.phonebridge/.CallCommandReceiver"
)

// Dialer shells out to adb to reach the phone bridge app on the handset.
type Dialer struct {
	adbPath string
}

// NewDialer uses the given adb binary path, defaulting to "adb" on PATH.
func NewDialer(adbPath string) *Dialer {
	if strings.TrimSpace(adbPath) == "" {
		adbPath = "adb"
	}
	return &Dialer{adbPath: adbPath}
}

// DeviceAvailable reports whether at least one adb device is attached and
// authorized.
func (d *Dialer) DeviceAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.adbPath, "devices").Output()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "device" {
			return true
		}
	}
	return false
}

// Dial asks the phone bridge to place a call to the given number.
func (d *Dialer) Dial(ctx context.Context, number string) error {
	number = session.NormalizeNumber(number)
	if number == "" {
		return fmt.Errorf("dial: empty number")
	}
	if !d.DeviceAvailable(ctx) {
		return fmt.Errorf("dial: no adb device available")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.adbPath,
		"shell", "am", "broadcast",
		"-a", intentAction,
		"-n", intentComponent,
		"--es", "type", "dial",
		"--es", "number", number,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("dial broadcast: %w: %s", err, strings.TrimSpace(string(out)))
	}
	slog.Info("Outbound dial requested", "number", number)
	return nil
}
