// internal/infrastructure/adb.go
package infrastructure

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"example.com/backstage/services/headset/config"
	"example.com/backstage/services/headset/internal/core"
	"github.com/sirupsen/logrus"
)

// adb prints these when the device itself cannot be reached. They exit
// non-zero but are transport failures, not remote command failures.
var adbTransportErrors = []string{
	"error: device",
	"error: no devices",
	"error: closed",
	"error: protocol fault",
	"no devices/emulators found",
	"device offline",
	"device unauthorized",
}

// ADBBridge implements core.Bridge by running the adb binary.
type ADBBridge struct {
	path            string
	commandTimeout  time.Duration
	transferTimeout time.Duration
	installTimeout  time.Duration
	logger          *logrus.Logger
}

// NewADBBridge creates a bridge using the configured adb binary.
func NewADBBridge(cfg config.BridgeConfig, logger *logrus.Logger) *ADBBridge {
	path := cfg.ADBPath
	if path == "" {
		path = "adb"
	}
	return &ADBBridge{
		path:            path,
		commandTimeout:  cfg.CommandTimeout,
		transferTimeout: cfg.TransferTimeout,
		installTimeout:  cfg.InstallTimeout,
		logger:          logger,
	}
}

// Devices lists the serials of devices in the "device" state. Offline and
// unauthorized devices are left out.
func (b *ADBBridge) Devices(ctx context.Context) ([]string, error) {
	out, err := b.run(ctx, b.commandTimeout, "devices", "", "devices")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

func (b *ADBBridge) Shell(ctx context.Context, serial, command string) (string, error) {
	return b.run(ctx, b.commandTimeout, "shell", serial, "-s", serial, "shell", command)
}

func (b *ADBBridge) Push(ctx context.Context, serial, localPath, remotePath string) error {
	_, err := b.run(ctx, b.transferTimeout, "push", serial, "-s", serial, "push", localPath, remotePath)
	return err
}

func (b *ADBBridge) Pull(ctx context.Context, serial, remotePath, localPath string) error {
	_, err := b.run(ctx, b.transferTimeout, "pull", serial, "-s", serial, "pull", remotePath, localPath)
	return err
}

func (b *ADBBridge) Install(ctx context.Context, serial, apkPath string) error {
	out, err := b.run(ctx, b.installTimeout, "install", serial, "-s", serial, "install", "-r", apkPath)
	if err != nil {
		return err
	}
	return packageManagerFailure("install", serial, out)
}

func (b *ADBBridge) Uninstall(ctx context.Context, serial, packageName string) error {
	out, err := b.run(ctx, b.installTimeout, "uninstall", serial, "-s", serial, "uninstall", packageName)
	if err != nil {
		return err
	}
	return packageManagerFailure("uninstall", serial, out)
}

// packageManagerFailure turns a "Failure [...]" report into a remote error;
// older adb versions exit 0 in that case.
func packageManagerFailure(op, serial, out string) error {
	if !strings.Contains(out, "Failure") && !strings.Contains(out, "Unknown package") {
		return nil
	}
	return &core.BridgeError{
		Op:       op,
		Serial:   serial,
		ExitCode: 1,
		Output:   out,
		Err:      errors.New(strings.TrimSpace(out)),
	}
}

func (b *ADBBridge) run(ctx context.Context, timeout time.Duration, op, serial string, args ...string) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, b.path, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	output := out.String()

	b.logger.WithFields(logrus.Fields{
		"op":       op,
		"serial":   serial,
		"duration": time.Since(start).String(),
	}).Trace("adb call")

	if err == nil {
		return output, nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil && !isTransportOutput(output) {
		exitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}

	return output, &core.BridgeError{
		Op:       op,
		Serial:   serial,
		ExitCode: exitCode,
		Output:   output,
		Err:      err,
	}
}

func isTransportOutput(out string) bool {
	for _, marker := range adbTransportErrors {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}

// ParseDevices extracts ready serials from `adb devices` output.
func ParseDevices(out string) []string {
	var serials []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	return serials
}
