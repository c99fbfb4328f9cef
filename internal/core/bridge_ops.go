// internal/core/bridge_ops.go
package core

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"example.com/backstage/services/headset/config"
	"github.com/sirupsen/logrus"
)

var (
	versionNamePattern = regexp.MustCompile(`versionName=(\S+)`)
	batteryPattern     = regexp.MustCompile(`(?m)^\s*level:\s*(\d+)`)
	wakefulnessPattern = regexp.MustCompile(`mWakefulness=(\w+)`)
)

// BridgeOps implements the higher-level device operations used by headsets.
// It performs no retries; retry policy belongs to the callers.
type BridgeOps struct {
	bridge       Bridge
	packageName  string
	manifestPath string
	permissions  []string
	logger       *logrus.Logger
}

// NewBridgeOps creates device operations for the configured application package.
func NewBridgeOps(bridge Bridge, app config.AppConfig, content config.ContentConfig, logger *logrus.Logger) *BridgeOps {
	return &BridgeOps{
		bridge:       bridge,
		packageName:  app.PackageName,
		manifestPath: content.ManifestPath,
		permissions:  app.Permissions,
		logger:       logger,
	}
}

// Bridge returns the underlying transport.
func (o *BridgeOps) Bridge() Bridge { return o.bridge }

// PackageName returns the managed application package.
func (o *BridgeOps) PackageName() string { return o.packageName }

// ManifestPath returns the on-device manifest location.
func (o *BridgeOps) ManifestPath() string { return o.manifestPath }

// Property reads a system property such as ro.product.model.
func (o *BridgeOps) Property(ctx context.Context, serial, name string) (string, error) {
	out, err := o.bridge.Shell(ctx, serial, "getprop "+name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BatteryLevel returns the battery percentage.
func (o *BridgeOps) BatteryLevel(ctx context.Context, serial string) (int, error) {
	out, err := o.bridge.Shell(ctx, serial, "dumpsys battery")
	if err != nil {
		return BatteryUnknown, err
	}
	level, ok := parseBatteryLevel(out)
	if !ok {
		return BatteryUnknown, fmt.Errorf("battery level not reported")
	}
	return level, nil
}

// IsAwake reports whether the display is powered.
func (o *BridgeOps) IsAwake(ctx context.Context, serial string) (bool, error) {
	out, err := o.bridge.Shell(ctx, serial, "dumpsys power")
	if err != nil {
		return false, err
	}
	return parseAwake(out), nil
}

// WakeUp sends a power keyevent only if the device is asleep.
func (o *BridgeOps) WakeUp(ctx context.Context, serial string) error {
	awake, err := o.IsAwake(ctx, serial)
	if err != nil {
		return err
	}
	if awake {
		return nil
	}
	_, err = o.bridge.Shell(ctx, serial, "input keyevent 26")
	return err
}

// GrantPermissions grants every configured runtime permission not yet granted.
// A failing grant is logged and the remaining permissions are still attempted.
func (o *BridgeOps) GrantPermissions(ctx context.Context, serial string) error {
	dump, err := o.bridge.Shell(ctx, serial, "dumpsys package "+o.packageName)
	if err != nil {
		return err
	}

	granted := parseGrantedPermissions(dump)
	for _, perm := range o.permissions {
		if granted[perm] {
			continue
		}
		if _, err := o.bridge.Shell(ctx, serial, fmt.Sprintf("pm grant %s %s", o.packageName, perm)); err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"serial":     serial,
				"permission": perm,
			}).Warn("Failed to grant permission")
		}
	}
	return nil
}

// InstalledAppVersion returns the installed versionName, AppAbsent when the
// package is not installed, or an error when the bridge call failed.
func (o *BridgeOps) InstalledAppVersion(ctx context.Context, serial string) (string, error) {
	out, err := o.bridge.Shell(ctx, serial, "dumpsys package "+o.packageName)
	if err != nil {
		return "", err
	}
	if m := versionNamePattern.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	return AppAbsent, nil
}

// ManifestPresent reports whether the manifest file exists. Absence is not an error.
func (o *BridgeOps) ManifestPresent(ctx context.Context, serial string) (bool, error) {
	return o.FileExists(ctx, serial, o.manifestPath)
}

// ManifestSize returns the manifest file size in bytes.
func (o *BridgeOps) ManifestSize(ctx context.Context, serial string) (int64, error) {
	return o.FileSize(ctx, serial, o.manifestPath)
}

// ReadManifest returns the raw manifest content.
func (o *BridgeOps) ReadManifest(ctx context.Context, serial string) ([]byte, error) {
	out, err := o.bridge.Shell(ctx, serial, "cat "+shellQuote(o.manifestPath))
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// FileExists reports whether a remote path exists.
func (o *BridgeOps) FileExists(ctx context.Context, serial, remotePath string) (bool, error) {
	out, err := o.bridge.Shell(ctx, serial, "ls "+shellQuote(remotePath))
	if err != nil {
		if IsRemoteFailure(err) {
			return false, nil
		}
		return false, err
	}
	if strings.Contains(out, "No such file") {
		return false, nil
	}
	return true, nil
}

// FileSize returns the size of a remote file. A missing file is a remote BridgeError.
func (o *BridgeOps) FileSize(ctx context.Context, serial, remotePath string) (int64, error) {
	out, err := o.bridge.Shell(ctx, serial, "stat -c%s "+shellQuote(remotePath))
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected stat output %q: %w", strings.TrimSpace(out), err)
	}
	return size, nil
}

// MainActivity resolves the launchable component of the application.
func (o *BridgeOps) MainActivity(ctx context.Context, serial string) (string, error) {
	out, err := o.bridge.Shell(ctx, serial, "cmd package resolve-activity --brief "+o.packageName)
	if err != nil {
		return "", err
	}
	component, ok := parseMainActivity(out)
	if !ok {
		return "", ErrNoMainActivity
	}
	return component, nil
}

// StartApplication launches the application's main activity.
func (o *BridgeOps) StartApplication(ctx context.Context, serial string) error {
	component, err := o.MainActivity(ctx, serial)
	if err != nil {
		return err
	}
	_, err = o.bridge.Shell(ctx, serial, "am start -n "+component)
	return err
}

// StopApplication force-stops the application.
func (o *BridgeOps) StopApplication(ctx context.Context, serial string) error {
	_, err := o.bridge.Shell(ctx, serial, "am force-stop "+o.packageName)
	return err
}

// IsApplicationRunning reports whether the application has a live process.
func (o *BridgeOps) IsApplicationRunning(ctx context.Context, serial string) (bool, error) {
	out, err := o.bridge.Shell(ctx, serial, "pidof "+o.packageName)
	if err != nil {
		if IsRemoteFailure(err) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func parseBatteryLevel(out string) (int, bool) {
	m := batteryPattern.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return level, true
}

func parseAwake(out string) bool {
	if m := wakefulnessPattern.FindStringSubmatch(out); m != nil {
		return m[1] == "Awake"
	}
	return strings.Contains(out, "Display Power: state=ON")
}

// parseGrantedPermissions collects "<perm>: granted=true" lines from a package dump.
func parseGrantedPermissions(dump string) map[string]bool {
	granted := make(map[string]bool)
	for _, line := range strings.Split(dump, "\n") {
		line = strings.TrimSpace(line)
		name, rest, ok := strings.Cut(line, ":")
		if !ok || !strings.Contains(rest, "granted=true") {
			continue
		}
		granted[strings.TrimSpace(name)] = true
	}
	return granted
}

func parseMainActivity(out string) (string, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.Contains(line, "/") && !strings.Contains(line, " ") {
			return line, true
		}
	}
	return "", false
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
