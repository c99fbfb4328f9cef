package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"example.com/backstage/services/headset/config"
	"github.com/sirupsen/logrus"
)

const (
	testPackage      = "com.headset.player"
	testManifestPath = "/sdcard/Android/media/com.headset.player/manifest.json"
	testUploadPath   = "/sdcard/Android/media/com.headset.player/Solutions"
)

var testPermissions = []string{
	"android.permission.READ_EXTERNAL_STORAGE",
	"android.permission.RECORD_AUDIO",
}

// fakeDevice is the scripted state of one device behind fakeBridge.
type fakeDevice struct {
	props           map[string]string
	battery         int
	version         string
	installVersion  string
	awake           bool
	running         bool
	manifest        string
	manifestPresent bool
	files           map[string]int64
	granted         map[string]bool
	installFailures int
	offline         bool
	failPush        map[string]bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		props: map[string]string{
			"ro.product.manufacturer": "Oculus",
			"ro.product.model":        "Quest 2",
		},
		battery:        87,
		version:        "1.4.0",
		installVersion: "1.5.0",
		awake:          true,
		files:          map[string]int64{},
		granted:        map[string]bool{},
		failPush:       map[string]bool{},
	}
}

// fakeBridge implements Bridge against in-memory devices and counts calls.
type fakeBridge struct {
	mu         sync.Mutex
	serials    []string
	devicesErr error
	devices    map[string]*fakeDevice
	calls      map[string]int
	pushed     []string
	pulled     []string
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		devices: map[string]*fakeDevice{},
		calls:   map[string]int{},
	}
}

func (b *fakeBridge) add(serial string, d *fakeDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[serial] = d
	b.serials = append(b.serials, serial)
}

func (b *fakeBridge) setSerials(serials ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serials = serials
	for _, s := range serials {
		if _, ok := b.devices[s]; !ok {
			b.devices[s] = newFakeDevice()
		}
	}
}

func (b *fakeBridge) device(serial string) *fakeDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[serial]
}

func (b *fakeBridge) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBridge) resetCounts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = map[string]int{}
	b.pushed = nil
	b.pulled = nil
}

func remoteErr(op, serial, out string) error {
	return &BridgeError{Op: op, Serial: serial, ExitCode: 1, Output: out, Err: errors.New(out)}
}

func offlineErr(op, serial string) error {
	return &BridgeError{Op: op, Serial: serial, ExitCode: -1, Err: errors.New("error: device offline")}
}

func (b *fakeBridge) Devices(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["devices"]++
	if b.devicesErr != nil {
		return nil, b.devicesErr
	}
	out := append([]string(nil), b.serials...)
	return out, nil
}

func (b *fakeBridge) Shell(ctx context.Context, serial, command string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	verb := strings.Fields(command)[0]
	b.calls["shell"]++
	b.calls[verb]++

	d, ok := b.devices[serial]
	if !ok || d.offline {
		return "", offlineErr("shell", serial)
	}

	arg := func(prefix string) string {
		return strings.Trim(strings.TrimPrefix(command, prefix), "'")
	}

	switch {
	case strings.HasPrefix(command, "getprop "):
		return d.props[arg("getprop ")] + "\n", nil

	case command == "dumpsys battery":
		return fmt.Sprintf("Current Battery Service state:\n  AC powered: false\n  level: %d\n  scale: 100\n", d.battery), nil

	case command == "dumpsys power":
		state := "Asleep"
		if d.awake {
			state = "Awake"
		}
		return fmt.Sprintf("POWER MANAGER (dumpsys power)\n  mWakefulness=%s\n", state), nil

	case command == "input keyevent 26":
		d.awake = !d.awake
		return "", nil

	case strings.HasPrefix(command, "dumpsys package "):
		if d.version == "" {
			return "", nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Packages:\n  Package [%s]\n    versionName=%s\n    runtime permissions:\n", testPackage, d.version)
		perms := make([]string, 0, len(d.granted))
		for p := range d.granted {
			perms = append(perms, p)
		}
		sort.Strings(perms)
		for _, p := range perms {
			fmt.Fprintf(&sb, "      %s: granted=true, flags=[ USER_SET ]\n", p)
		}
		return sb.String(), nil

	case strings.HasPrefix(command, "pm grant "):
		parts := strings.Fields(command)
		if d.version == "" {
			return "", remoteErr("shell", serial, "Unknown package: "+parts[2])
		}
		d.granted[parts[3]] = true
		return "", nil

	case strings.HasPrefix(command, "ls "):
		p := arg("ls ")
		if d.exists(p) {
			return p + "\n", nil
		}
		return "", remoteErr("shell", serial, "ls: "+p+": No such file or directory")

	case strings.HasPrefix(command, "stat -c%s "):
		p := arg("stat -c%s ")
		if p == testManifestPath && d.manifestPresent {
			return fmt.Sprintf("%d\n", len(d.manifest)), nil
		}
		if size, ok := d.files[p]; ok {
			return fmt.Sprintf("%d\n", size), nil
		}
		return "", remoteErr("shell", serial, "stat: '"+p+"': No such file or directory")

	case strings.HasPrefix(command, "cat "):
		if !d.manifestPresent {
			return "", remoteErr("shell", serial, "cat: No such file or directory")
		}
		return d.manifest, nil

	case strings.HasPrefix(command, "cmd package resolve-activity"):
		if d.version == "" {
			return "No activity found\n", nil
		}
		return "priority=0 preferredOrder=0 match=0x108000 specificIndex=-1 isDefault=true\n" + testPackage + "/.MainActivity\n", nil

	case strings.HasPrefix(command, "am start -n "):
		d.running = true
		return "Starting: Intent { cmp=" + arg("am start -n ") + " }\n", nil

	case strings.HasPrefix(command, "am force-stop "):
		d.running = false
		return "", nil

	case strings.HasPrefix(command, "pidof "):
		if d.running {
			return "4242\n", nil
		}
		return "", remoteErr("shell", serial, "")
	}

	return "", remoteErr("shell", serial, "unknown command: "+command)
}

func (d *fakeDevice) exists(p string) bool {
	if p == testManifestPath {
		return d.manifestPresent
	}
	_, ok := d.files[p]
	return ok
}

func (b *fakeBridge) Push(ctx context.Context, serial, localPath, remotePath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["push"]++

	d, ok := b.devices[serial]
	if !ok || d.offline {
		return offlineErr("push", serial)
	}
	if d.failPush[remotePath] {
		return remoteErr("push", serial, "adb: error: failed to copy")
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return remoteErr("push", serial, err.Error())
	}
	d.files[remotePath] = info.Size()
	b.pushed = append(b.pushed, remotePath)
	return nil
}

func (b *fakeBridge) Pull(ctx context.Context, serial, remotePath, localPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["pull"]++

	d, ok := b.devices[serial]
	if !ok || d.offline {
		return offlineErr("pull", serial)
	}
	size, ok := d.files[remotePath]
	if !ok {
		return remoteErr("pull", serial, "adb: error: remote object '"+remotePath+"' does not exist")
	}
	b.pulled = append(b.pulled, remotePath)
	return os.WriteFile(localPath, make([]byte, size), 0o644)
}

func (b *fakeBridge) Install(ctx context.Context, serial, apkPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["install"]++

	d, ok := b.devices[serial]
	if !ok || d.offline {
		return offlineErr("install", serial)
	}
	if d.installFailures > 0 {
		d.installFailures--
		return remoteErr("install", serial, "Failure [INSTALL_FAILED_UPDATE_INCOMPATIBLE]")
	}
	d.version = d.installVersion
	return nil
}

func (b *fakeBridge) Uninstall(ctx context.Context, serial, packageName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["uninstall"]++

	d, ok := b.devices[serial]
	if !ok || d.offline {
		return offlineErr("uninstall", serial)
	}
	if d.version == "" {
		return remoteErr("uninstall", serial, "Failure [DELETE_FAILED_INTERNAL_ERROR]")
	}
	d.version = ""
	d.running = false
	d.granted = map[string]bool{}
	return nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestDeps builds headset collaborators around bridge with a library at root.
func newTestDeps(t *testing.T, bridge Bridge, root string) (HeadsetDeps, *recordingPublisher) {
	t.Helper()

	logger := testLogger()
	codec, err := NewManifestCodec(8)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	library := NewLibrary(root, logger)
	if _, err := library.Scan(); err != nil {
		t.Fatalf("library scan: %v", err)
	}

	ops := NewBridgeOps(bridge, config.AppConfig{
		PackageName: testPackage,
		Permissions: testPermissions,
	}, config.ContentConfig{
		ManifestPath: testManifestPath,
		UploadPath:   testUploadPath,
	}, logger)

	pub := &recordingPublisher{}
	return HeadsetDeps{
		Ops:             ops,
		Codec:           codec,
		Library:         library,
		Verifier:        NewVerifier(ops, testUploadPath, 4),
		Publisher:       pub,
		Logger:          logger,
		APKPath:         "/opt/apk/player.apk",
		TargetVersion:   "1.5.0",
		InstallAttempts: 3,
		QueueSize:       4,
	}, pub
}
