// internal/core/headset.go
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"example.com/backstage/services/headset/internal/utils"
	"github.com/sirupsen/logrus"
)

// HeadsetDeps are the collaborators shared by every headset of a fleet.
type HeadsetDeps struct {
	Ops       *BridgeOps
	Codec     *ManifestCodec
	Library   *Library
	Verifier  *Verifier
	Publisher EventPublisher
	Repo      Repository
	Logger    *logrus.Logger

	APKPath         string
	TargetVersion   string
	InstallAttempts int
	QueueSize       int
}

// Headset is the in-memory state of one connected device. Refreshes and
// operator tasks run under opMu; readers only take stateMu.
type Headset struct {
	serial string
	deps   HeadsetDeps
	logger *logrus.Logger
	queue  *TaskQueue

	opMu       sync.Mutex
	identified bool

	stateMu       sync.RWMutex
	manufacturer  string
	model         string
	battery       int
	appVersion    string
	manifestPath  string
	manifestSize  int64
	manifestStale bool
	name          string
	code          string
	organization  string
	solutions     []*SolutionOnDevice
	transfer      *TransferStatus
}

// NewHeadset creates the state for a newly discovered serial and starts its
// task queue.
func NewHeadset(serial string, deps HeadsetDeps) *Headset {
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.InstallAttempts < 1 {
		deps.InstallAttempts = 1
	}
	if deps.QueueSize < 1 {
		deps.QueueSize = 1
	}

	h := &Headset{
		serial:       serial,
		deps:         deps,
		logger:       deps.Logger,
		manufacturer: UnknownValue,
		model:        UnknownValue,
		battery:      BatteryUnknown,
		solutions:    []*SolutionOnDevice{},
	}
	h.queue = NewTaskQueue(serial, deps.QueueSize, deps.Logger)
	h.queue.onFail = func(task *Task, err error) {
		ev := NewEvent(EventTaskFailed, serial)
		ev.Message = fmt.Sprintf("%s: %v", task.Kind, err)
		h.publish(context.Background(), ev)
	}
	h.queue.Start()
	return h
}

// Serial returns the bridge identity.
func (h *Headset) Serial() string { return h.serial }

// Queue returns the headset's task queue.
func (h *Headset) Queue() *TaskQueue { return h.queue }

func (h *Headset) log() *logrus.Entry {
	h.stateMu.RLock()
	name := h.name
	h.stateMu.RUnlock()
	return h.logger.WithFields(logrus.Fields{
		"serial":      h.serial,
		"device_name": name,
	})
}

func (h *Headset) publish(ctx context.Context, ev Event) {
	if err := h.deps.Publisher.Publish(ctx, ev); err != nil {
		h.log().WithError(err).WithField("event", ev.Type).Warn("Failed to publish event")
	}
}

// Snapshot returns a copy of the current state.
func (h *Headset) Snapshot() HeadsetSnapshot {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()

	snap := HeadsetSnapshot{
		Serial:          h.serial,
		Manufacturer:    h.manufacturer,
		Model:           h.model,
		Battery:         h.battery,
		AppVersion:      h.appVersion,
		UpdateAvailable: h.deps.TargetVersion != "" && utils.UpdateAvailable(h.appVersion, h.deps.TargetVersion),
		ManifestPath:    h.manifestPath,
		ManifestSize:    h.manifestSize,
		ManifestStale:   h.manifestStale,
		Name:            h.name,
		Code:            h.code,
		Organization:    h.organization,
		Solutions:       make([]SolutionOnDevice, 0, len(h.solutions)),
	}
	for _, s := range h.solutions {
		snap.Solutions = append(snap.Solutions, s.Clone())
	}
	if h.transfer != nil {
		t := *h.transfer
		snap.Transfer = &t
	}
	return snap
}

// Refresh runs one poll cycle for the headset. It returns ErrHeadsetBusy
// without touching the device when another refresh or a task holds it.
func (h *Headset) Refresh(ctx context.Context) error {
	if !h.opMu.TryLock() {
		return ErrHeadsetBusy
	}
	defer h.opMu.Unlock()

	h.refreshIdentity(ctx)
	h.refreshStatus(ctx)
	h.refreshManifest(ctx)
	return nil
}

func (h *Headset) refreshIdentity(ctx context.Context) {
	if h.identified {
		return
	}
	manufacturer := h.property(ctx, "ro.product.manufacturer")
	model := h.property(ctx, "ro.product.model")

	h.stateMu.Lock()
	h.manufacturer = manufacturer
	h.model = model
	h.stateMu.Unlock()
	h.identified = true
}

func (h *Headset) property(ctx context.Context, name string) string {
	value, err := h.deps.Ops.Property(ctx, h.serial, name)
	if err != nil || value == "" {
		if err != nil {
			h.log().WithError(err).WithField("property", name).Warn("Failed to read device property")
		}
		return UnknownValue
	}
	return value
}

func (h *Headset) refreshStatus(ctx context.Context) {
	battery, err := h.deps.Ops.BatteryLevel(ctx, h.serial)
	if err != nil {
		h.log().WithError(err).Debug("Failed to read battery level")
		battery = BatteryUnknown
	}

	version, err := h.deps.Ops.InstalledAppVersion(ctx, h.serial)
	if err != nil {
		h.log().WithError(err).Warn("Failed to read installed application version")
		version = ""
	}

	h.stateMu.Lock()
	h.battery = battery
	h.appVersion = version
	h.stateMu.Unlock()
}

func (h *Headset) refreshManifest(ctx context.Context) {
	ops := h.deps.Ops

	present, err := ops.ManifestPresent(ctx, h.serial)
	if err != nil {
		h.log().WithError(err).Warn("Failed to check manifest presence")
		return
	}
	if !present {
		h.clearManifest()
		return
	}

	size, err := ops.ManifestSize(ctx, h.serial)
	if err != nil {
		h.log().WithError(err).Warn("Failed to read manifest size")
		return
	}

	h.stateMu.RLock()
	unchanged := h.manifestPath == ops.ManifestPath() && h.manifestSize == size
	h.stateMu.RUnlock()
	if unchanged {
		return
	}

	raw, err := ops.ReadManifest(ctx, h.serial)
	if err != nil {
		h.log().WithError(err).Warn("Failed to read manifest")
		return
	}

	manifest, err := h.deps.Codec.Decode(raw)
	if err != nil {
		h.markStale(ctx, err)
		return
	}

	for _, sol := range manifest.Solutions {
		installed, err := h.deps.Verifier.QuickCheck(ctx, h.serial, sol)
		if err != nil {
			h.log().WithError(err).WithField("solution", sol.Name).Warn("Failed to check solution on device")
		}
		sol.Installed = installed
	}

	h.stateMu.Lock()
	h.manifestPath = ops.ManifestPath()
	h.manifestSize = size
	h.manifestStale = false
	h.name = manifest.Name
	h.code = manifest.Code
	h.organization = manifest.Organization
	h.solutions = manifest.Solutions
	h.stateMu.Unlock()

	h.log().WithFields(logrus.Fields{
		"manifest_size": size,
		"solutions":     len(manifest.Solutions),
	}).Info("Manifest loaded")

	ev := NewEvent(EventManifestLoaded, h.serial)
	ev.Message = fmt.Sprintf("%d solutions", len(manifest.Solutions))
	h.publish(ctx, ev)
}

// clearManifest handles a device that no longer carries a manifest.
func (h *Headset) clearManifest() {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if h.manifestPath == ManifestMissing {
		return
	}
	h.manifestPath = ManifestMissing
	h.manifestSize = 0
	h.manifestStale = false
	h.name = ""
	h.code = ""
	h.organization = ""
	h.solutions = []*SolutionOnDevice{}
}

// markStale keeps the previous solutions and leaves the cached size alone so
// the next cycle retries the decode.
func (h *Headset) markStale(ctx context.Context, err error) {
	h.stateMu.Lock()
	wasStale := h.manifestStale
	h.manifestStale = true
	h.stateMu.Unlock()

	h.log().WithError(err).Warn("Failed to decode manifest, keeping previous solutions")
	if wasStale {
		return
	}
	ev := NewEvent(EventManifestStale, h.serial)
	ev.Message = err.Error()
	h.publish(ctx, ev)
}

// InstallAPK installs the application package. A failed attempt uninstalls
// the package before retrying since a half-installed package blocks later
// installs.
func (h *Headset) InstallAPK(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	ops := h.deps.Ops
	bridge := ops.Bridge()
	attempts := h.deps.InstallAttempts
	log := h.log().WithField("apk", h.deps.APKPath)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ops.GrantPermissions(ctx, h.serial); err != nil {
			log.WithError(err).Debug("Permission grant before install failed")
		}

		lastErr = bridge.Install(ctx, h.serial, h.deps.APKPath)
		if lastErr == nil {
			h.afterInstall(ctx, log)
			log.WithField("attempt", attempt).Info("Application installed")
			h.publish(ctx, NewEvent(EventInstallCompleted, h.serial))
			return nil
		}

		log.WithError(lastErr).WithField("attempt", attempt).Warn("Install attempt failed")
		if attempt < attempts {
			if err := bridge.Uninstall(ctx, h.serial, ops.PackageName()); err != nil {
				log.WithError(err).Debug("Cleanup uninstall failed")
			}
		}
	}

	ev := NewEvent(EventInstallFailed, h.serial)
	ev.Message = lastErr.Error()
	h.publish(ctx, ev)
	return fmt.Errorf("%w after %d attempts: %w", ErrInstallFailed, attempts, lastErr)
}

func (h *Headset) afterInstall(ctx context.Context, log *logrus.Entry) {
	ops := h.deps.Ops
	if err := ops.GrantPermissions(ctx, h.serial); err != nil {
		log.WithError(err).Warn("Failed to grant permissions")
	}
	if err := ops.WakeUp(ctx, h.serial); err != nil {
		log.WithError(err).Warn("Failed to wake device")
	}
	if err := ops.StartApplication(ctx, h.serial); err != nil {
		log.WithError(err).Warn("Failed to start application")
	}
	if version, err := ops.InstalledAppVersion(ctx, h.serial); err == nil {
		h.stateMu.Lock()
		h.appVersion = version
		h.stateMu.Unlock()
	}
}

// UninstallAPK removes the application package.
func (h *Headset) UninstallAPK(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.stateMu.RLock()
	version := h.appVersion
	h.stateMu.RUnlock()

	if version == AppAbsent {
		h.log().Info("Application not installed, nothing to uninstall")
		return nil
	}

	err := h.deps.Ops.Bridge().Uninstall(ctx, h.serial, h.deps.Ops.PackageName())
	if err != nil && !isUnknownPackage(err) {
		return err
	}
	if err != nil {
		h.log().Info("Application already uninstalled")
	}

	h.stateMu.Lock()
	h.appVersion = AppAbsent
	h.stateMu.Unlock()
	return nil
}

func isUnknownPackage(err error) bool {
	var bridgeErr *BridgeError
	if !errors.As(err, &bridgeErr) || !bridgeErr.Remote() {
		return false
	}
	out := strings.ToLower(bridgeErr.Output)
	return strings.Contains(out, "unknown package") ||
		strings.Contains(out, "not installed") ||
		strings.Contains(out, "delete_failed_internal_error")
}

// RefreshJSON forces the manifest to be re-read on the next poll and restarts
// the application so it rewrites the manifest.
func (h *Headset) RefreshJSON(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	ops := h.deps.Ops

	h.stateMu.Lock()
	h.manifestPath = ""
	h.manifestSize = 0
	h.name = ""
	h.code = ""
	h.organization = ""
	version := h.appVersion
	h.stateMu.Unlock()

	if err := ops.WakeUp(ctx, h.serial); err != nil {
		h.log().WithError(err).Warn("Failed to wake device")
	}

	running, err := ops.IsApplicationRunning(ctx, h.serial)
	if err != nil {
		return err
	}
	if running {
		if err := ops.StopApplication(ctx, h.serial); err != nil {
			return err
		}
	}

	if version == "" || version == AppAbsent {
		h.log().Info("Application version unknown, not starting it")
		return nil
	}
	return ops.StartApplication(ctx, h.serial)
}

// Verify runs the exhaustive check on every solution and promotes the ones
// found complete to installed. It never marks a solution as not installed.
func (h *Headset) Verify(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	var errs []error
	for _, sol := range h.workingSolutions() {
		h.stateMu.RLock()
		done := sol.Installed && sol.Size > 0
		h.stateMu.RUnlock()
		if done {
			continue
		}

		ok, size, err := h.deps.Verifier.ExhaustiveCheck(ctx, h.serial, sol)
		if err != nil {
			errs = append(errs, fmt.Errorf("verify %s: %w", sol.Name, err))
			continue
		}
		if !ok {
			continue
		}

		h.stateMu.Lock()
		sol.Installed = true
		sol.Size = size
		h.stateMu.Unlock()
	}
	return errors.Join(errs...)
}

// workingSolutions returns the current solution pointers. The list itself is
// only replaced, never modified, so iterating it outside the lock is safe.
func (h *Headset) workingSolutions() []*SolutionOnDevice {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.solutions
}

// Submit queues an operator task on the headset and returns its id.
func (h *Headset) Submit(kind TaskKind) (string, error) {
	var fn func(context.Context) error
	switch kind {
	case TaskInstall:
		fn = h.InstallAPK
	case TaskUninstall:
		fn = h.UninstallAPK
	case TaskPush:
		fn = h.PushSolutions
	case TaskPull:
		fn = h.PullSolutions
	case TaskRefreshJSON:
		fn = h.RefreshJSON
	case TaskVerify:
		fn = h.Verify
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, kind)
	}
	return h.queue.Enqueue(kind, fn)
}

// Close stops the task queue.
func (h *Headset) Close() {
	h.queue.Stop()
}
