package core

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHeadset(t *testing.T, dev *fakeDevice) (*Headset, *fakeBridge, *recordingPublisher) {
	t.Helper()
	bridge := newFakeBridge()
	bridge.add("S1", dev)
	deps, pub := newTestDeps(t, bridge, t.TempDir())
	h := NewHeadset("S1", deps)
	t.Cleanup(h.Close)
	return h, bridge, pub
}

func TestHeadset_RefreshReadsIdentityOnce(t *testing.T) {
	dev := newFakeDevice()
	h, bridge, _ := newTestHeadset(t, dev)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx))
	snap := h.Snapshot()
	assert.Equal(t, "Oculus", snap.Manufacturer)
	assert.Equal(t, "Quest 2", snap.Model)
	assert.Equal(t, 87, snap.Battery)
	assert.Equal(t, "1.4.0", snap.AppVersion)
	assert.Equal(t, ManifestMissing, snap.ManifestPath)

	dev.props["ro.product.model"] = "Quest 3"
	dev.battery = 40
	require.NoError(t, h.Refresh(ctx))

	snap = h.Snapshot()
	assert.Equal(t, "Quest 2", snap.Model)
	assert.Equal(t, 40, snap.Battery)
	assert.Equal(t, 2, bridge.count("getprop"))
}

func TestHeadset_RefreshDegradesWhenOffline(t *testing.T) {
	dev := newFakeDevice()
	dev.offline = true
	h, _, _ := newTestHeadset(t, dev)

	require.NoError(t, h.Refresh(context.Background()))

	snap := h.Snapshot()
	assert.Equal(t, UnknownValue, snap.Manufacturer)
	assert.Equal(t, UnknownValue, snap.Model)
	assert.Equal(t, BatteryUnknown, snap.Battery)
	assert.Equal(t, "", snap.AppVersion)
	assert.Empty(t, snap.ManifestPath, "presence is unknown, state untouched")
	assert.Empty(t, snap.Solutions)
}

func TestHeadset_RefreshSkipsUnchangedManifest(t *testing.T) {
	dev := newFakeDevice()
	dev.manifestPresent = true
	dev.manifest = encodeManifest(t, "Casque 01", "C01", []string{"Acme"},
		testVersion{name: "One", medias: []string{"v/a.mp4"}})
	h, bridge, pub := newTestHeadset(t, dev)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx))
	first := h.Snapshot()
	require.NoError(t, h.Refresh(ctx))
	second := h.Snapshot()

	assert.Equal(t, 1, bridge.count("cat"))
	assert.Equal(t, first, second)
	assert.Equal(t, "Casque 01", second.Name)
	assert.Equal(t, "C01", second.Code)
	assert.Equal(t, "Acme", second.Organization)
	assert.Equal(t, testManifestPath, second.ManifestPath)
	assert.Len(t, pub.ofType(EventManifestLoaded), 1)
}

func TestHeadset_RefreshReplacesSolutions(t *testing.T) {
	dev := newFakeDevice()
	dev.manifestPresent = true
	dev.manifest = encodeManifest(t, "Casque 01", "C01", nil,
		testVersion{name: "One", medias: []string{"v/a.mp4"}})
	dev.files[path.Join(testUploadPath, "v/a.mp4")] = 10
	h, _, _ := newTestHeadset(t, dev)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx))
	require.Len(t, h.Snapshot().Solutions, 1)
	assert.True(t, h.Snapshot().Solutions[0].Installed)

	dev.manifest = encodeManifest(t, "Casque 01", "C01", nil,
		testVersion{name: "Second", medias: []string{"v/b.mp4"}},
		testVersion{name: "Third", medias: []string{"s/c.mp3"}})
	require.NoError(t, h.Refresh(ctx))

	snap := h.Snapshot()
	require.Len(t, snap.Solutions, 2)
	assert.Equal(t, "Second", snap.Solutions[0].Name)
	assert.Equal(t, "Third", snap.Solutions[1].Name)
	assert.False(t, snap.Solutions[0].Installed)
}

func TestHeadset_RefreshKeepsSolutionsOnBadManifest(t *testing.T) {
	dev := newFakeDevice()
	dev.manifestPresent = true
	dev.manifest = encodeManifest(t, "Casque 01", "C01", nil,
		testVersion{name: "One", medias: []string{"v/a.mp4"}})
	h, bridge, pub := newTestHeadset(t, dev)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx))
	size := h.Snapshot().ManifestSize

	dev.manifest = "   \n"
	require.NoError(t, h.Refresh(ctx))
	require.NoError(t, h.Refresh(ctx))

	snap := h.Snapshot()
	assert.True(t, snap.ManifestStale)
	assert.Equal(t, size, snap.ManifestSize)
	require.Len(t, snap.Solutions, 1)
	assert.Equal(t, "One", snap.Solutions[0].Name)
	assert.Len(t, pub.ofType(EventManifestStale), 1, "stale is reported once")
	assert.Equal(t, 3, bridge.count("cat"), "a stale manifest is retried")

	dev.manifest = encodeManifest(t, "Casque 01", "C01", nil,
		testVersion{name: "Fixed", medias: []string{"v/a.mp4"}})
	require.NoError(t, h.Refresh(ctx))
	snap = h.Snapshot()
	assert.False(t, snap.ManifestStale)
	assert.Equal(t, "Fixed", snap.Solutions[0].Name)
}

func TestHeadset_RefreshClearsAbsentManifest(t *testing.T) {
	dev := newFakeDevice()
	dev.manifestPresent = true
	dev.manifest = encodeManifest(t, "Casque 01", "C01", nil,
		testVersion{name: "One", medias: []string{"v/a.mp4"}})
	h, _, _ := newTestHeadset(t, dev)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx))
	require.Len(t, h.Snapshot().Solutions, 1)

	dev.manifestPresent = false
	require.NoError(t, h.Refresh(ctx))

	snap := h.Snapshot()
	assert.Equal(t, ManifestMissing, snap.ManifestPath)
	assert.Empty(t, snap.Solutions)
	assert.Empty(t, snap.Name)
	assert.Zero(t, snap.ManifestSize)
}

func TestHeadset_RefreshBusy(t *testing.T) {
	h, bridge, _ := newTestHeadset(t, newFakeDevice())

	h.opMu.Lock()
	err := h.Refresh(context.Background())
	h.opMu.Unlock()

	assert.ErrorIs(t, err, ErrHeadsetBusy)
	assert.Zero(t, bridge.count("shell"))
}

func TestHeadset_SnapshotIsACopy(t *testing.T) {
	dev := newFakeDevice()
	dev.manifestPresent = true
	dev.manifest = encodeManifest(t, "Casque 01", "C01", nil,
		testVersion{name: "One", medias: []string{"v/a.mp4"}})
	h, _, _ := newTestHeadset(t, dev)
	require.NoError(t, h.Refresh(context.Background()))

	snap := h.Snapshot()
	snap.Solutions[0].Installed = true
	snap.Solutions[0].Media.Add(CategoryVideo, "v/z.mp4")

	again := h.Snapshot()
	assert.False(t, again.Solutions[0].Installed)
	assert.Equal(t, []string{"v/a.mp4"}, again.Solutions[0].Media[CategoryVideo])
}

func TestHeadset_UpdateAvailable(t *testing.T) {
	dev := newFakeDevice()
	h, _, _ := newTestHeadset(t, dev)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx))
	assert.True(t, h.Snapshot().UpdateAvailable)

	dev.version = "1.5.0"
	require.NoError(t, h.Refresh(ctx))
	assert.False(t, h.Snapshot().UpdateAvailable)
}

func TestHeadset_InstallRetriesAfterFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.installFailures = 2
	h, bridge, pub := newTestHeadset(t, dev)

	require.NoError(t, h.InstallAPK(context.Background()))

	assert.Equal(t, 3, bridge.count("install"))
	assert.Equal(t, 2, bridge.count("uninstall"), "every failed attempt but the last is cleaned up")
	assert.Equal(t, "1.5.0", h.Snapshot().AppVersion)
	assert.True(t, dev.running)
	for _, p := range testPermissions {
		assert.True(t, dev.granted[p], p)
	}
	assert.Len(t, pub.ofType(EventInstallCompleted), 1)
	assert.Empty(t, pub.ofType(EventInstallFailed))
}

func TestHeadset_InstallGivesUp(t *testing.T) {
	dev := newFakeDevice()
	dev.installFailures = 10
	h, bridge, pub := newTestHeadset(t, dev)

	err := h.InstallAPK(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.Contains(t, err.Error(), "INSTALL_FAILED_UPDATE_INCOMPATIBLE")

	assert.Equal(t, 3, bridge.count("install"))
	assert.Equal(t, 2, bridge.count("uninstall"))
	assert.Len(t, pub.ofType(EventInstallFailed), 1)
}

func TestHeadset_Uninstall(t *testing.T) {
	dev := newFakeDevice()
	h, bridge, _ := newTestHeadset(t, dev)
	ctx := context.Background()
	require.NoError(t, h.Refresh(ctx))

	require.NoError(t, h.UninstallAPK(ctx))
	assert.Equal(t, AppAbsent, h.Snapshot().AppVersion)
	assert.Equal(t, 1, bridge.count("uninstall"))

	require.NoError(t, h.UninstallAPK(ctx))
	assert.Equal(t, 1, bridge.count("uninstall"), "absent application is a no-op")
}

func TestHeadset_UninstallUnknownPackageIsBenign(t *testing.T) {
	dev := newFakeDevice()
	h, _, _ := newTestHeadset(t, dev)
	ctx := context.Background()
	require.NoError(t, h.Refresh(ctx))

	// Removed behind our back since the last poll.
	dev.version = ""
	require.NoError(t, h.UninstallAPK(ctx))
	assert.Equal(t, AppAbsent, h.Snapshot().AppVersion)
}

func TestHeadset_UninstallTransportFailure(t *testing.T) {
	dev := newFakeDevice()
	h, _, _ := newTestHeadset(t, dev)
	ctx := context.Background()
	require.NoError(t, h.Refresh(ctx))

	dev.offline = true
	require.Error(t, h.UninstallAPK(ctx))
	assert.Equal(t, "1.4.0", h.Snapshot().AppVersion)
}

func TestHeadset_RefreshJSONRestartsApplication(t *testing.T) {
	dev := newFakeDevice()
	dev.manifestPresent = true
	dev.manifest = encodeManifest(t, "Casque 01", "C01", nil,
		testVersion{name: "One", medias: []string{"v/a.mp4"}})
	dev.running = true
	h, bridge, _ := newTestHeadset(t, dev)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx))
	bridge.resetCounts()

	require.NoError(t, h.RefreshJSON(ctx))
	assert.True(t, dev.running)
	assert.Equal(t, 2, bridge.count("am"), "force-stop then start")

	snap := h.Snapshot()
	assert.Empty(t, snap.Name)
	assert.Zero(t, snap.ManifestSize)
	require.Len(t, snap.Solutions, 1, "solutions stay until the manifest is re-read")

	require.NoError(t, h.Refresh(ctx))
	assert.Equal(t, 1, bridge.count("cat"), "unchanged manifest is re-read")
	assert.Equal(t, "Casque 01", h.Snapshot().Name)
}

func TestHeadset_RefreshJSONWithoutApplication(t *testing.T) {
	dev := newFakeDevice()
	dev.version = ""
	h, bridge, _ := newTestHeadset(t, dev)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx))
	require.Equal(t, AppAbsent, h.Snapshot().AppVersion)

	require.NoError(t, h.RefreshJSON(ctx))
	assert.False(t, dev.running)
	assert.Zero(t, bridge.count("am"))
}

func TestHeadset_VerifyOnlyPromotes(t *testing.T) {
	dev := newFakeDevice()
	dev.manifestPresent = true
	dev.manifest = encodeManifest(t, "Casque 01", "C01", nil,
		testVersion{name: "Late", medias: []string{"v/a.mp4", "v/b.mp4"}},
		testVersion{name: "Gapped", medias: []string{"s/a.mp3", "s/b.mp3"}},
	)
	// Gapped passes the quick check on its first file only.
	dev.files[path.Join(testUploadPath, "s/a.mp3")] = 4
	h, _, _ := newTestHeadset(t, dev)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx))
	snap := h.Snapshot()
	require.False(t, snap.Solutions[0].Installed)
	require.True(t, snap.Solutions[1].Installed)

	dev.files[path.Join(testUploadPath, "v/a.mp4")] = 10
	dev.files[path.Join(testUploadPath, "v/b.mp4")] = 20

	require.NoError(t, h.Verify(ctx))
	snap = h.Snapshot()
	assert.True(t, snap.Solutions[0].Installed)
	assert.Equal(t, int64(30), snap.Solutions[0].Size)
	assert.True(t, snap.Solutions[1].Installed, "verify never demotes")
	assert.Zero(t, snap.Solutions[1].Size)
}

func TestHeadset_SubmitRunsTask(t *testing.T) {
	dev := newFakeDevice()
	h, bridge, _ := newTestHeadset(t, dev)

	_, err := h.Submit(TaskKind("reboot"))
	assert.ErrorIs(t, err, ErrUnknownTask)

	id, err := h.Submit(TaskInstall)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		return bridge.count("install") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHeadset_FailedTaskPublishesEvent(t *testing.T) {
	dev := newFakeDevice()
	dev.offline = true
	h, _, pub := newTestHeadset(t, dev)

	_, err := h.Submit(TaskRefreshJSON)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(pub.ofType(EventTaskFailed)) == 1
	}, time.Second, 10*time.Millisecond)
}
