package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/imgforge/internal/approval"
	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/image"
	"github.com/sigreer/imgforge/internal/runner"
	"github.com/sigreer/imgforge/internal/target"
)

const gib = 1 << 30

const loopLsblk = `{"blockdevices": [
  {"name":"loop3", "path":"/dev/loop3", "type":"loop", "size":10737418240, "pttype":"gpt",
   "children": [
     {"name":"loop3p1", "path":"/dev/loop3p1", "type":"part", "size":629145600, "partn":1, "fstype":"vfat"},
     {"name":"loop3p2", "path":"/dev/loop3p2", "type":"part", "size":1073741824, "partn":2, "fstype":"ext4"}
   ]}
]}`

const sdbLsblk = `{"blockdevices": [
  {"name":"sdb", "path":"/dev/sdb", "type":"disk", "size":34359738368, "pttype":"gpt",
   "children": [
     {"name":"sdb1", "path":"/dev/sdb1", "type":"part", "size":629145600, "partn":1, "fstype":"vfat"},
     {"name":"sdb2", "path":"/dev/sdb2", "type":"part", "size":1073741824, "partn":2, "fstype":"ext4"}
   ]}
]}`

// inspectSdb is the full lsblk line for /dev/sdb; it outranks a bare
// "lsblk" response by prefix length.
const inspectSdb = "lsblk -J -b -o NAME,PATH,TYPE,SIZE,MODEL,VENDOR,PTTYPE,PARTTYPE,PARTLABEL,PARTN,LABEL,FSTYPE,UUID,MOUNTPOINT /dev/sdb"

type fixture struct {
	orch     *Orchestrator
	fake     *runner.Fake
	operator *approval.Terminal
	synced   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log, _ := logtest.NewNullLogger()
	fx := &fixture{
		fake:     runner.NewFake().On(inspectSdb, sdbLsblk, nil),
		operator: &approval.Terminal{Out: io.Discard},
	}

	loops := NewLoopBinder(fx.fake, time.Second, log)
	loops.Poll = time.Millisecond
	loops.Exists = func(string) bool { return true }

	fx.orch = New(fx.fake, fx.operator, &DD{Runner: fx.fake, BlockSize: 4 << 20}, loops, log)
	fx.orch.Sync = func() { fx.synced++ }

	return fx
}

func deviceTarget(size uint64) *target.Target {
	return &target.Target{Kind: target.KindDevice, Path: "/dev/sdb", Size: size, Description: "SanDisk Ultra"}
}

func TestPlanRejectsOversizeImage(t *testing.T) {
	src := &image.Source{Path: "/images/fedora.raw", Size: 20 * gib}
	tgt := &target.Target{Kind: target.KindFile, Path: "/tmp/disk.img", Size: 10 * gib}

	t.Run("halts without override", func(t *testing.T) {
		fx := newFixture(t)
		fx.operator.Preset(approval.KeyCapacity, "n")

		_, err := fx.orch.Plan(context.Background(), src, tgt)
		require.ErrorIs(t, err, failure.ErrCapacity)
		assert.Empty(t, fx.fake.Commands())
	})

	t.Run("halts when nobody answers", func(t *testing.T) {
		fx := newFixture(t)

		_, err := fx.orch.Plan(context.Background(), src, tgt)
		require.Error(t, err)
		assert.Empty(t, fx.fake.Commands())
	})

	t.Run("override grows a file", func(t *testing.T) {
		fx := newFixture(t)
		fx.operator.Preset(approval.KeyCapacity, "yes")

		plan, err := fx.orch.Plan(context.Background(), src, tgt)
		require.NoError(t, err)
		assert.True(t, plan.Oversize)
		assert.Zero(t, plan.Limit)
		require.Len(t, plan.Warnings, 1)
		assert.Contains(t, plan.Warnings[0], "the file will grow to 20 GiB")

		fx.fake.On("losetup --find", "/dev/loop3\n", nil)
		fx.fake.On("lsblk", loopLsblk, nil)
		res, err := fx.orch.Apply(context.Background(), plan)
		require.NoError(t, err)
		assert.EqualValues(t, 20*gib, res.Written)
		assert.True(t, fx.fake.Ran("dd if=/images/fedora.raw of=/tmp/disk.img bs=4194304 status=progress conv=fsync,notrunc"))
		assert.False(t, fx.fake.Ran("dd if=/images/fedora.raw of=/tmp/disk.img bs=4194304 status=progress conv=fsync,notrunc iflag"))
	})

	t.Run("override cuts a device copy at its end", func(t *testing.T) {
		fx := newFixture(t)
		fx.operator.Preset(approval.KeyCapacity, "yes")

		plan, err := fx.orch.Plan(context.Background(), src, deviceTarget(10*gib))
		require.NoError(t, err)
		assert.EqualValues(t, 10*gib, plan.Limit)
		assert.Contains(t, plan.Warnings[0], "only its first 10 GiB will be written")

		res, err := fx.orch.Apply(context.Background(), plan)
		require.NoError(t, err)
		assert.EqualValues(t, 10*gib, res.Written)
		assert.True(t, fx.fake.Ran("dd if=/images/fedora.raw of=/dev/sdb bs=4194304 status=progress conv=fsync,notrunc iflag=count_bytes count=10737418240"))
	})
}

func TestPlanDescribesActions(t *testing.T) {
	fx := newFixture(t)

	plan, err := fx.orch.Plan(context.Background(), &image.Source{Path: "/images/a.raw", Size: gib}, deviceTarget(32*gib))
	require.NoError(t, err)

	assert.Equal(t, approval.KeyWriteApply, plan.Key)
	assert.False(t, plan.Oversize)
	assert.Empty(t, plan.Warnings)
	assert.Equal(t, []string{
		"wipefs -a /dev/sdb",
		"dd if=/images/a.raw of=/dev/sdb bs=4194304 status=progress conv=fsync,notrunc",
		"sync",
		"blockdev --rereadpt /dev/sdb",
	}, plan.Actions)
}

func TestApplyDevice(t *testing.T) {
	fx := newFixture(t)

	plan, err := fx.orch.Plan(context.Background(), &image.Source{Path: "/images/a.raw", Size: gib}, deviceTarget(32*gib))
	require.NoError(t, err)

	res, err := fx.orch.Apply(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, "/dev/sdb", res.Device)
	assert.Nil(t, res.Loop)
	assert.EqualValues(t, gib, res.Written)
	assert.Equal(t, 1, fx.synced)
	assert.Equal(t, []string{
		"wipefs -a /dev/sdb",
		"dd if=/images/a.raw of=/dev/sdb bs=4194304 status=progress conv=fsync,notrunc",
		"blockdev --rereadpt /dev/sdb",
		inspectSdb,
	}, fx.fake.Commands())
}

func TestApplyDeviceWaitsForPartitions(t *testing.T) {
	fx := newFixture(t)
	plan := &Plan{Source: &image.Source{Path: "/images/a.raw", Size: gib}, Target: deviceTarget(32 * gib)}

	t.Run("nodes appear late", func(t *testing.T) {
		seen := 0
		fx.orch.Loops.Exists = func(string) bool {
			seen++
			return seen > 3
		}

		res, err := fx.orch.Apply(context.Background(), plan)
		require.NoError(t, err)
		assert.Equal(t, "/dev/sdb", res.Device)
		assert.Greater(t, seen, 3)
	})

	t.Run("re-read refused", func(t *testing.T) {
		fx := newFixture(t)
		fx.fake.On("blockdev --rereadpt", "BLKRRPART: Device or resource busy", &runner.CodeError{Code: 1})

		_, err := fx.orch.Apply(context.Background(), plan)
		require.ErrorIs(t, err, failure.ErrExternalTool)
		assert.False(t, fx.fake.Ran("lsblk"))
	})

	t.Run("no partitions ever", func(t *testing.T) {
		fx := newFixture(t)
		fx.orch.Loops.Settle = 20 * time.Millisecond
		fx.fake.On("lsblk", `{"blockdevices":[{"name":"sdc","path":"/dev/sdc","type":"disk","size":1024}]}`, nil)

		blank := &Plan{
			Source: plan.Source,
			Target: &target.Target{Kind: target.KindDevice, Path: "/dev/sdc", Size: 32 * gib},
		}
		_, err := fx.orch.Apply(context.Background(), blank)
		require.ErrorIs(t, err, failure.ErrExternalTool)
		assert.True(t, fx.fake.Ran("blockdev --rereadpt /dev/sdc"))
	})
}

func TestApplyWipeEscalation(t *testing.T) {
	plan := &Plan{Source: &image.Source{Path: "/images/a.raw", Size: gib}, Target: deviceTarget(32 * gib)}
	busy := errors.New("wipefs failed: probing initialization failed: Device or resource busy")

	t.Run("forced with consent", func(t *testing.T) {
		fx := newFixture(t)
		fx.fake.On("wipefs -a /dev/sdb", "", busy)
		fx.operator.Preset(approval.KeyForceWipe, "y")

		_, err := fx.orch.Apply(context.Background(), plan)
		require.NoError(t, err)
		assert.True(t, fx.fake.Ran("wipefs -a -f /dev/sdb"))
		assert.True(t, fx.fake.Ran("dd "))
	})

	t.Run("refused", func(t *testing.T) {
		fx := newFixture(t)
		fx.fake.On("wipefs -a /dev/sdb", "", busy)
		fx.operator.Preset(approval.KeyForceWipe, "n")

		_, err := fx.orch.Apply(context.Background(), plan)
		require.ErrorIs(t, err, failure.ErrExternalTool)
		assert.False(t, fx.fake.Ran("wipefs -a -f"))
		assert.False(t, fx.fake.Ran("dd "))
		assert.Zero(t, fx.synced)
	})

	t.Run("forced wipe fails", func(t *testing.T) {
		fx := newFixture(t)
		fx.fake.On("wipefs -a /dev/sdb", "", busy)
		fx.fake.On("wipefs -a -f /dev/sdb", "", busy)
		fx.operator.Preset(approval.KeyForceWipe, "y")

		_, err := fx.orch.Apply(context.Background(), plan)
		require.ErrorIs(t, err, failure.ErrExternalTool)
		assert.False(t, fx.fake.Ran("dd "))
	})
}

func TestApplyCopyFailure(t *testing.T) {
	fx := newFixture(t)
	fx.fake.On("dd", "", &runner.CodeError{Code: 1})

	_, err := fx.orch.Apply(context.Background(), &Plan{
		Source: &image.Source{Path: "/images/a.raw", Size: gib},
		Target: deviceTarget(32 * gib),
	})
	require.ErrorIs(t, err, failure.ErrExternalTool)
	assert.Zero(t, fx.synced)
}

func TestApplyFileBindsLoop(t *testing.T) {
	fx := newFixture(t)
	fx.fake.On("losetup --find", "/dev/loop3\n", nil)
	fx.fake.On("lsblk", loopLsblk, nil)

	plan := &Plan{
		Source: &image.Source{Path: "/images/a.raw", Size: gib},
		Target: &target.Target{Kind: target.KindFile, Path: "/tmp/disk.img", Size: 10 * gib},
	}

	res, err := fx.orch.Apply(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, "/dev/loop3", res.Device)
	require.NotNil(t, res.Loop)
	assert.Equal(t, "/tmp/disk.img", res.Loop.File)

	require.NoError(t, res.Loop.Release(context.Background()))
	require.NoError(t, res.Loop.Release(context.Background()))

	detaches := 0
	for _, c := range fx.fake.Commands() {
		if c == "losetup -d /dev/loop3" {
			detaches++
		}
	}
	assert.Equal(t, 1, detaches)
}

func TestBindReleasesWhenPartitionsNeverAppear(t *testing.T) {
	fx := newFixture(t)
	fx.orch.Loops.Settle = 20 * time.Millisecond
	fx.fake.On("losetup --find", "/dev/loop3\n", nil)
	fx.fake.On("lsblk", `{"blockdevices":[{"name":"loop3","path":"/dev/loop3","type":"loop","size":1024}]}`, nil)

	_, err := fx.orch.Loops.Bind(context.Background(), "/tmp/disk.img")
	require.ErrorIs(t, err, failure.ErrExternalTool)
	assert.True(t, fx.fake.Ran("losetup -d /dev/loop3"))
}

func TestNativeCopy(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0xFF}, 3000)

	srcPath := filepath.Join(dir, "image.raw")
	require.NoError(t, os.WriteFile(srcPath, payload, 0o644))

	dstPath := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(dstPath, make([]byte, 64*1024), 0o644))

	var progress bytes.Buffer
	c := &Native{BlockSize: 4096, Progress: &progress}
	require.NoError(t, c.Copy(context.Background(), &image.Source{Path: srcPath, Size: uint64(len(payload))}, dstPath, 0))

	data, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Len(t, data, 64*1024)
	assert.Equal(t, payload, data[:len(payload)])
	assert.Equal(t, make([]byte, len(data)-len(payload)), data[len(payload):])
}

func TestNativeCopyStopsAtLimit(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0x11, 0x22}, 8192)

	srcPath := filepath.Join(dir, "image.raw")
	require.NoError(t, os.WriteFile(srcPath, payload, 0o644))
	dstPath := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(dstPath, make([]byte, 10000), 0o644))

	c := &Native{BlockSize: 4096}
	require.NoError(t, c.Copy(context.Background(), &image.Source{Path: srcPath, Size: uint64(len(payload))}, dstPath, 10000))

	data, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, payload[:10000], data)
}

func TestNewCopier(t *testing.T) {
	c, err := NewCopier("dd", runner.NewFake(), 1<<20, nil)
	require.NoError(t, err)
	assert.IsType(t, &DD{}, c)

	c, err = NewCopier("native", nil, 1<<20, nil)
	require.NoError(t, err)
	assert.IsType(t, &Native{}, c)

	_, err = NewCopier("rsync", nil, 1<<20, nil)
	require.Error(t, err)
}
