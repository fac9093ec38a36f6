package pipeline

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/imgforge/internal/approval"
	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/image"
	"github.com/sigreer/imgforge/internal/journal"
	"github.com/sigreer/imgforge/internal/partition"
	"github.com/sigreer/imgforge/internal/regen"
	"github.com/sigreer/imgforge/internal/resize"
	"github.com/sigreer/imgforge/internal/runner"
	"github.com/sigreer/imgforge/internal/target"
	"github.com/sigreer/imgforge/internal/writer"
)

const (
	gib = 1 << 30
	mb  = 1000 * 1000
)

const loopLsblk = `{"blockdevices": [
  {"name":"loop3", "path":"/dev/loop3", "type":"loop", "size":32000000000, "pttype":"gpt",
   "children": [
     {"name":"loop3p1", "path":"/dev/loop3p1", "type":"part", "size":629145600, "partn":1,
      "parttype":"c12a7328-f81f-11d2-ba4b-00a0c93ec93b", "fstype":"vfat", "uuid":"1A2B-3C4D"},
     {"name":"loop3p2", "path":"/dev/loop3p2", "type":"part", "size":1073741824, "partn":2,
      "parttype":"bc13c2ff-59e6-4262-a352-b275fd6f7172", "fstype":"ext4", "uuid":"0e7f3c55-3b59-4a3c-9b1e-7f3a4e2c1d10"},
     {"name":"loop3p3", "path":"/dev/loop3p3", "type":"part", "size":8589934592, "partn":3,
      "parttype":"0fc63daf-8483-4772-8e79-3d69d8477de4", "fstype":"ext4", "uuid":"5d8b1f4e-22a1-4c7e-8f0d-6b1e2a3c4d5e"}
   ]}
]}`

type staticTable struct{ table *partition.Table }

func (s staticTable) Read(context.Context, string) (*partition.Table, error) { return s.table, nil }

type memMounter struct {
	fs     afero.Fs
	active int
}

func (m *memMounter) Mount(_ context.Context, source, _ string, _ bool) (string, error) {
	m.active++
	return "/mnt/" + path.Base(source), nil
}

func (m *memMounter) Unmount(context.Context, string) error {
	m.active--
	return nil
}

func (m *memMounter) FS(mp string) afero.Fs { return afero.NewBasePathFs(m.fs, mp) }

type harness struct {
	pipeline *Pipeline
	fake     *runner.Fake
	operator *approval.Terminal
	journal  *journal.Journal
	mounter  *memMounter
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log, _ := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	h := &harness{
		fake:     runner.NewFake().On("losetup --find", "/dev/loop3\n", nil).On("lsblk", loopLsblk, nil),
		operator: &approval.Terminal{Out: io.Discard},
		journal:  j,
		mounter:  &memMounter{fs: afero.NewMemMapFs()},
		dir:      t.TempDir(),
	}

	resolver := target.NewResolver(h.fake, h.operator, log)
	resolver.Mounts = func() ([]*mountinfo.Info, error) {
		return []*mountinfo.Info{{Mountpoint: "/", Source: "/dev/nvme0n1p2"}}, nil
	}
	resolver.IsBlock = func(string) (bool, error) { return true, nil }
	resolver.SizeOf = func(string) (uint64, error) { return 32 * gib, nil }
	resolver.Canonical = func(p string) (string, error) { return p, nil }
	resolver.Sys = afero.NewMemMapFs()

	loops := writer.NewLoopBinder(h.fake, time.Second, log)
	loops.Poll = time.Millisecond
	loops.Exists = func(string) bool { return true }

	w := writer.New(h.fake, h.operator, &writer.DD{Runner: h.fake, BlockSize: 4 << 20}, loops, log)
	w.Sync = func() {}

	table := &partition.Table{
		Kind:      partition.GPT,
		UsableEnd: 32000 * mb,
		Entries: []partition.Entry{
			{Index: 1, Start: 1 * mb, End: 630 * mb},
			{Index: 2, Start: 630 * mb, End: 1700 * mb},
			{Index: 3, Start: 1700 * mb, End: 16000 * mb},
		},
	}

	h.pipeline = &Pipeline{
		Operator: h.operator,
		Preparer: &image.Preparer{Log: log},
		Resolver: resolver,
		Writer:   w,
		NewResizer: func() *resize.Controller {
			return resize.New(h.fake, h.operator, staticTable{table}, io.Discard, log)
		},
		Regen: &regen.Engine{
			Runner:  h.fake,
			Mounter: h.mounter,
			Sites: regen.SiteConfig{
				EFIGrubConfig:   "/EFI/fedora/grub.cfg",
				ExtlinuxConfig:  "/extlinux/extlinux.conf",
				LoaderEntryDirs: []string{"boot:/loader/entries"},
				Fstab:           "/etc/fstab",
			},
			Log: log,
		},
		Journal: j,
		Log:     log,
	}

	return h
}

// sparse creates a file of the given apparent size.
func (h *harness) sparse(t *testing.T, name string, size int64) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return p
}

func (h *harness) lastRun(t *testing.T) *journal.Run {
	t.Helper()
	runs, err := h.journal.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestProvisionFileFullRun(t *testing.T) {
	h := newHarness(t)
	img := h.sparse(t, "fedora.raw", 1*gib)
	disk := h.sparse(t, "disk.img", 32*gib)

	require.NoError(t, afero.WriteFile(h.mounter.fs, "/mnt/loop3p3/etc/fstab",
		[]byte("UUID=5d8b1f4e-22a1-4c7e-8f0d-6b1e2a3c4d5e / ext4 defaults 1 1\n"), 0o644))

	h.operator.AssumeYes = true

	st, err := h.pipeline.Provision(context.Background(), Options{
		Image:         img,
		Target:        target.Request{File: disk},
		Resize:        true,
		ResizeRequest: resize.Request{Partition: 3, End: resize.EndAll},
		Regen:         true,
	})
	require.NoError(t, err)

	assert.Equal(t, "/dev/loop3", st.Device)
	assert.Equal(t, resize.Done, st.Resize)
	assert.Len(t, st.Identities, 3)
	require.Len(t, st.Sites, 1)
	assert.Zero(t, h.mounter.active)

	assert.True(t, h.fake.Ran("parted -s /dev/loop3 resizepart 3 100%"))
	assert.True(t, h.fake.Ran("resize2fs /dev/loop3p3"))
	assert.True(t, h.fake.Ran("losetup -d /dev/loop3"))

	run := h.lastRun(t)
	assert.Equal(t, journal.StatusOK, run.Status)
	assert.Equal(t, "/dev/loop3", run.Device)

	stages, err := h.journal.Stages(run.ID)
	require.NoError(t, err)
	var names []string
	for _, s := range stages {
		names = append(names, s.Stage+":"+s.Outcome)
	}
	assert.Equal(t, []string{
		"image:completed", "target:completed", "write:completed", "resize:completed", "regen:completed",
	}, names)
}

func TestProvisionOversizeImageHalts(t *testing.T) {
	h := newHarness(t)
	img := h.sparse(t, "big.raw", 20*gib)
	disk := h.sparse(t, "disk.img", 10*gib)

	h.operator.Preset(approval.KeyCapacity, "n")

	_, err := h.pipeline.Provision(context.Background(), Options{Image: img, Target: target.Request{File: disk}})
	require.ErrorIs(t, err, failure.ErrCapacity)

	assert.False(t, h.fake.Ran("wipefs"))
	assert.False(t, h.fake.Ran("dd"))
	assert.Equal(t, journal.StatusFailed, h.lastRun(t).Status)
}

func TestProvisionDeclinedWrite(t *testing.T) {
	h := newHarness(t)
	img := h.sparse(t, "fedora.raw", gib)

	h.operator.Preset(approval.KeyTargetConfirm, "y")
	h.operator.Preset(approval.KeyWriteApply, "n")

	_, err := h.pipeline.Provision(context.Background(), Options{Image: img, Target: target.Request{Device: "/dev/sdb"}})
	require.ErrorIs(t, err, failure.ErrDeclined)

	assert.False(t, h.fake.Ran("wipefs"))
	assert.Equal(t, journal.StatusAborted, h.lastRun(t).Status)
}

func TestProvisionReleasesLoopOnFailure(t *testing.T) {
	h := newHarness(t)
	img := h.sparse(t, "fedora.raw", gib)
	disk := h.sparse(t, "disk.img", 32*gib)

	h.operator.AssumeYes = true
	h.fake.On("e2fsck", "", &runner.CodeError{Code: 8})

	st, err := h.pipeline.Provision(context.Background(), Options{
		Image:         img,
		Target:        target.Request{File: disk},
		Resize:        true,
		ResizeRequest: resize.Request{Partition: 3, End: "20000"},
		Regen:         true,
	})
	require.ErrorIs(t, err, failure.ErrFilesystemInconsistent)

	assert.Equal(t, resize.TableResized, st.Resize)
	assert.True(t, h.fake.Ran("parted -s /dev/loop3 resizepart 3 19999999999B"))
	assert.True(t, h.fake.Ran("losetup -d /dev/loop3"))
	assert.False(t, h.fake.Ran("tune2fs"))
	assert.Equal(t, journal.StatusFailed, h.lastRun(t).Status)
}

func TestStandaloneRegenerate(t *testing.T) {
	h := newHarness(t)
	h.operator.Preset(approval.KeyRegenApply, "y")

	st, err := h.pipeline.Regenerate(context.Background(), "/dev/loop3")
	require.NoError(t, err)

	assert.Len(t, st.Identities, 3)
	assert.True(t, h.fake.Ran("fatlabel -i /dev/loop3p1"))

	run := h.lastRun(t)
	assert.Equal(t, "regen-uuids", run.Command)
	assert.Equal(t, journal.StatusOK, run.Status)
}

func TestStandaloneResizeSkipped(t *testing.T) {
	h := newHarness(t)
	h.operator.Preset(approval.KeyResizeEnable, "no")

	st, err := h.pipeline.Resize(context.Background(), resize.Request{Device: "/dev/loop3"})
	require.NoError(t, err)
	assert.Equal(t, resize.Skipped, st.Resize)

	stages, err := h.journal.Stages(st.RunID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, StageTarget, stages[0].Stage)
	assert.Equal(t, journal.OutcomeCompleted, stages[0].Outcome)
	assert.Equal(t, journal.OutcomeSkipped, stages[1].Outcome)
}

func TestStandaloneStagesRefuseSystemDisk(t *testing.T) {
	t.Run("regenerate", func(t *testing.T) {
		h := newHarness(t)
		h.operator.AssumeYes = true

		_, err := h.pipeline.Regenerate(context.Background(), "/dev/nvme0n1")
		require.ErrorIs(t, err, failure.ErrUnsafeTarget)

		assert.False(t, h.fake.Ran("lsblk"))
		assert.False(t, h.fake.Ran("tune2fs"))
		assert.False(t, h.fake.Ran("fatlabel"))
		assert.Zero(t, h.mounter.active)
		assert.Equal(t, journal.StatusFailed, h.lastRun(t).Status)
	})

	t.Run("resize", func(t *testing.T) {
		h := newHarness(t)
		h.operator.AssumeYes = true

		_, err := h.pipeline.Resize(context.Background(),
			resize.Request{Device: "/dev/nvme0n1", Partition: 2, End: resize.EndAll})
		require.ErrorIs(t, err, failure.ErrUnsafeTarget)

		assert.False(t, h.fake.Ran("parted"))
		assert.False(t, h.fake.Ran("resize2fs"))
		assert.Equal(t, journal.StatusFailed, h.lastRun(t).Status)
	})

	t.Run("partition of the system disk", func(t *testing.T) {
		h := newHarness(t)
		h.operator.AssumeYes = true

		_, err := h.pipeline.Regenerate(context.Background(), "/dev/nvme0n1p1")
		require.ErrorIs(t, err, failure.ErrUnsafeTarget)
		assert.False(t, h.fake.Ran("tune2fs"))
	})
}

func TestProvisionRemovesUnusedCreatedFile(t *testing.T) {
	t.Run("write declined", func(t *testing.T) {
		h := newHarness(t)
		img := h.sparse(t, "fedora.raw", gib)
		disk := filepath.Join(h.dir, "new.img")

		h.operator.Preset(approval.KeyTargetSize, "8GiB")
		h.operator.Preset(approval.KeyWriteApply, "n")

		_, err := h.pipeline.Provision(context.Background(), Options{Image: img, Target: target.Request{File: disk}})
		require.ErrorIs(t, err, failure.ErrDeclined)
		assert.NoFileExists(t, disk)
	})

	t.Run("image too large", func(t *testing.T) {
		h := newHarness(t)
		img := h.sparse(t, "big.raw", 4*gib)
		disk := filepath.Join(h.dir, "new.img")

		h.operator.Preset(approval.KeyTargetSize, "1GiB")
		h.operator.Preset(approval.KeyCapacity, "n")

		_, err := h.pipeline.Provision(context.Background(), Options{Image: img, Target: target.Request{File: disk}})
		require.ErrorIs(t, err, failure.ErrCapacity)
		assert.NoFileExists(t, disk)
	})

	t.Run("existing file is kept", func(t *testing.T) {
		h := newHarness(t)
		img := h.sparse(t, "fedora.raw", gib)
		disk := h.sparse(t, "disk.img", 8*gib)

		h.operator.Preset(approval.KeyWriteApply, "n")

		_, err := h.pipeline.Provision(context.Background(), Options{Image: img, Target: target.Request{File: disk}})
		require.ErrorIs(t, err, failure.ErrDeclined)
		assert.FileExists(t, disk)
	})
}
