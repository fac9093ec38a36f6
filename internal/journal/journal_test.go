package journal

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	return j
}

func TestRunLifecycle(t *testing.T) {
	j := openTemp(t)

	id, err := j.StartRun("provision", "/images/fedora.raw.xz", "/tmp/disk.img", "file")
	require.NoError(t, err)
	require.NoError(t, j.SetDevice(id, "/dev/loop3"))
	require.NoError(t, j.RecordStage(id, "write", OutcomeCompleted, map[string]any{"bytes": 1024}))
	require.NoError(t, j.RecordStage(id, "resize", OutcomeSkipped, nil))
	require.NoError(t, j.FinishRun(id, StatusOK, nil))

	run, err := j.GetRun(id)
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, "provision", run.Command)
	assert.Equal(t, "/dev/loop3", run.Device)
	assert.Equal(t, StatusOK, run.Status)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)
	assert.False(t, run.StartedAt.IsZero())

	stages, err := j.Stages(id)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "write", stages[0].Stage)
	assert.JSONEq(t, `{"bytes":1024}`, stages[0].Details)
	assert.Equal(t, OutcomeSkipped, stages[1].Outcome)
	assert.Empty(t, stages[1].Details)
}

func TestFailedRunKeepsError(t *testing.T) {
	j := openTemp(t)

	id, err := j.StartRun("regen-uuids", "", "/dev/sdb", "device")
	require.NoError(t, err)
	require.NoError(t, j.FinishRun(id, StatusFailed, errors.New("partition not found: no boot partition on /dev/sdb")))

	run, err := j.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Error, "no boot partition")
}

func TestRecentRunsNewestFirst(t *testing.T) {
	j := openTemp(t)

	for _, cmd := range []string{"provision", "resize", "regen-uuids"} {
		_, err := j.StartRun(cmd, "", "/dev/sdb", "device")
		require.NoError(t, err)
	}

	runs, err := j.RecentRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "regen-uuids", runs[0].Command)
	assert.Equal(t, "resize", runs[1].Command)
	assert.Equal(t, StatusRunning, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)

	missing, err := j.GetRun(99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.StartRun("provision", "", "/dev/sdb", "device")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	runs, err := j.RecentRuns(0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, path, j.Path())
}
