package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/imgforge/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
write:
  copier: native
regen:
  enabled: false
`))
	require.NoError(t, err)

	assert.Equal(t, "native", cfg.Write.Copier)
	assert.Equal(t, "4MiB", cfg.Write.BlockSize)
	assert.False(t, cfg.RegenEnabled())
	assert.True(t, cfg.JournalEnabled())
	assert.Equal(t, "/EFI/fedora/grub.cfg", cfg.Regen.EFIGrubConfig)
	assert.Equal(t, []string{"boot:/loader/entries", "root:/boot/loader/entries"}, cfg.Regen.LoaderEntryDirs)

	bs, err := cfg.BlockSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(4<<20), bs)

	settle, err := cfg.LoopSettle()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, settle)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for _, body := range []string{
		"write:\n  copier: rsync\n",
		"write:\n  block_size: lots\n",
		"log:\n  format: xml\n",
		"write:\n  loop_settle_timeout: soon\n",
		"write: [broken",
	} {
		_, err := config.Load(writeConfig(t, body))
		assert.Error(t, err, body)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsIsolated(t *testing.T) {
	a := config.Default()
	a.Regen.LoaderEntryDirs[0] = "changed"

	b := config.Default()
	assert.Equal(t, "boot:/loader/entries", b.Regen.LoaderEntryDirs[0])
}
