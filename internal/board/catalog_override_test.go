package board

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempCatalog(t *testing.T, content string) string {
	t.Helper()
	f, err := ioutil.TempFile("", "catalog-*.yml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadCatalogOverrideMergesWithBase(t *testing.T) {
	path := writeTempCatalog(t, `
boards:
  - vid: "0x1209"
    pid: "0x5741"
    name: "Custom FC"
    mcu: "STM32F4"
    flasher: "dfu"
`)
	merged, err := LoadCatalogOverride(path, nil)
	require.NoError(t, err)

	entry, ok := merged[key(0x1209, 0x5741)]
	require.True(t, ok)
	require.Equal(t, "Custom FC", entry.Name)
	require.Equal(t, MCUSTM32F4, entry.MCU)
	require.Equal(t, FlasherDFU, entry.Flasher)

	// Base entries survive the merge.
	_, ok = merged[key(0x0483, 0xDF11)]
	require.True(t, ok)
}

func TestLoadCatalogOverrideRejectsBadVID(t *testing.T) {
	path := writeTempCatalog(t, `
boards:
  - vid: "not-hex"
    pid: "0x1"
    name: "Bad"
`)
	_, err := LoadCatalogOverride(path, nil)
	require.Error(t, err)
}

func TestLoadCatalogOverrideMissingFile(t *testing.T) {
	_, err := LoadCatalogOverride("/nonexistent/path.yml", nil)
	require.Error(t, err)
}
