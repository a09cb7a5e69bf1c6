package codec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name    string        `cbor:"name"`
	Count   int           `cbor:"count"`
	At      time.Time     `cbor:"at"`
	Elapsed time.Duration `cbor:"elapsed"`
}

func TestMarshal_Deterministic(t *testing.T) {
	a, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "record.cbor")
	in := record{
		Name:    "run",
		Count:   7,
		At:      time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC),
		Elapsed: 1500 * time.Millisecond,
	}
	require.NoError(t, WriteFile(path, in))

	var out record
	found, err := ReadFile(path, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Count, out.Count)
	assert.True(t, in.At.Equal(out.At))
	assert.Equal(t, in.Elapsed, out.Elapsed)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestReadFile_Missing(t *testing.T) {
	var out record
	found, err := ReadFile(filepath.Join(t.TempDir(), "absent.cbor"), &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cbor")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0x00, 0x13}, 0o644))

	var out record
	_, err := ReadFile(path, &out)
	assert.Error(t, err)
}
