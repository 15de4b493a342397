package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultyFSTearsWrites(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("torn", Fault{FailAfterBytes: 4})

	f, err := ffs.CreateTemp(dir, "torn-*")
	require.NoError(t, err)
	n, err := f.Write([]byte("abcdefgh"))
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 4, n)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))
}

func TestFaultyFSSyncCloseRename(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})
	ffs.AddRule("bad", Fault{FailAfterBytes: -1, FailOnSync: true, FailOnClose: true, FailOnRename: true})

	f, err := ffs.OpenFile(filepath.Join(dir, "bad.bin"), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("ok"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.Sync(), ErrInjected)
	assert.ErrorIs(t, f.Close(), ErrInjected)

	err = ffs.Rename(filepath.Join(dir, "bad.bin"), filepath.Join(dir, "bad.final"))
	assert.ErrorIs(t, err, ErrInjected)

	ffs.ClearRules()
	require.NoError(t, ffs.Rename(filepath.Join(dir, "bad.bin"), filepath.Join(dir, "bad.final")))
	_, err = ffs.Stat(filepath.Join(dir, "bad.final"))
	require.NoError(t, err)
}
