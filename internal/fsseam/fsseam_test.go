package fsseam

import (
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemSeam_RenameAndScanDir(t *testing.T) {
	fs := NewMem().(*osSeam)
	require.NoError(t, fs.MkdirP("/base/source"))
	require.NoError(t, fs.MkdirP("/base/worker"))

	require.NoError(t, afero.WriteFile(fs.fs, "/base/source/a.pcap", []byte("hello"), 0o644))

	entries, err := fs.ScanDir("/base/source")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].Size)
	assert.Equal(t, KindRegular, entries[0].Kind)

	require.NoError(t, fs.Rename("/base/source/a.pcap", "/base/worker/a.pcap"))
	assert.False(t, fs.Exists("/base/source/a.pcap"))
	assert.True(t, fs.Exists("/base/worker/a.pcap"))

	r, err := fs.OpenRead("/base/worker/a.pcap")
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestMemSeam_LstatNotFoundClassified(t *testing.T) {
	fs := NewMem()
	_, err := fs.Lstat("/does/not/exist")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestMemSeam_UnlinkMissingIsNotFound(t *testing.T) {
	fs := NewMem()
	err := fs.Unlink("/nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
