package memstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/taskgate/pkg/types"
)

func TestWALAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path, true)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		_, err := w.Append(EventInsert, &types.Job{ID: id, Status: types.StatusQueued})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), w.LastSeq())

	var ids []string
	require.NoError(t, w.Replay(func(e Event, job *types.Job) error {
		ids = append(ids, job.ID)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	require.NoError(t, w.Close())

	_, err = w.Append(EventInsert, &types.Job{ID: "d"})
	assert.ErrorIs(t, err, ErrWALClosed)

	reopened, err := OpenWAL(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(3), reopened.LastSeq())
}

// syncFailFile fails the next sync, and optionally the truncate after it.
type syncFailFile struct {
	*os.File
	failSync     bool
	failTruncate bool
}

func (f *syncFailFile) Sync() error {
	if f.failSync {
		f.failSync = false
		return errors.New("disk gone")
	}
	return f.File.Sync()
}

func (f *syncFailFile) Truncate(size int64) error {
	if f.failTruncate {
		return errors.New("read-only")
	}
	return f.File.Truncate(size)
}

func TestWALFailedSyncLeavesNoRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path, true)
	require.NoError(t, err)

	_, err = w.Append(EventInsert, &types.Job{ID: "a", Status: types.StatusQueued})
	require.NoError(t, err)

	w.file = &syncFailFile{File: w.file.(*os.File), failSync: true}
	_, err = w.Append(EventInsert, &types.Job{ID: "lost", Status: types.StatusQueued})
	require.Error(t, err)
	assert.Equal(t, uint64(1), w.LastSeq())

	seq, err := w.Append(EventInsert, &types.Job{ID: "b", Status: types.StatusQueued})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	require.NoError(t, w.Close())

	reopened, err := OpenWAL(path, false)
	require.NoError(t, err)
	defer reopened.Close()

	var ids []string
	var seqs []uint64
	require.NoError(t, reopened.Replay(func(e Event, job *types.Job) error {
		ids = append(ids, job.ID)
		seqs = append(seqs, e.Seq)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, []uint64{1, 2}, seqs)
}

func TestWALClosesWhenRollbackFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path, true)
	require.NoError(t, err)

	w.file = &syncFailFile{File: w.file.(*os.File), failSync: true, failTruncate: true}
	_, err = w.Append(EventInsert, &types.Job{ID: "a", Status: types.StatusQueued})
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.True(t, w.Closed())

	_, err = w.Append(EventInsert, &types.Job{ID: "b"})
	assert.ErrorIs(t, err, ErrWALClosed)
}

func TestWALChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path, false)
	require.NoError(t, err)
	_, err = w.Append(EventInsert, &types.Job{ID: "a"})
	require.NoError(t, err)
	_, err = w.Append(EventInsert, &types.Job{ID: "b"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"id":"a"`, `"id":"z"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = OpenWAL(path, false)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestWALCorruptMiddleRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path, false)
	require.NoError(t, err)
	_, err = w.Append(EventInsert, &types.Job{ID: "a"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := OpenWAL(path, false)
	require.NoError(t, err)
	_, err = w2.Append(EventInsert, &types.Job{ID: "b"})
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	// the garbage line was dropped at open, so the log is intact again
	w3, err := OpenWAL(path, false)
	require.NoError(t, err)
	defer w3.Close()
	assert.Equal(t, uint64(2), w3.LastSeq())
}

func TestWALTruncateKeepsSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenWAL(path, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(EventInsert, &types.Job{ID: "a"})
	require.NoError(t, err)
	require.NoError(t, w.Truncate())

	seq, err := w.Append(EventTransition, &types.Job{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	w.SetSeq(1)
	assert.Equal(t, uint64(2), w.LastSeq())
	w.SetSeq(10)
	assert.Equal(t, uint64(10), w.LastSeq())
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := NewSnapshotManager(filepath.Join(t.TempDir(), "snap.json"))

	empty, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, empty.Jobs)

	data := types.SnapshotData{
		Jobs:    map[string]*types.Job{"a": {ID: "a", Status: types.StatusRunning}},
		LastSeq: 7,
	}
	require.NoError(t, m.Write(data))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), loaded.LastSeq)
	assert.Equal(t, types.StatusRunning, loaded.Jobs["a"].Status)

	require.NoError(t, os.WriteFile(m.Path(), []byte(`{"schema_ver":99,"jobs":{}}`), 0o644))
	_, err = m.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)

	require.NoError(t, os.WriteFile(m.Path(), []byte(`{`), 0o644))
	_, err = m.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}
