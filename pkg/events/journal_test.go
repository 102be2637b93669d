package events

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orneryd/edgestore/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sampleEvent() EdgeWriteEvent {
	return EdgeWriteEvent{
		Scope:     storage.NewScope(storage.NewId("application")),
		Edge:      storage.NewMarkedEdge(storage.NewId("user"), "likes", storage.NewId("post"), storage.NewVersion(), false),
		Timestamp: storage.NowTimestamp(),
	}
}

func openJournal(t *testing.T, dir, mode string) *Journal {
	t.Helper()
	j, err := OpenJournal(&JournalConfig{Dir: dir, SyncMode: mode})
	require.NoError(t, err)
	return j
}

func TestJournal(t *testing.T) {
	t.Run("pending excludes acked events", func(t *testing.T) {
		j := openJournal(t, t.TempDir(), "immediate")
		defer j.Close()

		a, err := j.Append(sampleEvent().Envelope())
		require.NoError(t, err)
		b, err := j.Append(NodeDeleteEvent{
			Scope: storage.NewScope(storage.NewId("application")), Node: storage.NewId("user"), Timestamp: 1,
		}.Envelope())
		require.NoError(t, err)
		assert.Less(t, a.Sequence, b.Sequence)

		require.NoError(t, j.Ack(a.Sequence))
		pending, err := j.Pending()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, b, pending[0])
	})

	t.Run("survives reopen", func(t *testing.T) {
		dir := t.TempDir()
		j := openJournal(t, dir, "batch")
		env, err := j.Append(sampleEvent().Envelope())
		require.NoError(t, err)
		require.NoError(t, j.Close())

		j = openJournal(t, dir, "none")
		defer j.Close()
		pending, err := j.Pending()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, env, pending[0])

		next, err := j.Append(sampleEvent().Envelope())
		require.NoError(t, err)
		assert.Greater(t, next.Sequence, env.Sequence, "sequence continues after reopen")
	})

	t.Run("torn lines are skipped", func(t *testing.T) {
		dir := t.TempDir()
		j := openJournal(t, dir, "immediate")
		_, err := j.Append(sampleEvent().Envelope())
		require.NoError(t, err)
		require.NoError(t, j.Close())

		f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_APPEND|os.O_WRONLY, 0644)
		require.NoError(t, err)
		_, err = f.WriteString(`{"seq":9,"op":"event","data":{"kind":"edge_wr`)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		entries, err := ReadJournalEntries(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("compact keeps only pending events", func(t *testing.T) {
		dir := t.TempDir()
		j := openJournal(t, dir, "none")
		defer j.Close()

		var last Envelope
		for i := 0; i < 3; i++ {
			env, err := j.Append(sampleEvent().Envelope())
			require.NoError(t, err)
			if i < 2 {
				require.NoError(t, j.Ack(env.Sequence))
			}
			last = env
		}

		n, err := j.Compact()
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		entries, err := ReadJournalEntries(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, last.Sequence, entries[0].Sequence)

		// Still writable after the swap.
		_, err = j.Append(sampleEvent().Envelope())
		require.NoError(t, err)
		pending, err := j.Pending()
		require.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("failed compaction swap leaves the journal writable", func(t *testing.T) {
		dir := t.TempDir()
		j := openJournal(t, dir, "immediate")
		defer j.Close()

		acked, err := j.Append(sampleEvent().Envelope())
		require.NoError(t, err)
		require.NoError(t, j.Ack(acked.Sequence))
		kept, err := j.Append(sampleEvent().Envelope())
		require.NoError(t, err)

		renameFile = func(string, string) error { return os.ErrPermission }
		t.Cleanup(func() { renameFile = os.Rename })

		_, err = j.Compact()
		require.ErrorIs(t, err, os.ErrPermission)
		_, err = os.Stat(j.path + ".tmp")
		assert.True(t, os.IsNotExist(err), "compacted file is removed")

		added, err := j.Append(sampleEvent().Envelope())
		require.NoError(t, err)
		pending, err := j.Pending()
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, kept.Sequence, pending[0].Sequence)
		assert.Equal(t, added.Sequence, pending[1].Sequence)

		// The next compaction succeeds.
		renameFile = os.Rename
		n, err := j.Compact()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		entries, err := ReadJournalEntries(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("closed journal", func(t *testing.T) {
		j := openJournal(t, t.TempDir(), "batch")
		require.NoError(t, j.Close())
		require.NoError(t, j.Close())

		_, err := j.Append(sampleEvent().Envelope())
		assert.ErrorIs(t, err, ErrJournalClosed)
		assert.True(t, j.Stats().Closed)
	})

	t.Run("unknown sync mode", func(t *testing.T) {
		_, err := OpenJournal(&JournalConfig{Dir: t.TempDir(), SyncMode: "sometimes"})
		assert.Error(t, err)
	})
}
