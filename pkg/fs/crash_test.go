package fs_test

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/wordfreq/pkg/fs"
)

func writeSynced(t *testing.T, crash *fs.Crash, name, content string) {
	t.Helper()

	f, err := crash.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
}

func Test_Crash_SimulateCrash_Keeps_Last_Synced_Content_When_Later_Writes_Unsynced(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, nil)
	require.NoError(t, err)

	writeSynced(t, crash, "data", "v1")
	require.NoError(t, fs.SyncDir(crash, "."))

	f, err := crash.OpenFile("data", os.O_RDWR|os.O_TRUNC, 0)
	require.NoError(t, err)

	_, err = f.Write([]byte("v2-unsynced"))
	require.NoError(t, err)

	require.NoError(t, crash.SimulateCrash())

	got, err := crash.ReadFile("data")
	require.NoError(t, err)
	require.Equal(t, "v1", string(got))
}

func Test_Crash_SimulateCrash_Restores_Empty_File_When_Name_Synced_But_Content_Not(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, nil)
	require.NoError(t, err)

	f, err := crash.OpenFile("wal", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("pending"))
	require.NoError(t, err)
	require.NoError(t, fs.SyncDir(crash, "."))

	require.NoError(t, crash.SimulateCrash())

	got, err := crash.ReadFile("wal")
	require.NoError(t, err)
	require.Empty(t, got)
}

func Test_Crash_Failpoint_Panics_And_Latches_When_Nth_Op_Reached(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, &fs.CrashConfig{FailAfter: 3})
	require.NoError(t, err)

	var p *fs.CrashPanicError

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)

			var ok bool
			p, ok = r.(*fs.CrashPanicError)
			require.True(t, ok, "panic value %T", r)
		}()

		// open, write, sync: the sync never happens.
		writeSynced(t, crash, "data", "lost")
	}()

	require.Equal(t, fs.CrashOpFileSync, p.Op)
	require.Equal(t, 3, p.Seq)

	_, err = crash.OpenFile("other", os.O_RDWR|os.O_CREATE, 0o644)
	require.True(t, errors.Is(err, fs.ErrCrashed), "err=%v", err)

	crash.Recover()

	exists, err := crash.Exists("data")
	require.NoError(t, err)
	require.False(t, exists)
}
