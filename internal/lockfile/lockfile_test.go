package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	t.Parallel()

	t.Run("empty path disables locking", func(t *testing.T) {
		t.Parallel()

		lock, err := Acquire("")
		require.NoError(t, err)
		assert.Nil(t, lock)
		assert.Empty(t, lock.Path())
		assert.NoError(t, lock.Release())
	})

	t.Run("second acquire fails until release", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "run", ".feed-preload.lock")

		first, err := Acquire(path)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, path, first.Path())

		second, err := Acquire(path)
		require.ErrorIs(t, err, ErrLocked)
		assert.Nil(t, second)

		require.NoError(t, first.Release())

		third, err := Acquire(path)
		require.NoError(t, err)
		require.NoError(t, third.Release())
	})

	t.Run("release keeps the lock file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), ".feed-preload.lock")

		lock, err := Acquire(path)
		require.NoError(t, err)
		before, err := os.Stat(path)
		require.NoError(t, err)

		require.NoError(t, lock.Release())

		after, err := os.Stat(path)
		require.NoError(t, err, "lock file must survive release")
		assert.True(t, os.SameFile(before, after), "the next run locks the same file")

		next, err := Acquire(path)
		require.NoError(t, err)
		again, err := Acquire(path)
		require.ErrorIs(t, err, ErrLocked)
		assert.Nil(t, again)
		require.NoError(t, next.Release())
	})
}
