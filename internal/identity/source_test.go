package identity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func TestLoadOrdersAndValidates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b-account.json", `{"cookie":"xyz"}`)
	writeFile(t, dir, "a-account.json", `{"session":"abc","token":"def"}`)
	writeFile(t, dir, "c-broken.json", `not json at all`)
	writeFile(t, dir, "d-empty.json", `{}`)
	writeFile(t, dir, "notes.txt", `ignored`)

	s, err := Load(dir)
	require.NoError(t, err)
	defer s.Close()

	// Sorted by filename, indices stable, non-JSON files skipped.
	assert.Equal(t, map[int]string{0: "a-account", 1: "b-account", 2: "c-broken", 3: "d-empty"}, s.Labels())
	assert.Equal(t, []int{0, 1}, s.UsableIndices())

	id, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "b-account", id.Label)
	assert.True(t, id.Valid)

	id, err = s.Get(2)
	require.NoError(t, err)
	assert.False(t, id.Valid)

	_, err = s.Get(7)
	assert.Error(t, err)
	_, err = s.Get(-1)
	assert.Error(t, err)
}

func TestLoadMissingDir(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestWatchPicksUpNewCredential(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.json", `{"cookie":"a"}`)

	s, err := Load(dir)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Watch())

	writeFile(t, dir, "two.json", `{"cookie":"b"}`)

	require.Eventually(t, func() bool {
		return len(s.UsableIndices()) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
