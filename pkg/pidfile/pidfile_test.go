package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAt(t *testing.T, pid int, alive map[int]bool) *PIDFile {
	t.Helper()
	return &PIDFile{
		path:  filepath.Join(t.TempDir(), "run", "locator.pid"),
		pid:   pid,
		alive: func(p int) bool { return alive[p] },
	}
}

func TestCreateAndRemove(t *testing.T) {
	p := newAt(t, 4242, nil)
	require.NoError(t, p.Create())

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, p.Remove())
	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, p.Remove(), "removing twice is fine")
}

func TestCreateRefusesLiveOwner(t *testing.T) {
	alive := map[int]bool{100: true}
	first := newAt(t, 100, alive)
	require.NoError(t, first.Create())

	second := &PIDFile{path: first.path, pid: 200, alive: first.alive}
	err := second.Create()
	require.ErrorIs(t, err, ErrRunning)

	running, pid, err := second.CheckRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, 100, pid)

	assert.Error(t, second.Remove(), "the file belongs to another process")
}

func TestCreateReplacesStaleFile(t *testing.T) {
	p := newAt(t, 300, map[int]bool{})
	require.NoError(t, os.MkdirAll(filepath.Dir(p.path), 0o755))
	require.NoError(t, os.WriteFile(p.path, []byte("99999\n"), 0o644))

	require.NoError(t, p.Create())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, 300, pid)
}

func TestCreateReplacesGarbage(t *testing.T) {
	p := newAt(t, 301, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.path), 0o755))
	require.NoError(t, os.WriteFile(p.path, []byte("not a pid"), 0o644))

	_, _, err := p.CheckRunning()
	assert.Error(t, err)
	require.NoError(t, p.Create())
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
}

func TestForceRemove(t *testing.T) {
	alive := map[int]bool{100: true}
	owner := newAt(t, 100, alive)
	require.NoError(t, owner.Create())

	other := &PIDFile{path: owner.path, pid: 200, alive: owner.alive}
	require.NoError(t, other.ForceRemove())
	require.NoError(t, other.Create())
	require.NoError(t, other.ForceRemove())
	require.NoError(t, other.ForceRemove())
}
