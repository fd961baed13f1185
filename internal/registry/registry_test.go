package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "servidor/pkg/logx"
)

type fakeSource struct {
	rows []MetadataRow
	err  error
}

func (f fakeSource) Methods(context.Context) ([]MetadataRow, error) { return f.rows, f.err }

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o755))
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "fin", "relatorio.py"))
	writeFile(t, filepath.Join(root, "fin", "notes.txt"))
	writeFile(t, filepath.Join(root, "fin", "_helper.py"))
	writeFile(t, filepath.Join(root, ".git", "hook.sh"))
	writeFile(t, filepath.Join(root, "_lib", "x.py"))
	writeFile(t, filepath.Join(root, "solto.bat"))
	writeFile(t, filepath.Join(root, "rh", "deep", "nested.py"))

	exes, err := Discover(root, nil)
	require.NoError(t, err)
	assert.Equal(t, []Executable{
		{Category: "fin", Path: filepath.Join(root, "fin", "relatorio.py")},
		{Category: "", Path: filepath.Join(root, "solto.bat")},
	}, exes)
}

func TestDiscoverMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := Discover(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
}

func TestRegistryReplaceNotifies(t *testing.T) {
	t.Parallel()

	r := New()
	ch := r.Changes()
	r.Replace(Mapping{"a": {Key: "a"}})
	r.Replace(Mapping{"b": {Key: "b"}})

	select {
	case <-ch:
	default:
		t.Fatal("expected change signal")
	}
	assert.Equal(t, uint64(2), r.Version())

	snap := r.Snapshot()
	delete(snap, "b")
	_, ok := r.Get("b")
	assert.True(t, ok, "snapshot must be a copy")
}

func TestRefresherRefresh(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "fin", "carga.py"))

	reg := New()
	src := fakeSource{rows: []MetadataRow{{Method: "Carga", Automation: "Financeiro"}}}
	rf := NewRefresher(RefresherConfig{Root: root}, reg, src, logx.Nop())

	require.NoError(t, rf.Refresh(context.Background()))
	info, ok := reg.Get("carga")
	require.True(t, ok)
	assert.Equal(t, "Financeiro", info.Category)
}

func TestRefresherMetadataFailureDegrades(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "fin", "carga.py"))

	reg := New()
	rf := NewRefresher(RefresherConfig{Root: root}, reg, fakeSource{err: errors.New("boom")}, logx.Nop())

	err := rf.Refresh(context.Background())
	require.Error(t, err)
	info, ok := reg.Get("carga")
	require.True(t, ok)
	assert.Equal(t, "UNASSIGNED", info.Category)

	_, lastErr := rf.LastResult()
	assert.Error(t, lastErr)
}

func TestRefresherMissingRootKeepsMapping(t *testing.T) {
	t.Parallel()

	reg := New()
	reg.Replace(Mapping{"keep": {Key: "keep"}})
	rf := NewRefresher(RefresherConfig{Root: filepath.Join(t.TempDir(), "gone")}, reg, nil, logx.Nop())

	require.Error(t, rf.Refresh(context.Background()))
	_, ok := reg.Get("keep")
	assert.True(t, ok)
}

func TestRefresherEventFilter(t *testing.T) {
	t.Parallel()

	root := filepath.Join("srv", "metodos")
	meta := filepath.Join("srv", "dados", "metodos.csv")
	rf := NewRefresher(RefresherConfig{Root: root, WatchPaths: []string{meta}}, New(), nil, logx.Nop())

	cases := []struct {
		name string
		path string
		op   fsnotify.Op
		want bool
	}{
		{"new executable", filepath.Join(root, "fin", "carga.py"), fsnotify.Create, true},
		{"removed executable", filepath.Join(root, "fin", "carga.py"), fsnotify.Remove, true},
		{"renamed executable", filepath.Join(root, "fin", "carga.PS1"), fsnotify.Rename, true},
		{"executable rewritten", filepath.Join(root, "fin", "carga.py"), fsnotify.Write, false},
		{"method output", filepath.Join(root, "fin", "saida.txt"), fsnotify.Create, false},
		{"method log write", filepath.Join(root, "fin", "carga.log"), fsnotify.Write, false},
		{"new category", filepath.Join(root, "rh"), fsnotify.Create, true},
		{"removed category", filepath.Join(root, "rh"), fsnotify.Remove, true},
		{"metadata rewritten", meta, fsnotify.Write, true},
		{"metadata chmod", meta, fsnotify.Chmod, false},
		{"sibling of metadata", filepath.Join("srv", "dados", "outro.csv"), fsnotify.Write, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, rf.relevant(fsnotify.Event{Name: tc.path, Op: tc.op}))
		})
	}
}

func TestRefresherIgnoresMethodOutput(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "fin", "carga.py"))

	reg := New()
	rf := NewRefresher(RefresherConfig{
		Root:     root,
		Interval: time.Hour,
		Watch:    true,
		Debounce: 20 * time.Millisecond,
	}, reg, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rf.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// A new executable proves the watcher is live.
	n := 0
	require.Eventually(t, func() bool {
		n++
		_ = os.WriteFile(filepath.Join(root, "fin", fmt.Sprintf("novo%d.py", n)), []byte("x"), 0o755)
		return reg.Version() > 0
	}, 5*time.Second, 100*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	v := reg.Version()

	out := filepath.Join(root, "fin", "saida.txt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(out, []byte("linha\n"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, v, reg.Version())
}
