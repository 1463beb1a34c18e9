package fname

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Buffer0x7cd/wget2/internal/iri"
)

func mustIRI(t *testing.T, s string) *iri.IRI {
	t.Helper()
	i, err := iri.Parse(nil, s)
	require.NoError(t, err)
	return i
}

func TestDeriveDefault(t *testing.T) {
	u := mustIRI(t, "http://example.com/dir/page.html")
	got := Derive(u, Config{HostDir: true})
	require.Equal(t, filepath.Join("example.com", "dir", "page.html"), got)
}

func TestDeriveIndexAndQuery(t *testing.T) {
	u := mustIRI(t, "http://example.com/dir/?q=1")
	got := Derive(u, Config{HostDir: true})
	require.Equal(t, filepath.Join("example.com", "dir", "index.html?q=1"), got)

	got = Derive(u, Config{HostDir: true, CutGetVars: true})
	require.Equal(t, filepath.Join("example.com", "dir", "index.html"), got)
}

func TestDeriveCutDirsAndNoDirs(t *testing.T) {
	u := mustIRI(t, "http://example.com/a/b/c/f.txt")
	got := Derive(u, Config{HostDir: true, CutDirs: 2})
	require.Equal(t, filepath.Join("example.com", "c", "f.txt"), got)

	got = Derive(u, Config{NoDirs: true, Prefix: "out"})
	require.Equal(t, filepath.Join("out", "f.txt"), got)
}

func TestDeriveProtocolDirAndPort(t *testing.T) {
	u := mustIRI(t, "https://example.com:8443/f")
	got := Derive(u, Config{HostDir: true, ProtocolDir: true})
	require.Equal(t, filepath.Join("https", "example.com:8443", "f"), got)
}

func TestRestrictModes(t *testing.T) {
	require.Equal(t, "a_b_c", restrict("a:b*c", []string{RestrictWindows}))
	require.Equal(t, "caf%C3%A9", restrict("café", []string{RestrictASCII}))
	require.Equal(t, "page", restrict("PAGE", []string{RestrictLower}))
}

func TestUnique(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")

	got, err := Unique(p)
	require.NoError(t, err)
	require.Equal(t, p, got)

	require.NoError(t, os.WriteFile(p, nil, 0o644))
	require.NoError(t, os.WriteFile(p+".1", nil, 0o644))
	got, err = Unique(p)
	require.NoError(t, err)
	require.Equal(t, p+".2", got)
}

func TestMkdirPathMovesFileAside(t *testing.T) {
	dir := t.TempDir()
	clash := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(clash, []byte("x"), 0o644))

	require.NoError(t, MkdirPath(filepath.Join(dir, "a", "b", "f")))
	st, err := os.Stat(clash)
	require.NoError(t, err)
	require.True(t, st.IsDir())

	moved, err := os.ReadFile(clash + ".1")
	require.NoError(t, err)
	require.Equal(t, "x", string(moved))
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(p+".1", []byte("old"), 0o644))

	Rotate(p, 3)
	b, err := os.ReadFile(p + ".1")
	require.NoError(t, err)
	require.Equal(t, "new", string(b))
	b, err = os.ReadFile(p + ".2")
	require.NoError(t, err)
	require.Equal(t, "old", string(b))
	_, err = os.Stat(p)
	require.True(t, os.IsNotExist(err))
}

func TestCreateNoClobber(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("keep"), 0o644))

	_, _, err := Create(p, OpenFlags{Exclusive: true})
	require.Error(t, err)
	b, _ := os.ReadFile(p)
	require.Equal(t, "keep", string(b))
}

func TestCreateUniqueFallbackOnDirClash(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.Mkdir(p, 0o755))

	f, used, err := Create(p, OpenFlags{})
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, p+".1", used)
}
