package protostate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHSTSMatchAndSubdomains(t *testing.T) {
	h := NewHSTS()
	require.False(t, h.Match("example.com"))

	h.Add("example.com", "443", time.Hour, true)
	require.True(t, h.Match("example.com"))
	require.True(t, h.Match("www.example.com"))
	require.True(t, h.Match("WWW.Example.COM"))

	h.Add("plain.org", "443", time.Hour, false)
	require.True(t, h.Match("plain.org"))
	require.False(t, h.Match("sub.plain.org"))
}

func TestHSTSMaxAgeZeroRemoves(t *testing.T) {
	h := NewHSTS()
	h.Add("example.com", "443", time.Hour, false)
	h.Add("example.com", "443", 0, false)
	require.False(t, h.Match("example.com"))
}

func TestHSTSRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hsts")

	h := NewHSTS()
	h.Add("example.com", "443", time.Hour, true)
	require.NoError(t, h.Save(file))

	h2 := NewHSTS()
	require.NoError(t, h2.Load(file))
	require.True(t, h2.Match("sub.example.com"))
}

func TestHSTSSaveSkipsUnchanged(t *testing.T) {
	h := NewHSTS()
	file := filepath.Join(t.TempDir(), "hsts")
	require.NoError(t, h.Save(file))
	_, err := filepath.Glob(file)
	require.NoError(t, err)
	require.NoFileExists(t, file)
}

func TestHPKPPins(t *testing.T) {
	h := NewHPKP()
	require.Nil(t, h.Pins("example.com"))

	h.Add("example.com", []string{"pin1", "pin2"}, time.Hour, true)
	require.Equal(t, []string{"pin1", "pin2"}, h.Pins("example.com"))
	require.Equal(t, []string{"pin1", "pin2"}, h.Pins("deep.sub.example.com"))
}

func TestHPKPRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hpkp")

	h := NewHPKP()
	h.Add("example.com", []string{"p1", "p2"}, time.Hour, false)
	require.NoError(t, h.Save(file))

	h2 := NewHPKP()
	require.NoError(t, h2.Load(file))
	require.Equal(t, []string{"p1", "p2"}, h2.Pins("example.com"))
	require.Nil(t, h2.Pins("sub.example.com"))
}

func TestStateLoadSave(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Files{HSTS: filepath.Join(dir, "hsts"), HPKP: filepath.Join(dir, "hpkp")})
	require.NoError(t, err)
	require.NoError(t, s.Load()) // missing files are fine

	s.HSTS.Add("a.example", "443", time.Hour, false)
	require.NoError(t, s.Save())
	require.FileExists(t, filepath.Join(dir, "hsts"))
	// HPKP untouched, so no file written
	require.NoFileExists(t, filepath.Join(dir, "hpkp"))

	s.ETags.Add("http://a/x", `"v1"`)
	et, ok := s.ETags.Get("http://a/x")
	require.True(t, ok)
	require.Equal(t, `"v1"`, et)
}
