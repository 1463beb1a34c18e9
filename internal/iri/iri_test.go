package iri

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNormalizes(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"HTTP://Example.COM/a/../b", "http://example.com/b"},
		{"http://example.com", "http://example.com/"},
		{"http://example.com:80/x", "http://example.com/x"},
		{"http://example.com:8080/x", "http://example.com:8080/x"},
		{"https://example.com/a/?q=1", "https://example.com/a/?q=1"},
	}
	for _, tt := range tests {
		i, err := Parse(nil, tt.raw)
		require.NoError(t, err, tt.raw)
		require.Equal(t, tt.want, i.String())
	}
}

func TestParseIDN(t *testing.T) {
	i, err := Parse(nil, "http://бг.example/x")
	require.NoError(t, err)
	require.Equal(t, "xn--90ae.example", i.Host)
}

func TestParseRejectsSchemes(t *testing.T) {
	for _, raw := range []string{"mailto:x@y", "javascript:alert(1)", "ftp://example.com/f", "data:text/plain,hi"} {
		_, err := Parse(nil, raw)
		require.ErrorIs(t, err, ErrUnsupportedScheme, raw)
	}
}

func TestResolveAgainstBase(t *testing.T) {
	base, err := Parse(nil, "http://example.com/dir/page.html")
	require.NoError(t, err)

	i, err := Parse(base, "../img/logo.png")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/img/logo.png", i.String())

	i, err = Parse(base, "//cdn.example.com/lib.js")
	require.NoError(t, err)
	require.Equal(t, "http://cdn.example.com/lib.js", i.String())
}

func TestDirAndFile(t *testing.T) {
	i, _ := Parse(nil, "http://a/x/y/z.html")
	require.Equal(t, "/x/y/", i.Dir())
	require.Equal(t, "z.html", i.File())

	i, _ = Parse(nil, "http://a/x/y/")
	require.Equal(t, "/x/y/", i.Dir())
	require.Equal(t, "", i.File())

	i, _ = Parse(nil, "http://a/")
	require.Equal(t, "/", i.Dir())
}

func TestWithScheme(t *testing.T) {
	i, _ := Parse(nil, "http://a/x")
	up := i.WithScheme("https")
	require.Equal(t, "https://a/x", up.String())
	require.Equal(t, "443", up.Port)

	odd, _ := Parse(nil, "http://a:8080/x")
	up = odd.WithScheme("https")
	require.Equal(t, "8080", up.Port)
}

func TestHostKeySeparatesPorts(t *testing.T) {
	a, _ := Parse(nil, "http://a/x")
	b, _ := Parse(nil, "http://a:8080/x")
	c, _ := Parse(nil, "https://a/x")
	require.NotEqual(t, a.HostKey(), b.HostKey())
	require.NotEqual(t, a.HostKey(), c.HostKey())
}
