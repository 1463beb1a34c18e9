package job

import (
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

func TestMakePartsFromChunkSize(t *testing.T) {
	j := New(mustIRI(t, "http://a/f"))
	j.Metalink = &Metalink{Name: "f", Size: 3000}
	j.MakeParts(1024)

	require.Len(t, j.Parts, 3)
	require.Equal(t, int64(1024), j.Parts[0].Length)
	require.Equal(t, int64(1024), j.Parts[1].Length)
	require.Equal(t, int64(952), j.Parts[2].Length)
	require.Equal(t, int64(2048), j.Parts[2].Position)
}

func TestMakePartsFromPieces(t *testing.T) {
	j := New(mustIRI(t, "http://a/f"))
	j.Metalink = &Metalink{
		Name: "f",
		Size: 500,
		Pieces: []Piece{
			{Position: 0, Length: 256, SHA256: "aa"},
			{Position: 256, Length: 244, SHA256: "bb"},
		},
	}
	j.MakeParts(0)
	require.Len(t, j.Parts, 2)
	require.Equal(t, int64(256), j.Parts[1].Position)
}

func TestTakePartLifecycle(t *testing.T) {
	j := New(mustIRI(t, "http://a/f"))
	j.Metalink = &Metalink{Name: "f", Size: 2048}
	j.MakeParts(1024)

	p1 := j.TakePart()
	require.NotNil(t, p1)
	require.True(t, p1.Inuse)

	p2 := j.TakePart()
	require.NotNil(t, p2)
	require.NotSame(t, p1, p2)

	require.Nil(t, j.TakePart()) // both owned
	require.False(t, j.PartsDone())

	// retryable failure returns the part
	p1.Inuse = false
	require.Same(t, p1, j.TakePart())

	p1.Done = true
	p2.Done = true
	require.True(t, j.PartsDone())
}

func TestPartsDoneEmpty(t *testing.T) {
	j := New(mustIRI(t, "http://a/f"))
	require.False(t, j.PartsDone())
}
