package partitionkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathSegmentRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("simple"),
		[]byte{0x00, 0x01, 0xff, 0xfe},
		[]byte("has/a/slash"),
		[]byte("has%a%percent"),
	}
	for _, c := range cases {
		k := New(c)
		seg := k.PathSegment()
		assert.NotContains(t, seg, "/")
		decoded, err := FromPathSegment(seg)
		require.NoError(t, err)
		assert.Equal(t, k, decoded)
	}
}

func TestFromPathSegmentRejectsInvalid(t *testing.T) {
	_, err := FromPathSegment("not a valid base64 segment!!!")
	assert.Error(t, err)
}

func TestNewCopiesBackingArray(t *testing.T) {
	b := []byte("mutate-me")
	k := New(b)
	b[0] = 'X'
	assert.Equal(t, Key("mutate-me"), k)
}

func TestSegmentOfIsDeterministic(t *testing.T) {
	k := New([]byte("partition-42"))
	s1 := SegmentOf(k, 128)
	s2 := SegmentOf(k, 128)
	assert.Equal(t, s1, s2)
}

func TestSegmentOfDistributesAcrossSegments(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		k := New([]byte{byte(i), byte(i >> 8)})
		seen[SegmentOf(k, 8)] = true
	}
	assert.Greater(t, len(seen), 1, "expected keys to spread across more than one segment")
}

func TestSegmentOfHandlesNonPositiveSegments(t *testing.T) {
	k := New([]byte("x"))
	assert.Equal(t, "segment-0", SegmentOf(k, 0))
	assert.Equal(t, "segment-0", SegmentOf(k, -1))
}
