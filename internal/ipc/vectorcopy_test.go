package ipc

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/gomuos/muos/internal/hal"
)

// TestVectoredCopyRoundTripArbitraryFragmentation is the round-trip check
// called for by §4.4's fragmentation-independence guarantee: carve the
// same payload into source and destination iovec lists that share no
// common boundary, copy it across two address spaces, then copy it back
// through yet another unrelated fragmentation and diff against the
// original. pretty.Compare gives a readable byte-level diff on failure
// instead of a bare "not equal".
func TestVectoredCopyRoundTripArbitraryFragmentation(t *testing.T) {
	srcSpace, err := hal.NewHostAddressSpace(4096)
	require.NoError(t, err)
	defer srcSpace.Close()
	midSpace, err := hal.NewHostAddressSpace(4096)
	require.NoError(t, err)
	defer midSpace.Close()
	dstSpace, err := hal.NewHostAddressSpace(4096)
	require.NoError(t, err)
	defer dstSpace.Close()

	original := []byte("the quick brown fox jumps over the lazy dog!!")
	_, err = srcSpace.WriteAt(0, original)
	require.NoError(t, err)

	// Odd, overlapping-length fragmentation on the source side.
	srcVec := []IOVec{
		{Addr: 0, Len: 7},
		{Addr: 7, Len: 1},
		{Addr: 8, Len: 5},
		{Addr: 13, Len: len(original) - 13},
	}
	// Completely different fragmentation on the intermediate side.
	midVec := []IOVec{
		{Addr: 100, Len: 20},
		{Addr: 120, Len: len(original) - 20},
	}

	n, err := VectoredCopy(srcSpace, srcVec, midSpace, midVec)
	require.NoError(t, err)
	require.Equal(t, len(original), n)

	// Copy back out through a third, again-unrelated fragmentation.
	backVec := []IOVec{
		{Addr: 100, Len: 1},
		{Addr: 101, Len: len(original) - 1},
	}
	dstVec := []IOVec{
		{Addr: 500, Len: len(original)},
	}
	n, err = VectoredCopy(midSpace, backVec, dstSpace, dstVec)
	require.NoError(t, err)
	require.Equal(t, len(original), n)

	got := make([]byte, len(original))
	_, err = dstSpace.ReadAt(500, got)
	require.NoError(t, err)

	if diff := pretty.Compare(string(original), string(got)); diff != "" {
		t.Fatalf("round-tripped payload differs from original (-want +got):\n%s", diff)
	}
}

// TestVectoredCopyTruncatesToShorterSide covers §4.4's "transferred
// length is min(total_src_len, total_dst_len)" rule when the two sides
// disagree on total length.
func TestVectoredCopyTruncatesToShorterSide(t *testing.T) {
	srcSpace, err := hal.NewHostAddressSpace(256)
	require.NoError(t, err)
	defer srcSpace.Close()
	dstSpace, err := hal.NewHostAddressSpace(256)
	require.NoError(t, err)
	defer dstSpace.Close()

	_, err = srcSpace.WriteAt(0, []byte("0123456789"))
	require.NoError(t, err)

	srcVec := []IOVec{{Addr: 0, Len: 10}}
	dstVec := []IOVec{{Addr: 0, Len: 4}}

	n, err := VectoredCopy(srcSpace, srcVec, dstSpace, dstVec)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	got := make([]byte, 4)
	_, err = dstSpace.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, "0123", string(got))
}
