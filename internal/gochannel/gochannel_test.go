package gochannel

import (
	"math/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	net.PacketConn
	writes [][]byte
}

func (r *recordingConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	r.writes = append(r.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestLossRateOneDropsEverything(t *testing.T) {
	rc := &recordingConn{}
	ch := NewSeeded(rc, 1.0, 0, rand.New(rand.NewSource(1)))
	for i := 0; i < 20; i++ {
		require.NoError(t, ch.SendTo([]byte("payload"), nil))
	}
	require.Empty(t, rc.writes)
}

func TestLossRateZeroSendsEverything(t *testing.T) {
	rc := &recordingConn{}
	ch := NewSeeded(rc, 0, 0, rand.New(rand.NewSource(1)))
	for i := 0; i < 20; i++ {
		require.NoError(t, ch.SendTo([]byte("payload"), nil))
	}
	require.Len(t, rc.writes, 20)
}

func TestCorruptionFlipsExactlyOneBit(t *testing.T) {
	rc := &recordingConn{}
	ch := NewSeeded(rc, 0, 1.0, rand.New(rand.NewSource(7)))
	original := []byte("the quick brown fox")
	require.NoError(t, ch.SendTo(original, nil))
	require.Len(t, rc.writes, 1)

	diffBits := 0
	for i := range original {
		x := original[i] ^ rc.writes[0][i]
		for x != 0 {
			diffBits += int(x & 1)
			x >>= 1
		}
	}
	require.Equal(t, 1, diffBits)
}
