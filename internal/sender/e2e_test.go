package sender_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Invisiphantom/CN-Table/internal/progressx"
	"github.com/Invisiphantom/CN-Table/internal/receiver"
	"github.com/Invisiphantom/CN-Table/internal/sender"
	"github.com/Invisiphantom/CN-Table/internal/window"
)

// memReadFile and memWriteFile adapt a bytes.Reader and a bytes.Buffer
// into the Read/Write-only interfaces the sender/receiver engines
// require, without touching a real filesystem.
type memReadFile struct{ *bytes.Reader }

func (memReadFile) Close() error { return nil }

type memWriteFile struct{ buf *bytes.Buffer }

func (f memWriteFile) Write(p []byte) (int, error) { return f.buf.Write(p) }

func runTransfer(t *testing.T, mode window.Mode, content []byte, mss int, loss, corrupt float64, vegas bool) []byte {
	t.Helper()

	recvConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer recvConn.Close()

	sendConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var out bytes.Buffer
	rcv := receiver.New(mode, recvConn, mss, memWriteFile{&out}, progressx.Noop{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rcvDone := make(chan error, 1)
	go func() { rcvDone <- rcv.Run(ctx) }()

	snd := sender.New(sender.Config{
		Mode:        mode,
		MSS:         mss,
		Conn:        sendConn,
		RemoteAddr:  recvConn.LocalAddr(),
		File:        memReadFile{bytes.NewReader(content)},
		FileSize:    int64(len(content)),
		LossRate:    loss,
		CorruptRate: corrupt,
		Vegas:       vegas,
		Progress:    progressx.Noop{},
	})

	_, err = snd.Run(ctx)
	require.NoError(t, err)

	select {
	case err := <-rcvDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("receiver did not shut down in time")
	}

	return out.Bytes()
}

func TestEndToEndGBNLossless(t *testing.T) {
	content := []byte("ABCDEFG")
	got := runTransfer(t, window.GBN, content, 4, 0, 0, false)
	require.Equal(t, content, got)
}

func TestEndToEndSRLossless(t *testing.T) {
	content := []byte("XY")
	got := runTransfer(t, window.SR, content, 1, 0, 0, false)
	require.Equal(t, content, got)
}

func TestEndToEndEmptyFile(t *testing.T) {
	got := runTransfer(t, window.GBN, []byte{}, 4, 0, 0, false)
	require.Empty(t, got)
}

func TestEndToEndNonMultipleOfMSS(t *testing.T) {
	content := []byte("ABCDEFGHI") // 9 bytes, MSS 4 -> final segment is 1 byte
	got := runTransfer(t, window.SR, content, 4, 0, 0, false)
	require.Equal(t, content, got)
}

func TestEndToEndWithCorruptionCompletes(t *testing.T) {
	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 40)
	got := runTransfer(t, window.GBN, content, 16, 0, 0.5, false)
	require.Equal(t, content, got)
}

func TestEndToEndWithLossCompletes(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 80)
	got := runTransfer(t, window.SR, content, 8, 0.2, 0, false)
	require.Equal(t, content, got)
}

func TestEndToEndVegasCompletes(t *testing.T) {
	content := bytes.Repeat([]byte("vegas mode exercise payload "), 60)
	got := runTransfer(t, window.GBN, content, 32, 0.05, 0, true)
	require.Equal(t, content, got)
}

// TestEndToEndTotalLossMakesNoProgressWithoutCrash covers the loss_rate
// == 1.0 boundary: every data segment and the sentinel are dropped on the
// wire, so the transfer can never complete. Sender.Run must still return
// cleanly once ctx expires, with no panic and no partial/corrupt bytes
// written (the receiver never gets anything to write in the first
// place), rather than spinning or crashing. Forward progress itself is
// impossible by construction, so that is all this test can assert.
func TestEndToEndTotalLossMakesNoProgressWithoutCrash(t *testing.T) {
	content := []byte("this content can never arrive")

	recvConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer recvConn.Close()

	sendConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var out bytes.Buffer
	rcv := receiver.New(window.GBN, recvConn, 8, memWriteFile{&out}, progressx.Noop{})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	rcvDone := make(chan error, 1)
	go func() { rcvDone <- rcv.Run(ctx) }()

	snd := sender.New(sender.Config{
		Mode:       window.GBN,
		MSS:        8,
		Conn:       sendConn,
		RemoteAddr: recvConn.LocalAddr(),
		File:       memReadFile{bytes.NewReader(content)},
		FileSize:   int64(len(content)),
		LossRate:   1.0,
		Progress:   progressx.Noop{},
	})

	stats, err := snd.Run(ctx)
	require.NoError(t, err, "Run must return cleanly, not crash, once ctx expires")
	require.False(t, stats.SentinelAcked, "no ack can ever arrive at loss_rate 1.0")

	select {
	case err := <-rcvDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not shut down in time")
	}

	require.Empty(t, out.Bytes(), "no data must have been written; nothing ever reached the receiver")
	t.Skip("loss_rate 1.0 never completes by design; only absence of crash/corruption is asserted above")
}
