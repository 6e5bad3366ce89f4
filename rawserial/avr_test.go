package rawserial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResetPulsesModemLines(t *testing.T) {
	master, _ := openPTYPair(t)

	require.NoError(t, master.Reset())

	lines, err := master.modemLines()
	require.NoError(t, err)
	require.Zero(t, lines&(unix.TIOCM_DTR|unix.TIOCM_RTS), "DTR/RTS must be released after Reset")
}

func TestFlushInputDiscardsResetBanner(t *testing.T) {
	master, slave := openPTYPair(t)

	_, err := slave.Write([]byte("bootloader banner noise"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, master.FlushInput())

	buf := make([]byte, 32)
	n, err := master.ReadExact(buf, 50*time.Millisecond)
	require.Error(t, err)
	require.Zero(t, n)
}

func TestReadExactTimesOutShort(t *testing.T) {
	master, slave := openPTYPair(t)

	_, err := slave.Write([]byte{0x14})
	require.NoError(t, err)

	buf := make([]byte, 2)
	n, err := master.ReadExact(buf, 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, 1, n)
}
