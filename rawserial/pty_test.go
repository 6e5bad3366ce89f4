package rawserial

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// openPTYPair opens a pseudoterminal pair standing in for a real
// AVR-over-serial link: the slave is put into the same raw mode
// OpenBootloaderPort configures a real tty into, so Reset, FlushInput
// and ReadExact can be exercised against it without hardware.
func openPTYPair(t *testing.T) (master, slave *Port) {
	t.Helper()

	ptmxFd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY, 0)
	require.NoError(t, err)

	var unlock int
	require.NoError(t, unix.IoctlSetPointerInt(ptmxFd, unix.TIOCSPTLCK, unlock))

	unit, err := unix.IoctlGetInt(ptmxFd, unix.TIOCGPTN)
	require.NoError(t, err)

	slaveFd, err := unix.Open(ptsName(unit), unix.O_RDWR|unix.O_NOCTTY, 0)
	require.NoError(t, err)

	master = &Port{fd: ptmxFd}
	slave = &Port{fd: slaveFd}

	attrs, err := unix.IoctlGetTermios(slaveFd, unix.TCGETS)
	require.NoError(t, err)
	makeRaw(attrs)
	require.NoError(t, unix.IoctlSetTermios(slaveFd, unix.TCSETS, attrs))

	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	return master, slave
}
