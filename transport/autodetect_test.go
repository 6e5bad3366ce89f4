package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchAdapterPrefersFirstMatch(t *testing.T) {
	ports := []PortInfo{
		{Device: "/dev/ttyS0", HWID: ""},
		{Device: "/dev/ttyUSB0", HWID: "USB VID:PID=1A86:7523 SER=1234 LOCATION=1-1"},
		{Device: "/dev/ttyUSB1", HWID: "USB VID:PID=2341:0043"},
	}
	dev, err := matchAdapter(ports)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", dev)
}

func TestMatchAdapterNoMatch(t *testing.T) {
	ports := []PortInfo{
		{Device: "/dev/ttyS0", HWID: ""},
		{Device: "/dev/ttyACM0", HWID: "USB VID:PID=2341:0001"},
	}
	_, err := matchAdapter(ports)
	require.ErrorIs(t, err, ErrNoDevice)
}
