package v1

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory transport.Port that plays back canned reply
// bytes and records everything written to it, for exercising the exact
// STK500v1 wire bytes without a real device.
type fakePort struct {
	writes  [][]byte
	replies [][]byte
	idx     int
}

func (f *fakePort) Write(data []byte) (int, error) {
	cp := append([]byte{}, data...)
	f.writes = append(f.writes, cp)
	return len(data), nil
}

func (f *fakePort) ReadExact(buf []byte, _ time.Duration) (int, error) {
	if f.idx >= len(f.replies) {
		return 0, errShortTestReply
	}
	reply := f.replies[f.idx]
	f.idx++
	n := copy(buf, reply)
	if n < len(buf) {
		return n, errShortTestReply
	}
	return n, nil
}

func (f *fakePort) SetTimeout(time.Duration) {}
func (f *fakePort) FlushInput() error        { return nil }
func (f *fakePort) SetDTR(bool) error        { return nil }
func (f *fakePort) SetRTS(bool) error        { return nil }
func (f *fakePort) Close() error             { return nil }

type testErr string

func (e testErr) Error() string { return string(e) }

const errShortTestReply = testErr("short reply")

func TestSyncGoodLine(t *testing.T) {
	p := &fakePort{replies: [][]byte{{0x14, 0x10}, {0x14, 0x10}}}
	c := New(p)
	require.NoError(t, c.Sync())
	require.Equal(t, []byte{'0', crcEOP}, p.writes[0])
}

func TestSyncRetriesAfterNoise(t *testing.T) {
	p := &fakePort{replies: [][]byte{
		{0x00, 0x14}, // noise, BadSync
		{0x14, 0x10}, // succeeds
		{0x14, 0x10}, // sign-on (empty name)
	}}
	c := New(p)
	require.NoError(t, c.Sync())
	require.Len(t, p.writes, 3)
}

func TestLoadAddressFlashDividesBy2(t *testing.T) {
	p := &fakePort{replies: [][]byte{{0x14, 0x10}}}
	c := New(p)
	require.NoError(t, c.LoadAddress(0x1234, true))
	require.Equal(t, []byte{'U', 0x1A, 0x09, crcEOP}, p.writes[0])
}

func TestWriteMemoryProgramPage(t *testing.T) {
	p := &fakePort{replies: [][]byte{{0x14, 0x10}, {0x14, 0x10}}}
	c := New(p)
	buf := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	require.NoError(t, c.WriteMemory(buf, 0x0100, true))
	require.Equal(t, []byte{'U', 0x80, 0x00, crcEOP}, p.writes[0])
	require.Equal(t, []byte{'d', 0x00, 0x04, 'F', 0xAA, 0xBB, 0xCC, 0xDD, crcEOP}, p.writes[1])
}

func TestBoardRequestStoresSWMajorNotHWVersion(t *testing.T) {
	p := &fakePort{replies: [][]byte{
		{0x14, 0x05, 0x10}, // hw_version reply
		{0x14, 0x02, 0x10}, // sw_major reply
		{0x14, 0x07, 0x10}, // sw_minor reply
	}}
	c := New(p)
	require.NoError(t, c.BoardRequest())
	require.EqualValues(t, 5, c.Session().HWVersion)
	require.EqualValues(t, 2, c.Session().SWMajor)
	require.EqualValues(t, 7, c.Session().SWMinor)
}

func TestCPUSignatureLookup(t *testing.T) {
	p := &fakePort{replies: [][]byte{{0x14, 0x1E, 0x98, 0x01, 0x10}}}
	c := New(p)
	cpu, err := c.CPUSignature()
	require.NoError(t, err)
	require.Equal(t, "ATmega2560", cpu.Name)
	require.EqualValues(t, 256, cpu.PageSizeBytes)
	require.EqualValues(t, 1024, cpu.FlashPageCount)
}

func TestCPUSignatureUnknown(t *testing.T) {
	p := &fakePort{replies: [][]byte{{0x14, 0x1E, 0xDE, 0xAD, 0x10}}}
	c := New(p)
	cpu, err := c.CPUSignature()
	require.NoError(t, err)
	require.Zero(t, cpu.PageSizeBytes)
}

func TestGetSignOnEmptyForOptiboot(t *testing.T) {
	p := &fakePort{replies: [][]byte{{0x14, 0x10}}}
	c := New(p)
	name, err := c.GetSignOn()
	require.NoError(t, err)
	require.Equal(t, "", name)
}

func TestGetSignOnReadsName(t *testing.T) {
	reply := append([]byte{0x14}, []byte("AVRISP_2")...)
	reply = append(reply, 0x10)
	p := &fakePort{replies: [][]byte{reply}}
	c := New(p)
	name, err := c.GetSignOn()
	require.NoError(t, err)
	require.Equal(t, "AVRISP_2", name)
}

func TestReadMemoryStripsFraming(t *testing.T) {
	p := &fakePort{replies: [][]byte{
		{0x14, 0x10},                         // load address
		{0x14, 0x01, 0x02, 0x03, 0x04, 0x10}, // read reply
	}}
	c := New(p)
	data, err := c.ReadMemory(0, 4, true)
	require.NoError(t, err)
	require.True(t, bytes.Equal([]byte{1, 2, 3, 4}, data))
}

func TestBadTerminatorRejected(t *testing.T) {
	p := &fakePort{replies: [][]byte{{0x14, 0x00}}}
	c := New(p)
	err := c.LoadAddress(0, true)
	require.Error(t, err)
}
