package v2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory transport.Port recording writes and playing
// back canned replies, byte for byte, so the exact STK500v2 wire frames
// can be exercised without a real device.
type fakePort struct {
	writes  [][]byte
	replies [][]byte
	idx     int
}

func (f *fakePort) Write(data []byte) (int, error) {
	f.writes = append(f.writes, append([]byte{}, data...))
	return len(data), nil
}

func (f *fakePort) ReadExact(buf []byte, _ time.Duration) (int, error) {
	if f.idx >= len(f.replies) {
		return 0, errShort
	}
	reply := f.replies[f.idx]
	if len(reply) < len(buf) {
		return 0, errShort
	}
	n := copy(buf, reply[:len(buf)])
	f.replies[f.idx] = reply[len(buf):]
	if len(f.replies[f.idx]) == 0 {
		f.idx++
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

const errShort = testErr("short read")

func xorAll(bs ...[]byte) byte {
	var c byte
	for _, b := range bs {
		for _, v := range b {
			c ^= v
		}
	}
	return c
}

func signOnReply(seq byte, name string) []byte {
	nameBytes := []byte(name)
	body := append([]byte{cmdSignOn, statusOK, byte(len(nameBytes))}, nameBytes...)
	dataLen := len(body)
	header := []byte{messageStart, seq, byte(dataLen >> 8), byte(dataLen & 0xFF), token}
	frame := append(append([]byte{}, header...), body...)
	frame = append(frame, xorAll(frame))
	return frame
}

func TestSignOnParsesName(t *testing.T) {
	p := &fakePort{replies: [][]byte{signOnReply(1, "STK500_2")}}
	c := New(p)
	require.NoError(t, c.Sync())
	require.Equal(t, "STK500_2", c.Session().ProgrammerName)
	require.EqualValues(t, 1, c.Session().SequenceNumber)
}

func TestSendFirstFrameCarriesSeq1(t *testing.T) {
	p := &fakePort{replies: [][]byte{signOnReply(1, "")}}
	c := New(p)
	require.NoError(t, c.Sync())
	require.Equal(t, byte(messageStart), p.writes[0][0])
	require.Equal(t, byte(1), p.writes[0][1])
}

func TestSequenceWrapsModulo256(t *testing.T) {
	p := &fakePort{}
	c := New(p)
	c.session.SequenceNumber = 255
	c.session.SequenceNumber++
	require.EqualValues(t, 0, c.session.SequenceNumber)
	c.session.SequenceNumber++
	require.EqualValues(t, 1, c.session.SequenceNumber)
}

func TestChecksumXorIsZeroOverWholeFrame(t *testing.T) {
	frame := signOnReply(1, "X")
	require.EqualValues(t, 0, xorAll(frame))
}

func TestStaleSequenceReplyIsDropped(t *testing.T) {
	p := &fakePort{replies: [][]byte{
		signOnReply(0, "STALE"), // stray reply from a previous exchange
		signOnReply(1, "CURRENT"),
	}}
	c := New(p)
	require.NoError(t, c.Sync())
	require.Equal(t, "CURRENT", c.Session().ProgrammerName)
}

func TestBadChecksumRejected(t *testing.T) {
	frame := signOnReply(1, "OK")
	frame[len(frame)-1] ^= 0xFF
	p := &fakePort{replies: [][]byte{frame}}
	c := New(p)
	require.Error(t, c.Sync())
}

func TestLoadAddressFlashSetsWordBitAndDividesBy2(t *testing.T) {
	p := &fakePort{replies: [][]byte{frameReply(1, cmdLoadAddress, nil)}}
	c := New(p)
	c.session.SequenceNumber = 0
	require.NoError(t, c.LoadAddress(0x1234, true))
	body := p.writes[0][6:10]
	require.Equal(t, []byte{0x80, 0x00, 0x09, 0x1A}, body)
}

func frameReply(seq, cmd byte, data []byte) []byte {
	body := append([]byte{cmd, statusOK}, data...)
	dataLen := len(body)
	header := []byte{messageStart, seq, byte(dataLen >> 8), byte(dataLen & 0xFF), token}
	frame := append(append([]byte{}, header...), body...)
	frame = append(frame, xorAll(frame))
	return frame
}

func TestSignatureReadComposesAndLooksUpCPU(t *testing.T) {
	p := &fakePort{replies: [][]byte{
		frameReply(1, cmdSPIMulti, []byte{0, 0, 0, 0x1E}),
		frameReply(2, cmdSPIMulti, []byte{0, 0, 0, 0x98}),
		frameReply(3, cmdSPIMulti, []byte{0, 0, 0, 0x01}),
	}}
	c := New(p)
	cpu, err := c.CPUSignature()
	require.NoError(t, err)
	require.Equal(t, "ATmega2560", cpu.Name)
	require.EqualValues(t, 256, cpu.PageSizeBytes)
	require.EqualValues(t, 1024, cpu.FlashPageCount)
}
