// Package hexfile adapts gohex's Intel-HEX parser into the sparse
// byte-image view the flash driver needs: min/max address and a
// zero-filling slice reader, the same shape as the Python intelhex
// module this system was ported from.
package hexfile

import (
	"fmt"
	"os"

	"github.com/marcinbor85/gohex"
)

// Image is a parsed Intel-HEX file held as gohex's sparse block list.
type Image struct {
	mem *gohex.Memory
}

// Kind tags the input error taxonomy a hex file load or save can fail with.
type Kind int

const (
	KindFileNotFound Kind = iota
	KindHexFormatError
	KindAddressOverlap
)

func (k Kind) String() string {
	switch k {
	case KindFileNotFound:
		return "file not found"
	case KindHexFormatError:
		return "hex format error"
	case KindAddressOverlap:
		return "address overlap"
	default:
		return "unknown"
	}
}

// Error wraps a gohex failure with the taxonomy the driver reports on.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Load parses an Intel-HEX file from path into a sparse Image.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: KindFileNotFound, Path: path, Err: err}
		}
		return nil, &Error{Kind: KindFileNotFound, Path: path, Err: err}
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, &Error{Kind: KindHexFormatError, Path: path, Err: err}
	}
	return &Image{mem: mem}, nil
}

// FromMap builds an Image from an explicit sparse address→byte map,
// mirroring the source's fromdict collaborator method. Overlapping
// regions supplied via successive AddBinary-style writes are rejected
// as AddressOverlap by gohex itself.
func FromMap(bytesByAddr map[uint32]byte) (*Image, error) {
	mem := gohex.NewMemory()
	for addr, b := range bytesByAddr {
		if err := mem.AddBinary(addr, []byte{b}); err != nil {
			return nil, &Error{Kind: KindAddressOverlap, Err: err}
		}
	}
	return &Image{mem: mem}, nil
}

// MinAddress returns the lowest address present in the image, or 0 if
// the image is empty.
func (img *Image) MinAddress() uint32 {
	min := ^uint32(0)
	found := false
	for _, block := range img.mem.Data {
		if !found || block.Address < min {
			min = block.Address
			found = true
		}
	}
	if !found {
		return 0
	}
	return min
}

// MaxAddress returns the highest address present in the image
// (inclusive of the last byte of the last block), or 0 if empty.
func (img *Image) MaxAddress() uint32 {
	var max uint32
	for _, block := range img.mem.Data {
		end := block.Address + uint32(len(block.Data))
		if end > max {
			max = end
		}
	}
	if max == 0 {
		return 0
	}
	return max - 1
}

// Slice returns size bytes starting at start, zero-filling any address
// not covered by a parsed block — the same contract as tobinarray.
func (img *Image) Slice(start uint32, size int) []byte {
	out := make([]byte, size)
	for _, block := range img.mem.Data {
		blockEnd := block.Address + uint32(len(block.Data))
		sliceEnd := start + uint32(size)
		if blockEnd <= start || block.Address >= sliceEnd {
			continue
		}
		for i, b := range block.Data {
			addr := block.Address + uint32(i)
			if addr >= start && addr < sliceEnd {
				out[addr-start] = b
			}
		}
	}
	return out
}

// Save writes the image back out as Intel-HEX, rows of 16 bytes.
func Save(img *Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &Error{Kind: KindFileNotFound, Path: path, Err: err}
	}
	defer f.Close()
	if err := img.mem.DumpIntelHex(f, 16); err != nil {
		return &Error{Kind: KindHexFormatError, Path: path, Err: err}
	}
	return nil
}
