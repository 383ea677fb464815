// Package bootparam builds the Linux "zero page" (struct boot_params) used
// to hand a 64-bit bzImage kernel its command line, initrd location, and
// E820 memory map on entry, per the kernel's documented boot protocol
// (Documentation/x86/boot.rst).
package bootparam

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Real-mode memory layout constants used when synthesizing the E820 map,
// matching the legacy PC memory holes a BIOS would normally describe.
const (
	RealModeIvtBegin = 0x00000000
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000
)

// E820 entry types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

// setup_header.loadflags bits (Proto 2.00+).
const (
	LoadedHigh   = 1 << 0
	KeepSegments = 1 << 6
	CanUseHeap   = 1 << 7
)

const (
	bootFlagOffset   = 0x1fe
	bootFlagValue    = 0xaa55
	headerMagicOff   = 0x202
	headerMagicValue = 0x53726448 // "HdrS"
	setupSectsOff    = 0x1f1

	e820EntriesOff = 0x1e8
	e820TableOff   = 0x2d0
	e820EntrySize  = 20
	zeroPageSize   = 0x1000
	defaultSectors = 4 // per protocol, setup_sects == 0 means 4
	sectorSize     = 512
)

var errNotBzImage = errors.New("not a bzImage: missing boot signature")

// E820Entry mirrors the wire layout of a single struct boot_e820_entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// SetupHeader holds the setup_header fields the loader fills in before
// handing control to the kernel's decompressor. Unlisted fields are
// preserved verbatim from the bzImage's own header since New copies the
// whole real-mode setup area out of the file first.
type SetupHeader struct {
	SetupSects   uint8
	VidMode      uint16
	TypeOfLoader uint8
	LoadFlags    uint8
	RamdiskImage uint32
	RamdiskSize  uint32
	HeapEndPtr   uint16
	ExtLoaderVer uint8
	CmdlinePtr   uint32
	CmdlineSize  uint32
}

// BootParam is the in-memory struct boot_params ("zero page"): the
// setup_header plus the E820 memory map the guest firmware would
// otherwise have provided.
type BootParam struct {
	Hdr SetupHeader

	raw         [zeroPageSize]byte
	e820Entries uint8
}

// New reads a bzImage's real-mode setup area from r and returns the
// zero page seeded with its existing setup_header.
func New(r io.Reader) (*BootParam, error) {
	var raw [zeroPageSize]byte

	n, err := io.ReadFull(r, raw[:sectorSize])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading bzImage boot sector: %w", err)
	}

	if n < sectorSize ||
		binary.LittleEndian.Uint16(raw[bootFlagOffset:]) != bootFlagValue ||
		binary.LittleEndian.Uint32(raw[headerMagicOff:]) != headerMagicValue {
		return nil, errNotBzImage
	}

	setupSects := raw[setupSectsOff]
	if setupSects == 0 {
		setupSects = defaultSectors
	}

	// The rest of the real-mode setup area (the kernel's own header
	// fields beyond the first sector) follows directly in the file.
	rest := int(setupSects)*sectorSize - sectorSize
	if rest > 0 && rest <= len(raw)-sectorSize {
		if _, err := io.ReadFull(r, raw[sectorSize:sectorSize+rest]); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading bzImage setup area: %w", err)
		}
	}

	b := &BootParam{raw: raw}
	b.Hdr.SetupSects = setupSects

	return b, nil
}

// AddE820Entry appends a memory region to the E820 map.
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) {
	off := e820TableOff + int(b.e820Entries)*e820EntrySize

	binary.LittleEndian.PutUint64(b.raw[off:], addr)
	binary.LittleEndian.PutUint64(b.raw[off+8:], size)
	binary.LittleEndian.PutUint32(b.raw[off+16:], typ)

	b.e820Entries++
	b.raw[e820EntriesOff] = b.e820Entries
}

// Bytes serializes the zero page, flushing the loader-assigned
// SetupHeader fields into their protocol offsets first.
func (b *BootParam) Bytes() ([]byte, error) {
	raw := b.raw

	raw[setupSectsOff] = b.Hdr.SetupSects
	binary.LittleEndian.PutUint16(raw[0x1fa:], b.Hdr.VidMode)
	raw[0x210] = b.Hdr.TypeOfLoader
	raw[0x211] = b.Hdr.LoadFlags
	binary.LittleEndian.PutUint32(raw[0x218:], b.Hdr.RamdiskImage)
	binary.LittleEndian.PutUint32(raw[0x21c:], b.Hdr.RamdiskSize)
	binary.LittleEndian.PutUint16(raw[0x224:], b.Hdr.HeapEndPtr)
	raw[0x226] = b.Hdr.ExtLoaderVer
	binary.LittleEndian.PutUint32(raw[0x228:], b.Hdr.CmdlinePtr)
	binary.LittleEndian.PutUint32(raw[0x238:], b.Hdr.CmdlineSize)

	return raw[:], nil
}
