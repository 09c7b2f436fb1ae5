// Package testutils builds in-memory executable images and loggers for tests.
package testutils

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

const (
	elfHeaderSize  = 64
	progHeaderSize = 56
)

// Prog describes one program header of a generated image. Data is placed in
// the file at Offset, or right after the previous data when Offset is zero.
type Prog struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	VAddr  uint64
	MemSz  uint64
	Offset uint64
	FileSz uint64
	Data   []byte
}

// Image is a generated ELF64 little-endian executable.
type Image struct {
	Progs []Prog
	Entry uint64
	// Machine defaults to EM_RISCV.
	Machine elf.Machine
}

// Build renders the image. FileSz defaults to len(Data) when left zero.
func (img Image) Build() []byte {
	machine := img.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_RISCV
	}

	dataStart := uint64(elfHeaderSize + progHeaderSize*len(img.Progs))
	next := dataStart

	headers := make([]elf.Prog64, len(img.Progs))
	var end uint64

	for i, p := range img.Progs {
		typ := p.Type
		if typ == elf.PT_NULL {
			typ = elf.PT_LOAD
		}

		fileSz := p.FileSz
		if fileSz == 0 {
			fileSz = uint64(len(p.Data))
		}

		off := p.Offset
		if off == 0 && len(p.Data) > 0 {
			off = next
		}

		if off+uint64(len(p.Data)) > next {
			next = off + uint64(len(p.Data))
		}
		if off+uint64(len(p.Data)) > end {
			end = off + uint64(len(p.Data))
		}

		headers[i] = elf.Prog64{
			Type:   uint32(typ),
			Flags:  uint32(p.Flags),
			Off:    off,
			Vaddr:  p.VAddr,
			Paddr:  p.VAddr,
			Filesz: fileSz,
			Memsz:  p.MemSz,
			Align:  0x1000,
		}
	}

	if end < dataStart {
		end = dataStart
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     elfHeaderSize,
		Ehsize:    elfHeaderSize,
		Phentsize: progHeaderSize,
		Phnum:     uint16(len(img.Progs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		panic(fmt.Sprintf("failed to encode elf header: %v", err))
	}
	for _, h := range headers {
		if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
			panic(fmt.Sprintf("failed to encode program header: %v", err))
		}
	}

	out := make([]byte, end)
	copy(out, buf.Bytes())

	for i, p := range img.Progs {
		copy(out[headers[i].Off:], p.Data)
	}

	return out
}

// Pattern returns n bytes of a repeating, offset-dependent pattern.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}

	return b
}

// TextAndData is the image used throughout the fault tests: an executable
// segment [0,0x1000) backed by 0x200 file bytes and a data segment
// [0x1000,0x2000) fully backed by the file.
func TextAndData() Image {
	return Image{
		Progs: []Prog{
			{Flags: elf.PF_R | elf.PF_X, VAddr: 0, MemSz: 0x1000, Data: Pattern(0x200, 1)},
			{Flags: elf.PF_R | elf.PF_W, VAddr: 0x1000, MemSz: 0x1000, Data: Pattern(0x1000, 7)},
		},
	}
}

// Executable is an in-memory image that counts how often it was closed.
type Executable struct {
	*bytes.Reader

	closed atomic.Int32
}

func NewExecutable(b []byte) *Executable {
	return &Executable{Reader: bytes.NewReader(b)}
}

func (e *Executable) Close() error {
	e.closed.Add(1)

	return nil
}

func (e *Executable) Closed() int {
	return int(e.closed.Load())
}

// FailingExecutable returns Err for every read at or beyond FailFrom.
type FailingExecutable struct {
	*Executable

	FailFrom int64
	Err      error
}

func (e *FailingExecutable) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > e.FailFrom {
		return 0, e.Err
	}

	return e.Executable.ReadAt(p, off)
}
