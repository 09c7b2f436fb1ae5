// Package loader reads the program headers of an ELF image and records its
// loadable segments in a new address space. No segment byte is read and no
// frame is allocated: pages are filled later, on first touch.
package loader

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/e2b-dev/infra/packages/pager/internal/addrspace"
	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	pagertrace "github.com/e2b-dev/infra/packages/pager/internal/trace"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/pager/internal/loader")

type ErrorKind string

const (
	KindBadFormat          ErrorKind = "bad-format"
	KindMemSmallerThanFile ErrorKind = "mem-smaller-than-file"
	KindOverflow           ErrorKind = "overflow"
	KindUnaligned          ErrorKind = "unaligned"
	KindOutOfImage         ErrorKind = "out-of-image"
	KindOverlap            ErrorKind = "overlap"
	KindTooManySegments    ErrorKind = "too-many-segments"
)

// LoadError is returned for every malformed image. Prog is the index of the
// offending program header, or -1 when the image as a whole is rejected.
type LoadError struct {
	Kind ErrorKind
	Prog int
	Err  error
}

func (e *LoadError) Error() string {
	if e.Prog < 0 {
		return fmt.Sprintf("load image: %s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("load image: program header %d: %s: %v", e.Prog, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *LoadError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var le *LoadError

	return errors.As(err, &le) && le.Kind == kind
}

// StackTop is the size an address space has right after exec: the argument
// page at heapStart followed by the user stack.
func StackTop(heapStart uint64) uint64 {
	return heapStart + (layout.UserStackPages+1)*layout.PageSize
}

// Layout is what the loader learns from the program headers of an image.
type Layout struct {
	Segments  []addrspace.Segment
	HeapStart uint64
	Entry     uint64
}

// Parse reads the loadable segments of image. It reads headers only.
func Parse(image io.ReaderAt) (Layout, error) {
	f, err := elf.NewFile(image)
	if err != nil {
		return Layout{}, &LoadError{Kind: KindBadFormat, Prog: -1, Err: err}
	}

	if f.Class != elf.ELFCLASS64 {
		return Layout{}, &LoadError{Kind: KindBadFormat, Prog: -1, Err: fmt.Errorf("unsupported class %s", f.Class)}
	}

	var (
		segments []addrspace.Segment
		end      uint64
	)

	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if p.Memsz < p.Filesz {
			return Layout{}, &LoadError{Kind: KindMemSmallerThanFile, Prog: i, Err: fmt.Errorf("memsz 0x%x < filesz 0x%x", p.Memsz, p.Filesz)}
		}

		segEnd := p.Vaddr + p.Memsz
		if segEnd < p.Vaddr || segEnd > layout.MaxVA {
			return Layout{}, &LoadError{Kind: KindOverflow, Prog: i, Err: fmt.Errorf("vaddr 0x%x + memsz 0x%x", p.Vaddr, p.Memsz)}
		}

		if !layout.IsAligned(p.Vaddr) {
			return Layout{}, &LoadError{Kind: KindUnaligned, Prog: i, Err: fmt.Errorf("vaddr 0x%x", p.Vaddr)}
		}

		if err := checkFileRange(image, p.Off, p.Filesz); err != nil {
			return Layout{}, &LoadError{Kind: KindOutOfImage, Prog: i, Err: err}
		}

		seg := addrspace.Segment{
			VAStart:    p.Vaddr,
			VAEnd:      segEnd,
			FileOffset: p.Off,
			FileSize:   p.Filesz,
			MemSize:    p.Memsz,
			Flags:      p.Flags,
		}

		for j, prev := range segments {
			if seg.Overlaps(prev) {
				return Layout{}, &LoadError{Kind: KindOverlap, Prog: i, Err: fmt.Errorf("overlaps segment %d [0x%x,0x%x)", j, prev.VAStart, prev.VAEnd)}
			}
		}

		if len(segments) == addrspace.MaxSegments {
			return Layout{}, &LoadError{Kind: KindTooManySegments, Prog: i, Err: addrspace.ErrTooManySegments{Count: len(segments) + 1}}
		}

		segments = append(segments, seg)
		end = max(end, segEnd)
	}

	return Layout{
		Segments:  segments,
		HeapStart: layout.PageRoundUp(end),
		Entry:     f.Entry,
	}, nil
}

func checkFileRange(image io.ReaderAt, off, size uint64) error {
	if size == 0 {
		return nil
	}

	last := off + size - 1
	if last < off || last > uint64(1<<63-1) {
		return fmt.Errorf("file range 0x%x+0x%x overflows", off, size)
	}

	if s, ok := image.(interface{ Size() int64 }); ok {
		if last >= uint64(s.Size()) {
			return fmt.Errorf("file range [0x%x,0x%x) outside image of 0x%x bytes", off, off+size, s.Size())
		}

		return nil
	}

	var b [1]byte
	if _, err := image.ReadAt(b[:], int64(last)); err != nil {
		return fmt.Errorf("file range [0x%x,0x%x) outside image: %w", off, off+size, err)
	}

	return nil
}

// Load records the segments of image in a new address space for pid. On
// success the address space owns image; on failure the caller still does.
func Load(ctx context.Context, pid int, image addrspace.Executable, opts addrspace.Options) (*addrspace.AddressSpace, error) {
	_, span := tracer.Start(ctx, "load-image", trace.WithAttributes(attribute.Int("proc.pid", pid)))
	defer span.End()

	l, err := Parse(image)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	segments, heapStart := l.Segments, l.HeapStart

	as, err := addrspace.New(pid, segments, heapStart, image, opts)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("failed to create address space: %w", err)
	}

	text, data := Ranges(segments)
	opts.Recorder.Record(pid, pagertrace.TagInitLazyMap,
		pagertrace.Range("text", text[0], text[1]),
		pagertrace.Range("data", data[0], data[1]),
		pagertrace.Addr("heap_start", heapStart),
		pagertrace.Addr("stack_top", StackTop(heapStart)),
	)

	span.SetAttributes(
		attribute.Int("segments", len(segments)),
		attribute.Int64("heap_start", int64(heapStart)),
	)

	return as, nil
}

// Ranges returns the span covered by executable and by non-executable segments.
// An absent class is reported as [0,0).
func Ranges(segments []addrspace.Segment) (text, data [2]uint64) {
	var haveText, haveData bool

	for _, s := range segments {
		r, have := &data, &haveData
		if s.Executable() {
			r, have = &text, &haveText
		}

		if !*have {
			*r = [2]uint64{s.VAStart, s.VAEnd}
			*have = true

			continue
		}

		r[0] = min(r[0], s.VAStart)
		r[1] = max(r[1], s.VAEnd)
	}

	return text, data
}
