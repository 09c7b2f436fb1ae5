package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/e2b-dev/infra/packages/pager/internal/layout"
	"github.com/e2b-dev/infra/packages/pager/internal/loader"
)

func main() {
	path := flag.String("image", "", "path to an ELF64 executable")

	flag.Parse()

	if *path == "" {
		log.Fatalf("image path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("failed to open image: %s", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Fatalf("failed to stat image: %s", err)
	}

	l, err := loader.Parse(f)
	if err != nil {
		log.Fatalf("failed to parse image: %s", err)
	}

	fmt.Printf("\nMETADATA\n")
	fmt.Printf("========\n")
	fmt.Printf("Image              %s\n", *path)
	fmt.Printf("Size               %d B (%s)\n", info.Size(), humanize.IBytes(uint64(info.Size())))
	fmt.Printf("Entry              0x%x\n", l.Entry)
	fmt.Printf("Segments           %d\n", len(l.Segments))

	fmt.Printf("\nSEGMENTS\n")
	fmt.Printf("========\n")

	var lazyPages, filePages uint64

	for i, s := range l.Segments {
		pages := layout.TotalPages(s.VAEnd) - layout.PageIdx(s.VAStart)
		backed := layout.TotalPages(s.VAStart+s.FileSize) - layout.PageIdx(s.VAStart)
		if s.FileSize == 0 {
			backed = 0
		}

		lazyPages += pages
		filePages += backed

		fmt.Printf("%-3d [0x%08x,0x%08x) %-4s off=0x%-8x filesz=%-10s memsz=%-10s pages=%d file-backed=%d\n",
			i, s.VAStart, s.VAEnd, s.Flags.String(), s.FileOffset,
			humanize.IBytes(s.FileSize), humanize.IBytes(s.MemSize), pages, backed,
		)
	}

	text, data := loader.Ranges(l.Segments)
	stackTop := loader.StackTop(l.HeapStart)

	fmt.Printf("\nLAZY MAP\n")
	fmt.Printf("========\n")
	fmt.Printf("text               [0x%x,0x%x)\n", text[0], text[1])
	fmt.Printf("data               [0x%x,0x%x)\n", data[0], data[1])
	fmt.Printf("heap_start         0x%x\n", l.HeapStart)
	fmt.Printf("stack_top          0x%x\n", stackTop)

	fmt.Printf("\nSUMMARY\n")
	fmt.Printf("=======\n")
	fmt.Printf("Segment pages      %d (%s)\n", lazyPages, humanize.IBytes(lazyPages*layout.PageSize))
	fmt.Printf("File-backed pages  %d (%s)\n", filePages, humanize.IBytes(filePages*layout.PageSize))
	fmt.Printf("Zero-fill pages    %d\n", lazyPages-filePages)
	fmt.Printf("Size after exec    %s\n", humanize.IBytes(stackTop))
}
