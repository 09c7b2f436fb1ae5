package layout

const (
	PageSize = 2 << 11

	// MaxVA is one bit less than the maximum allowed by Sv39, so the sign
	// extension of the top bit never has to be handled.
	MaxVA = uint64(1) << (9 + 9 + 9 + 12 - 1)

	// UserStackPages is the number of stack pages an exec'd image starts with.
	UserStackPages = 1
)

func PageRoundDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

func PageRoundUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

func IsAligned(addr uint64) bool {
	return addr%PageSize == 0
}

func TotalPages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

func PageIdx(addr uint64) uint64 {
	return addr / PageSize
}

func PageAddr(idx uint64) uint64 {
	return idx * PageSize
}

// PageAddrs returns the start address of every page in [0, size).
func PageAddrs(size uint64) []uint64 {
	addrs := make([]uint64, TotalPages(size))

	for i := range addrs {
		addrs[i] = PageAddr(uint64(i))
	}

	return addrs
}
