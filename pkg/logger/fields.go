package logger

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WithPID is the simulated process id, not the host one.
func WithPID(pid int) zap.Field {
	return zap.Int("proc.pid", pid)
}

func WithVirtAddr(va uint64) zap.Field {
	return zap.String("proc.va", fmt.Sprintf("0x%x", va))
}

func WithFrame(frame uint32) zap.Field {
	return zap.Uint32("phys.frame", frame)
}

func WithSwapSlot(slot uint) zap.Field {
	return zap.Uint("swap.slot", slot)
}

func WithBootID(bootID uuid.UUID) zap.Field {
	return zap.String("kernel.boot_id", bootID.String())
}
