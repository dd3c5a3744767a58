//go:build linux

package serialport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// exclusiveOpenGuard asserts TIOCEXCL on the named device so no other
// process can open it concurrently, mirroring the exclusive-ownership
// expectations of the original Windows transport's per-handle open. Grounded
// on the teacher's internal/socketcan/device.go use of golang.org/x/sys/unix
// for raw ioctl/syscall access, re-homed here since this domain has no CAN
// bus to guard instead.
func exclusiveOpenGuard(name string) error {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("open %q for exclusive guard: %w", name, err)
	}
	defer f.Close()
	if err := unix.IoctlSetInt(int(f.Fd()), unix.TIOCEXCL, 0); err != nil {
		return fmt.Errorf("ioctl TIOCEXCL %q: %w", name, err)
	}
	return nil
}
