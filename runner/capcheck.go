package runner

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"sandboxrunner/sberrors"
)

// capBPF and capSysAdmin are the Linux capability bit numbers this runner
// requires before attempting to load eBPF programs (CAP_BPF alone suffices
// on kernels new enough to have split it out of CAP_SYS_ADMIN; this check
// accepts either).
const (
	capSysAdmin = 21
	capBPF      = 39
)

// capUserHeader/capUserData mirror struct __user_cap_header_struct and
// struct __user_cap_data_struct for the raw CAPGET syscall, version 3
// (_LINUX_CAPABILITY_VERSION_3).
type capUserHeader struct {
	version uint32
	pid     int32
}

type capUserData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

const linuxCapabilityVersion3 = 0x20080522

// CheckCapabilities verifies the calling process has CAP_BPF or
// CAP_SYS_ADMIN in its effective set, per spec.md §7's "kernel-load error
// is fatal at runner start" — failing this check early avoids a confusing
// failure deep inside ebpf.NewCollection.
func CheckCapabilities() error {
	header := capUserHeader{version: linuxCapabilityVersion3, pid: 0}
	// capUserData is sized for two 32-bit words (capabilities 0-63), matching
	// _LINUX_CAPABILITY_U32S_3.
	var data [2]capUserData

	_, _, errno := unix.Syscall(unix.SYS_CAPGET,
		uintptr(unsafe.Pointer(&header)),
		uintptr(unsafe.Pointer(&data[0])),
		0)
	if errno != 0 {
		return sberrors.Wrap(errno, sberrors.ErrKernelLoad, "CAPGET")
	}

	effective := uint64(data[0].effective) | uint64(data[1].effective)<<32
	if hasCap(effective, capBPF) || hasCap(effective, capSysAdmin) {
		return nil
	}
	return sberrors.ErrInsufficientCapabilities
}

func hasCap(mask uint64, bit uint) bool {
	return mask&(1<<bit) != 0
}
