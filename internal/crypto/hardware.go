package crypto

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the CPU supports AES hardware
// acceleration, via the feature detection in golang.org/x/sys/cpu.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// PreferredEncryption returns the encryption constructor best suited to this
// machine: AES-256-CTR where AES instructions are available, ChaCha20
// otherwise.
func PreferredEncryption() Encryption {
	if HasAESHardwareSupport() {
		return NewAES256CTR()
	}
	return NewChaCha20()
}
