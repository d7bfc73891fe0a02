//go:build !linux
// +build !linux

// This file provides a stub implementation for non-Linux platforms to
// enable development and testing without eBPF support. The actual
// kernel monitoring is only available on Linux.

package capture

import "fmt"

// InitBPF provides a stub implementation for non-Linux platforms.
// Returns a nil reader but no error so the daemon can continue in
// limited mode (web API and stored data only).
func InitBPF() (RecordReader, func(), error) {
	fmt.Println("BPF monitoring not available on this platform. Starting in limited mode...")
	return nil, nil, nil
}
