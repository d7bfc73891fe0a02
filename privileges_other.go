//go:build !linux

package main

// dropPrivileges is a no-op off Linux, where the sensor runs without
// root in limited mode anyway.
func dropPrivileges() error {
	return nil
}
