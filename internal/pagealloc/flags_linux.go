//go:build linux

package pagealloc

import "golang.org/x/sys/unix"

// MAP_NORESERVE keeps huge no-access reservations out of the kernel's
// commit accounting until pages are actually made accessible.
const mapReserveFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
