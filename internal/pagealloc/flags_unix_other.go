//go:build unix && !linux

package pagealloc

import "golang.org/x/sys/unix"

const mapReserveFlags = unix.MAP_PRIVATE | unix.MAP_ANON
