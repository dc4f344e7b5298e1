//go:build unix

package procmgr

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// DynamicSocketPath returns the socket path for a dynamic class. The name is
// a content hash of the class identity so every gateway context derives the
// same path without asking the manager.
func DynamicSocketPath(socketDir string, id ClassID) string {
	d := xxhash.New()
	_, _ = d.WriteString(id.Path)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(id.User)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(id.Group)
	return filepath.Join(socketDir, "dynamic", fmt.Sprintf("%016x", d.Sum64()))
}

// bindListener creates a listening socket with an explicit backlog and
// returns it as a file, ready to be handed to a child as descriptor 0.
// For unix sockets any stale file at the path is replaced.
func bindListener(network, address string, backlog int) (*os.File, error) {
	switch network {
	case "unix":
		return bindUnix(address, backlog)
	case "tcp", "tcp4", "tcp6":
		return bindTCP(address, backlog)
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

func bindUnix(path string, backlog int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

func bindTCP(address string, backlog int) (*os.File, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad port in %q: %w", address, err)
	}
	addr := netip.IPv4Unspecified()
	if host != "" {
		if addr, err = netip.ParseAddr(host); err != nil {
			return nil, fmt.Errorf("tcp listen address must be numeric: %w", err)
		}
	}

	var fd int
	var sa unix.Sockaddr
	if addr.Is4() {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		sa = &unix.SockaddrInet4{Port: port, Addr: addr.As4()}
	} else {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		sa = &unix.SockaddrInet6{Port: port, Addr: addr.As16()}
	}
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	return os.NewFile(uintptr(fd), address), nil
}
