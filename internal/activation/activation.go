package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listener is a socket handed over by the service manager.
type Listener struct {
	net.Listener
	// Name is the FileDescriptorName of the socket unit, or "" if unnamed.
	Name string
}

// Listeners returns the systemd-activated listeners.
// It checks for systemd socket activation via LISTEN_PID and LISTEN_FDS environment variables.
// Returns nil if no socket activation is detected or if the activation is not for this process.
func Listeners() ([]Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Socket activation is for a different process
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}
	names := parseNames(os.Getenv("LISTEN_FDNAMES"), numFDs)

	listeners := make([]Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+names[i])
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		l, err := net.FileListener(file)
		// net.FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, Listener{Listener: l, Name: names[i]})
	}

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listen returns the activated socket named name, the first activated
// socket if name is empty, or a fresh TCP listener on addr when the process
// was not socket-activated. Activated sockets that are not returned are
// closed.
func Listen(name, addr string) (net.Listener, bool, error) {
	activated, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(activated) > 0 {
		for i, l := range activated {
			if name == "" || l.Name == name {
				closeAll(append(activated[:i:i], activated[i+1:]...))
				return l.Listener, true, nil
			}
		}
		closeAll(activated)
		return nil, false, fmt.Errorf("no activated socket named %q", name)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

// parseNames splits LISTEN_FDNAMES, padding missing entries with "".
func parseNames(raw string, n int) []string {
	names := make([]string, n)
	if raw == "" {
		return names
	}
	for i, name := range strings.Split(raw, ":") {
		if i >= n {
			break
		}
		names[i] = name
	}
	return names
}

func closeAll(ls []Listener) {
	for _, l := range ls {
		_ = l.Close()
	}
}
