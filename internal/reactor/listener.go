package reactor

import "golang.org/x/sys/unix"

// listenTCP4 binds and listens on an IPv4 TCP socket, returning the
// non-blocking listening fd and the bound port (resolved from the kernel
// when port is 0, satisfying §6's ephemeral-port mode).
func listenTCP4(port int) (fd int, boundPort int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return 0, 0, err
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, 0, err
	}
	if err = unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return 0, 0, err
	}
	if err = unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, 0, err
	}

	boundPort = port
	if port == 0 {
		sa, err2 := unix.Getsockname(fd)
		if err2 == nil {
			if in4, ok := sa.(*unix.SockaddrInet4); ok {
				boundPort = in4.Port
			}
		}
	}
	return fd, boundPort, nil
}
