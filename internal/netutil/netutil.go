// Package netutil allocates the callback endpoint's listening port and
// determines the IP address a containerized workload should use to
// reach it.
package netutil

import (
	"fmt"
	"net"
	"os"
)

// FreePort asks the OS for an unused TCP port by binding to :0 and
// immediately releasing it. There is a race between release and the
// callback endpoint's own bind, but it is the same race the original
// runner accepts.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("allocating free port: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address type %T", l.Addr())
	}
	return addr.Port, nil
}

// CallbackIP returns the IP address in-container workloads should use
// to reach the callback endpoint: the CALLBACK_IP environment override
// if set, otherwise the address of the default outbound interface.
func CallbackIP() (string, error) {
	if override := os.Getenv("CALLBACK_IP"); override != "" {
		return override, nil
	}
	return OutboundIP()
}

// OutboundIP discovers the local address used to reach the public
// internet by opening a UDP "connection" (no packets are sent) to a
// well-known external address and reading back the chosen local
// address — the same trick the original runner used against a public
// mail relay.
func OutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("discovering outbound address: %w", err)
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}
