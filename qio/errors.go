package qio

import (
	"errors"
	"fmt"
	"net/netip"
)

// Standard errors.
var (
	// ErrDispatcherTerminated is returned when operations are attempted on
	// a dispatcher that has begun terminating.
	ErrDispatcherTerminated = errors.New("qio: dispatcher has been terminated")
)

// DNSLookupError rejects lookup promises when the system resolver reports
// failure or times out.
type DNSLookupError struct {
	Name  string
	Cause error
}

// Error implements the error interface.
func (e *DNSLookupError) Error() string {
	return fmt.Sprintf("qio: dns lookup %q failed: %v", e.Name, e.Cause)
}

// Unwrap returns the underlying resolver error.
func (e *DNSLookupError) Unwrap() error { return e.Cause }

// ConnectError carries the last failure after every candidate address was
// tried.
type ConnectError struct {
	Addr  netip.Addr
	Port  uint16
	Cause error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("qio: connect to %s failed: %v",
		netip.AddrPortFrom(e.Addr, e.Port), e.Cause)
}

// Unwrap returns the underlying socket error.
func (e *ConnectError) Unwrap() error { return e.Cause }

// UDPPacketError marks an erroneous datagram delivered through a
// receiver's channel; the packet is still delivered, with Err set.
type UDPPacketError struct {
	Cause error
}

// Error implements the error interface.
func (e *UDPPacketError) Error() string {
	return fmt.Sprintf("qio: udp receive failed: %v", e.Cause)
}

// Unwrap returns the underlying socket error.
func (e *UDPPacketError) Unwrap() error { return e.Cause }
