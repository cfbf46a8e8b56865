// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"net"
	"syscall"
	"time"
)

const (
	IP_DONTFRAG   = 28 // in bsd/netinet/in.h as of xnu 7195.50.7.100.1
	IPV6_DONTFRAG = 62 // in bsd/netinet6/in6.h
)

// minSafePacketSize is what sessions fall back to when the kernel reports
// an oversized datagram: the IPv6 minimum MTU, deliverable on any path.
const minSafePacketSize = 1280

func systemSetupUDPSocket(sm *socketManager) error {
	level, option := syscall.IPPROTO_IP, IP_DONTFRAG
	if sm.udpSocket.LocalAddr().(*net.UDPAddr).IP.To4() == nil {
		level, option = syscall.IPPROTO_IPV6, IPV6_DONTFRAG
	}
	sc, err := sm.udpSocket.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		err = syscall.SetsockoptInt(int(fd), level, option, 1)
	})
	if callErr != nil {
		return callErr
	}
	if err != nil {
		// Setting DONTFRAG failed; I think Mac OSes older than 11.3 Big Sur
		// do not support the IPv4 IP_DONTFRAG (but I haven't tested this). We
		// might lose some performance due to IP fragmentation, but we can
		// carry on.
		sm.logger.Info("could not set DONTFRAG option on UDP socket",
			"error", err.Error())
	}
	return nil
}

// processUDPErrorQueue polls the socket's pending error slot until the
// multiplexer shuts down. Darwin has no per-packet error queue, so an
// EMSGSIZE carries neither the offending host nor the discovered MTU; the
// best available response is to drop every live session to the minimum
// safe packet size. That size is also recorded in the connection info
// cache, so later connections to the same hosts start from it.
func processUDPErrorQueue(sm *socketManager) {
	sc, err := sm.udpSocket.SyscallConn()
	if err != nil {
		sm.logger.Error(err, "could not access SyscallConn interface of udp socket??")
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sm.mx.Done():
			return
		case <-ticker.C:
		}

		var soErr int
		callErr := sc.Control(func(fd uintptr) {
			// reading SO_ERROR also clears it
			soErr, err = syscall.GetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_ERROR)
		})
		if callErr != nil {
			sm.logger.Error(callErr, "could not read SO_ERROR from udp socket")
			return
		}
		if err != nil || soErr == 0 {
			continue
		}

		errno := syscall.Errno(soErr)
		if errno != syscall.EMSGSIZE {
			sm.logger.Info("pending error on udp socket", "errno", errno.Error())
			continue
		}
		for _, host := range sm.mx.RemoteHosts() {
			sm.adjustMTUFor(host, minSafePacketSize)
		}
	}
}
