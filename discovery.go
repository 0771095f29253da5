package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Beacon is the presence datagram broadcast on the discovery port.
type Beacon struct {
	NodeID  string `json:"node_id"`
	LocalIP string `json:"local_ip"`
	TCPPort int    `json:"tcp_port"`
}

// Discovery periodically broadcasts this node's presence over UDP and
// reports every distinct peer it hears from. Bind failure disables discovery
// without stopping the node; the TCP mesh still works when seeded.
type Discovery struct {
	nodeID   string
	localIP  string
	tcpPort  int
	udpPort  int
	interval time.Duration

	conn *net.UDPConn

	// onPeer is invoked for every beacon from a different node. It must be
	// idempotent; beacons repeat every interval.
	onPeer func(id, ip string, tcpPort int)
}

func NewDiscovery(nodeID, localIP string, tcpPort, udpPort int, interval time.Duration) *Discovery {
	return &Discovery{
		nodeID:   nodeID,
		localIP:  localIP,
		tcpPort:  tcpPort,
		udpPort:  udpPort,
		interval: interval,
	}
}

// SetOnPeer registers the peer-observed callback.
func (d *Discovery) SetOnPeer(fn func(id, ip string, tcpPort int)) {
	d.onPeer = fn
}

// reusePort enables address and port reuse plus broadcast on the discovery
// socket so multiple instances can share one host.
func reusePort(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			ctrlErr = err
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			ctrlErr = err
			return
		}
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Run binds the discovery socket and drives the beacon ticker and receive
// loop until ctx is cancelled. A bind failure is logged and tolerated: Run
// returns nil and the node continues on TCP alone.
func (d *Discovery) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reusePort}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", d.udpPort))
	if err != nil {
		log.Printf("[disco] bind udp/%d failed, discovery disabled: %v", d.udpPort, err)
		return nil
	}
	d.conn = pc.(*net.UDPConn)
	defer d.conn.Close()

	log.Printf("[disco] announcing %s on udp/%d every %s", d.nodeID, d.udpPort, d.interval)

	go d.broadcastLoop(ctx)
	d.receiveLoop(ctx)
	return nil
}

// broadcastLoop sends a beacon to the subnet broadcast address and to
// loopback every interval. Loopback keeps multiple instances on one host
// discoverable even when the broadcast path is filtered.
func (d *Discovery) broadcastLoop(ctx context.Context) {
	payload, err := json.Marshal(Beacon{NodeID: d.nodeID, LocalIP: d.localIP, TCPPort: d.tcpPort})
	if err != nil {
		log.Printf("[disco] marshal beacon: %v", err)
		return
	}

	targets := []*net.UDPAddr{
		{IP: net.IPv4bcast, Port: d.udpPort},
		{IP: net.IPv4(127, 0, 0, 1), Port: d.udpPort},
	}

	send := func() {
		for _, addr := range targets {
			if _, err := d.conn.WriteToUDP(payload, addr); err != nil {
				log.Printf("[disco] beacon to %s: %v", addr, err)
			}
		}
	}

	send()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// receiveLoop reads beacons until ctx is cancelled. Reads use a short
// deadline so shutdown stays prompt.
func (d *Discovery) receiveLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		d.handleBeacon(buf[:n], addr.IP.String())
	}
}

// handleBeacon decodes one datagram and fires the peer callback. Malformed
// datagrams and our own beacons are ignored.
func (d *Discovery) handleBeacon(data []byte, fromIP string) {
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return
	}
	if b.NodeID == "" || b.NodeID == d.nodeID || b.TCPPort == 0 {
		return
	}
	ip := b.LocalIP
	if ip == "" {
		ip = fromIP
	}
	if d.onPeer != nil {
		d.onPeer(b.NodeID, ip, b.TCPPort)
	}
}

// localIPv4 returns the first non-loopback IPv4 address of this host, or
// 127.0.0.1 when none is up.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
