package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
)

const defaultWakePort = 9

// magicPacket builds a Wake-on-LAN frame: six 0xFF bytes followed by the
// target MAC repeated sixteen times.
func magicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, err
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("mac %q is not a 48-bit address", mac)
	}
	packet := bytes.Repeat([]byte{0xFF}, 6)
	packet = append(packet, bytes.Repeat(hw, 16)...)
	return packet, nil
}

func sendMagicPacket(ctx context.Context, mac, broadcast string, port int) error {
	packet, err := magicPacket(mac)
	if err != nil {
		return err
	}
	if broadcast == "" {
		broadcast = "255.255.255.255"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(broadcast, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(packet)
	return err
}
