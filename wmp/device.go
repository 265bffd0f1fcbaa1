package wmp

import (
	"fmt"
	"net"
	"strconv"
)

// Unit describes one controllable indoor unit behind a gateway connection.
type Unit struct {
	ID          int
	Type        string
	Description string
}

// Device describes a target WMP box or gateway. It is immutable once a
// session has been created for it; the MAC identifier is learned from the
// device itself, never configured.
type Device struct {
	Type      string
	IP        string
	Port      int
	KeepAlive string
	OffMode   bool
	Units     []Unit
}

// DefaultDevice builds the descriptor used for discovered devices: a single
// indoor unit box on the standard port with identify keep-alive.
func DefaultDevice(ip string, offMode bool) Device {
	return Device{
		Type:      DeviceTypeBox,
		IP:        ip,
		Port:      DefaultPort,
		KeepAlive: KeepAliveID,
		OffMode:   offMode,
		Units:     []Unit{{ID: 1, Type: "IU", Description: "AC Unit"}},
	}
}

// Addr returns the TCP dial address for the device.
func (d Device) Addr() string {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(d.IP, strconv.Itoa(port))
}

func (d Device) validUnit(unit int) bool {
	return unit > 0 && unit <= len(d.Units)
}

func (d Device) String() string {
	return fmt.Sprintf("%s[%s]", d.Type, d.Addr())
}
