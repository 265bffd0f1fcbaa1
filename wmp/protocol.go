// Package wmp implements the WMP line protocol spoken by Intesis-style
// climate control gateways: wire parsing and encoding, per-device sessions
// with request/response correlation, limits negotiation, an emulated
// off-mode overlay, readiness probing, keep-alive and UDP discovery.
//
// Wire format is line oriented: inbound messages are terminated with \r\n,
// outbound commands with \n. A message is TYPE[,unit]:body, e.g.
//
//	ID:ModelX,AA:BB:CC:DD:EE:FF,10.0.0.5,1,1.2,-50
//	CHN,1:AMBTEMP,215
//	LIMITS:MODE,[AUTO,HEAT,DRY,FAN,COOL]
package wmp

import "time"

// Message types
const (
	MsgID     = "ID"
	MsgInfo   = "INFO"
	MsgGet    = "GET"
	MsgSet    = "SET"
	MsgChange = "CHN"
	MsgAck    = "ACK"
	MsgErr    = "ERR"
	MsgPing   = "PING"
	MsgLimits = "LIMITS"
)

// DiscoverToken starts a UDP discovery probe and prefixes every reply.
const DiscoverToken = "DISCOVER"

// Controllable and reported features
const (
	FeatOnOff     = "ONOFF"
	FeatMode      = "MODE"
	FeatSetpoint  = "SETPTEMP"
	FeatFanSpeed  = "FANSP"
	FeatVaneUD    = "VANEUD"
	FeatVaneLR    = "VANELR"
	FeatAmbTemp   = "AMBTEMP"
	FeatErrStatus = "ERRSTATUS"
	FeatErrCode   = "ERRCODE"

	// FeatStandbyMode is the synthetic feature exposed to the bus when
	// off-mode is active. It never appears on the wire; GET/SET of it are
	// rewritten to operate on MODE.
	FeatStandbyMode = "STBYMODE"

	// FeatAll is the wildcard used for full status refreshes.
	FeatAll = "*"
)

// Feature values
const (
	ValOn   = "ON"
	ValOff  = "OFF"
	ValAuto = "AUTO"
	ValHeat = "HEAT"
	ValDry  = "DRY"
	ValFan  = "FAN"
	ValCool = "COOL"
)

// DefaultPort is the WMP control port, TCP for sessions and UDP for
// discovery.
const DefaultPort = 3310

// Protocol timings
const (
	DialTimeout       = 10 * time.Second
	CommandTimeout    = 5 * time.Second
	ReconnectDelay    = 10 * time.Second
	ReadyProbeDelay   = 3 * time.Second
	ReadyCheckDelay   = 10 * time.Second
	KeepAliveInterval = 60 * time.Second
	DiscoveryWindow   = 1 * time.Second
)

// Keep-alive strategies
const (
	KeepAliveOff     = "off"
	KeepAliveID      = "id"
	KeepAlivePing    = "ping"
	KeepAlivePolling = "polling"
)

// Device types
const (
	DeviceTypeBox     = "box"
	DeviceTypeGateway = "gateway"
)

// LimitedRanges lists the features whose allowed ranges are queried from
// the device at session start. A feature answering with an empty list is
// considered disabled and any SET on it is rejected locally.
var LimitedRanges = []string{
	FeatOnOff,
	FeatMode,
	FeatSetpoint,
	FeatFanSpeed,
	FeatVaneUD,
	FeatVaneLR,
}

// AllowedGetFeatures are the features a GET may target.
var AllowedGetFeatures = []string{
	FeatAll,
	FeatOnOff,
	FeatMode,
	FeatSetpoint,
	FeatFanSpeed,
	FeatVaneUD,
	FeatVaneLR,
	FeatAmbTemp,
	FeatErrStatus,
	FeatErrCode,
}

// AllowedSetFeatures are the features a SET may target.
var AllowedSetFeatures = []string{
	FeatOnOff,
	FeatMode,
	FeatSetpoint,
	FeatFanSpeed,
	FeatVaneUD,
	FeatVaneLR,
}

// AbsoluteLimits holds the device-independent hard bounds per feature.
// A LIMITS-set command may only narrow a range within these. The setpoint
// pair is in protocol fixed-point units (degrees x10).
var AbsoluteLimits = map[string][]string{
	FeatOnOff:    {ValOn, ValOff},
	FeatMode:     {ValAuto, ValHeat, ValDry, ValFan, ValCool},
	FeatFanSpeed: {ValAuto, "1", "2", "3", "4", "5", "6", "7", "8", "9"},
	FeatVaneUD:   {ValAuto, "1", "2", "3", "4", "5", "6", "7", "8", "9", "SWING", "PULSE"},
	FeatVaneLR:   {ValAuto, "1", "2", "3", "4", "5", "6", "7", "8", "9", "SWING", "PULSE"},
	FeatSetpoint: {"160", "320"},
}

// temperatureFeature reports whether values of feature use the protocol's
// fixed-point convention (value x10) on the wire.
func temperatureFeature(feature string) bool {
	return feature == FeatAmbTemp || feature == FeatSetpoint
}

func stringIn(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
