package wmp

import (
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DiscoveryInfo is one decoded discovery reply.
type DiscoveryInfo struct {
	Model    string
	MAC      string
	IP       string
	Protocol string
	Version  string
	RSSI     string
}

// Discover broadcasts a discovery probe on the WMP control port and
// collects replies for one bounded window. Replies are delivered on the
// returned channel, which is closed when the window elapses. Re-arming
// after an empty window is the caller's responsibility.
func Discover(window time.Duration, logger log.FieldLogger) (<-chan DiscoveryInfo, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: DefaultPort})
	if err != nil {
		return nil, err
	}

	probe := []byte(DiscoverToken + "\r\n")
	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: DefaultPort}
	if _, err := conn.WriteToUDP(probe, bcast); err != nil {
		conn.Close()
		return nil, err
	}

	out := make(chan DiscoveryInfo)
	go func() {
		defer close(out)
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(window))
		buf := make([]byte, 1024)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				// deadline reached, window over
				return
			}
			reply := strings.TrimSpace(string(buf[:n]))
			logger.Infof("discovery: got %q from %s", reply, raddr)
			info, ok := ParseDiscoveryReply(reply)
			if !ok {
				// our own probe echoes back on the shared port
				continue
			}
			out <- info
		}
	}()
	return out, nil
}

// ParseDiscoveryReply decodes a DISCOVER:model,mac,ip,protocol,version,rssi
// reply. Lines without the token prefix (including the probe itself) are
// rejected.
func ParseDiscoveryReply(reply string) (DiscoveryInfo, bool) {
	body, ok := strings.CutPrefix(reply, DiscoverToken+":")
	if !ok {
		return DiscoveryInfo{}, false
	}
	parts := strings.Split(body, ",")
	if len(parts) < 6 {
		return DiscoveryInfo{}, false
	}
	return DiscoveryInfo{
		Model:    parts[0],
		MAC:      parts[1],
		IP:       parts[2],
		Protocol: parts[3],
		Version:  parts[4],
		RSSI:     parts[5],
	}, true
}
