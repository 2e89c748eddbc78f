package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// discoveryPacket is the small payload broadcast on the local network so
// devices on the same subnet can find each other without a bootstrap list.
type discoveryPacket struct {
	DeviceID     string `json:"device_id"`
	PeerIdentity string `json:"peer_identity"`
	DialBack     string `json:"dial_back"` // multiaddress, e.g. /ip4/.../tcp/...
}

// DiscoveredPeer is reported to the caller when a broadcast from another
// device is observed.
type DiscoveredPeer struct {
	DeviceID     string
	PeerIdentity string
	Addr         multiaddr.Multiaddr
}

// StartLocalDiscovery periodically broadcasts presence on the local subnet
// and reports peers discovered from other devices' broadcasts via the
// returned channel. It stops when ctx is canceled.
func (t *Transport) StartLocalDiscovery(ctx context.Context, deviceID string, dialBackPort int) (<-chan DiscoveredPeer, error) {
	if !t.cfg.EnableLocalDiscovery {
		return nil, fmt.Errorf("local discovery is disabled in transport config")
	}

	port := t.cfg.DiscoveryPort
	if port == 0 {
		port = 47891
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen udp discovery port %d: %w", port, err)
	}

	out := make(chan DiscoveredPeer, 32)

	t.wg.Add(1)
	go t.discoveryReadLoop(ctx, conn, out)

	t.wg.Add(1)
	go t.discoveryBroadcastLoop(ctx, conn, deviceID, dialBackPort, port)

	return out, nil
}

func (t *Transport) discoveryReadLoop(ctx context.Context, conn *net.UDPConn, out chan<- DiscoveredPeer) {
	defer t.wg.Done()
	defer close(out)

	buf := make([]byte, 2048)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-t.stopCh:
			_ = conn.Close()
			return
		default:
		}
		if err != nil {
			continue // read timeout, loop and re-check cancellation
		}

		var pkt discoveryPacket
		if jsonErr := json.Unmarshal(buf[:n], &pkt); jsonErr != nil {
			continue
		}
		if pkt.PeerIdentity == t.localIdentity {
			continue // our own broadcast looped back
		}
		addr, maErr := multiaddr.NewMultiaddr(pkt.DialBack)
		if maErr != nil {
			t.logger.Debug("discovery packet with unparseable dial-back address", zap.Error(maErr))
			continue
		}
		// broadcasters advertise the unspecified address; dial back to the
		// host the packet actually came from.
		if ip, ipErr := addr.ValueForProtocol(multiaddr.P_IP4); ipErr == nil && ip == "0.0.0.0" && src != nil {
			if port, pErr := addr.ValueForProtocol(multiaddr.P_TCP); pErr == nil {
				if fromSrc, srcErr := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%s", src.IP.String(), port)); srcErr == nil {
					addr = fromSrc
				}
			}
		}

		select {
		case out <- DiscoveredPeer{DeviceID: pkt.DeviceID, PeerIdentity: pkt.PeerIdentity, Addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) discoveryBroadcastLoop(ctx context.Context, conn *net.UDPConn, deviceID string, dialBackPort, discoveryPort int) {
	defer t.wg.Done()

	dialBack := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", dialBackPort)
	pkt := discoveryPacket{DeviceID: deviceID, PeerIdentity: t.localIdentity, DialBack: dialBack}
	payload, err := json.Marshal(pkt)
	if err != nil {
		t.logger.Error("failed to encode discovery packet", zap.Error(err))
		return
	}

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: discoveryPort}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		if _, err := conn.WriteToUDP(payload, dest); err != nil {
			t.logger.Debug("discovery broadcast send failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// RegisterWithRelay announces this node's identity and dial-back address to
// a relay server so peers behind NAT can be reached indirectly. The relay
// protocol itself (beyond registration) is out of scope; this writes one
// registration frame carrying the local peer identity and then closes the
// connection.
func (t *Transport) RegisterWithRelay(relay multiaddr.Multiaddr) error {
	if !t.cfg.EnableRelay {
		return fmt.Errorf("relay is disabled in transport config")
	}
	network, address, err := dialArgs(relay)
	if err != nil {
		return fmt.Errorf("relay address: %w", err)
	}

	conn, err := net.DialTimeout(network, address, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	payload, err := json.Marshal(discoveryPacket{PeerIdentity: t.localIdentity})
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := writeFrame(conn, payload); err != nil {
		_ = conn.Close()
		return fmt.Errorf("relay registration handshake: %w", err)
	}

	t.logger.Info("registered with relay", zap.String("relay", relay.String()))
	_ = conn.Close()
	return nil
}
