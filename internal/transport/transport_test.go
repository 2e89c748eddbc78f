package transport

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/ahenk-go/syncd/internal/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello, peer")
	var buf bytes.Buffer
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf, 1<<20)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("readFrame = %q, want %q", got, payload)
	}
}

func TestReadFrame_RejectsOversized(t *testing.T) {
	payload := make([]byte, 100)
	var buf bytes.Buffer
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if _, err := readFrame(&buf, 10); err == nil {
		t.Fatal("expected readFrame to reject a frame larger than max_message_size")
	}
}

func TestTransport_ListenDialHandshakeAndSend(t *testing.T) {
	server := New(Config{ListenAddr: "127.0.0.1:0", MaxMessageSize: 1 << 20}, "server-identity", nil)
	if err := server.Listen(); err != nil {
		t.Fatalf("server Listen: %v", err)
	}
	defer server.Close()

	client := New(Config{ListenAddr: "127.0.0.1:0", MaxMessageSize: 1 << 20}, "client-identity", nil)
	if err := client.Listen(); err != nil {
		t.Fatalf("client Listen: %v", err)
	}
	defer client.Close()

	serverPort := server.Addr().(*net.TCPAddr).Port
	serverAddr, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/" + strconv.Itoa(serverPort))
	if err != nil {
		t.Fatalf("NewMultiaddr: %v", err)
	}

	if err := client.Dial("server-identity", serverAddr); err != nil {
		t.Fatalf("client Dial: %v", err)
	}

	// the dialing side must announce itself first so the server's
	// accept loop can register the connection under the right identity.
	announce := protocol.Announce{UserID: "u1", DeviceID: "d1", PeerIdentity: "client-identity"}
	if err := client.Send("server-identity", announce); err != nil {
		t.Fatalf("client Send(announce): %v", err)
	}

	select {
	case ev := <-server.Events():
		got, ok := ev.Message.(protocol.Announce)
		if !ok {
			t.Fatalf("server received %T, want protocol.Announce", ev.Message)
		}
		if got != announce {
			t.Fatalf("server received %+v, want %+v", got, announce)
		}
		if ev.PeerIdentity != "client-identity" {
			t.Fatalf("server attributed message to peer %q, want %q", ev.PeerIdentity, "client-identity")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive the handshake announce")
	}

	// now the server can send back to the client by its announced identity
	hb := protocol.Heartbeat{DeviceID: "server-device", HLC: 12345}
	if err := server.Send("client-identity", hb); err != nil {
		t.Fatalf("server Send(heartbeat): %v", err)
	}

	select {
	case ev := <-client.Events():
		got, ok := ev.Message.(protocol.Heartbeat)
		if !ok {
			t.Fatalf("client received %T, want protocol.Heartbeat", ev.Message)
		}
		if got != hb {
			t.Fatalf("client received %+v, want %+v", got, hb)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client to receive the heartbeat")
	}
}

func TestTransport_SendToUnknownPeerFails(t *testing.T) {
	tr := New(Config{ListenAddr: "127.0.0.1:0"}, "solo", nil)
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer tr.Close()

	err := tr.Send("nobody", protocol.Heartbeat{DeviceID: "d1", HLC: 1})
	if err == nil {
		t.Fatal("expected Send to an unconnected peer to fail")
	}
}

