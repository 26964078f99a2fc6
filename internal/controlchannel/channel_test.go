package controlchannel

import (
	"encoding/base64"
	"testing"

	"github.com/ple7mesh/meshagent/internal/logging"
)

func TestToWebsocketURL_convertsHttpToWsAndAppendsToken(t *testing.T) {
	got, err := toWebsocketURL("http://control.example.com", "jwt-token")
	if err != nil {
		t.Fatalf("toWebsocketURL: %v", err)
	}
	want := "ws://control.example.com/ws/mesh?token=jwt-token"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestToWebsocketURL_convertsHttpsToWss(t *testing.T) {
	got, err := toWebsocketURL("https://control.example.com/api", "abc")
	if err != nil {
		t.Fatalf("toWebsocketURL: %v", err)
	}
	want := "wss://control.example.com/api/ws/mesh?token=abc"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestToWebsocketURL_rejectsUnsupportedScheme(t *testing.T) {
	if _, err := toWebsocketURL("ftp://example.com", "x"); err == nil {
		t.Fatalf("expected an error for an unsupported scheme")
	}
}

type fakeHandler struct {
	endpointUpdates []string
	onlineCalls     []string
	offlineCalls    []string
	configUpdates   []string
}

func (f *fakeHandler) OnPeerEndpointUpdate(deviceID string, publicKey []byte, endpoint string) {
	f.endpointUpdates = append(f.endpointUpdates, deviceID+":"+endpoint)
}
func (f *fakeHandler) OnPeerOnline(deviceID string, publicKey []byte) {
	f.onlineCalls = append(f.onlineCalls, deviceID)
}
func (f *fakeHandler) OnPeerOffline(deviceID string) {
	f.offlineCalls = append(f.offlineCalls, deviceID)
}
func (f *fakeHandler) OnNetworkConfigUpdate(networkID string) {
	f.configUpdates = append(f.configUpdates, networkID)
}

func decodeRaw(t *testing.T, payload string) rawMessage {
	t.Helper()
	var raw rawMessage
	if err := raw.UnmarshalJSON([]byte(payload)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	return raw
}

func TestDispatch_peerEndpointUpdate(t *testing.T) {
	h := &fakeHandler{}
	c := New("http://x", "t", "dev-a", "net-1", h, logging.Nop{})

	pubKey := base64.StdEncoding.EncodeToString(make([]byte, 32))
	payload := `{"type":"PeerEndpointUpdate","device_id":"dev-b","public_key":"` + pubKey + `","endpoint":"1.2.3.4:51820"}`
	c.dispatch(nil, nil, decodeRaw(t, payload))

	if len(h.endpointUpdates) != 1 || h.endpointUpdates[0] != "dev-b:1.2.3.4:51820" {
		t.Fatalf("unexpected endpoint updates: %v", h.endpointUpdates)
	}
}

func TestDispatch_peerOnlineAndOffline(t *testing.T) {
	h := &fakeHandler{}
	c := New("http://x", "t", "dev-a", "net-1", h, logging.Nop{})

	pubKey := base64.StdEncoding.EncodeToString(make([]byte, 32))
	c.dispatch(nil, nil, decodeRaw(t, `{"type":"PeerOnline","device_id":"dev-b","public_key":"`+pubKey+`"}`))
	c.dispatch(nil, nil, decodeRaw(t, `{"type":"PeerOffline","device_id":"dev-c"}`))

	if len(h.onlineCalls) != 1 || h.onlineCalls[0] != "dev-b" {
		t.Fatalf("unexpected online calls: %v", h.onlineCalls)
	}
	if len(h.offlineCalls) != 1 || h.offlineCalls[0] != "dev-c" {
		t.Fatalf("unexpected offline calls: %v", h.offlineCalls)
	}
}

func TestDispatch_networkConfigUpdate(t *testing.T) {
	h := &fakeHandler{}
	c := New("http://x", "t", "dev-a", "net-1", h, logging.Nop{})

	c.dispatch(nil, nil, decodeRaw(t, `{"type":"NetworkConfigUpdate","network_id":"net-9"}`))

	if len(h.configUpdates) != 1 || h.configUpdates[0] != "net-9" {
		t.Fatalf("unexpected config updates: %v", h.configUpdates)
	}
}

func TestDispatch_unknownTypeIsIgnoredNotPanicked(t *testing.T) {
	h := &fakeHandler{}
	c := New("http://x", "t", "dev-a", "net-1", h, logging.Nop{})
	c.dispatch(nil, nil, decodeRaw(t, `{"type":"SomethingNew","foo":"bar"}`))
	if len(h.endpointUpdates)+len(h.onlineCalls)+len(h.offlineCalls)+len(h.configUpdates) != 0 {
		t.Fatalf("unknown message type should not invoke any handler callback")
	}
}
