package network

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	cerrors "connecto/errors"
	"connecto/keys"
	"connecto/models"
)

type syncPeer struct {
	handler *SyncHandler
	store   *keys.Manager
	pair    keys.KeyPair
}

func newSyncPeer(t *testing.T, name, user string, priority uint64, browser PeerBrowser, advertiser Advertiser) syncPeer {
	t.Helper()
	store := keys.WithDir(t.TempDir())
	pair := testKeyPair(t, strings.ToLower(name)+"@host")
	handler, err := NewSyncHandler(SyncOptions{
		DeviceName:     name,
		KeyPair:        pair,
		AuthorizedKeys: store,
		SSHUser:        user,
		Priority:       priority,
		Browser:        browser,
		Advertiser:     advertiser,
		DialTimeout:    time.Second,
		IOTimeout:      2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewSyncHandler failed: %v", err)
	}
	return syncPeer{handler: handler, store: store, pair: pair}
}

func (p syncPeer) hasKey(t *testing.T, key string) bool {
	t.Helper()
	list, err := p.store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, line := range list {
		if line == key {
			return true
		}
	}
	return false
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = ln.Close()
	})
	return ln
}

type respondOutcome struct {
	result SyncResult
	err    error
}

func respondOnce(t *testing.T, ln net.Listener, handler *SyncHandler, events chan<- SyncEvent) <-chan respondOutcome {
	t.Helper()
	out := make(chan respondOutcome, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			out <- respondOutcome{err: err}
			return
		}
		result, err := handler.Respond(context.Background(), conn, events)
		out <- respondOutcome{result: result, err: err}
	}()
	return out
}

func TestSyncExchangesKeysBothWays(t *testing.T) {
	alice := newSyncPeer(t, "Device A", "alice", 0, nil, nil)
	bob := newSyncPeer(t, "Device B", "bob", 0, nil, nil)

	ln := listenLoopback(t)
	responderEvents := make(chan SyncEvent, 32)
	responded := respondOnce(t, ln, bob.handler, responderEvents)

	initiatorEvents := make(chan SyncEvent, 32)
	aliceResult, err := alice.handler.Initiate(context.Background(), ln.Addr().String(), initiatorEvents)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	var bobOutcome respondOutcome
	select {
	case bobOutcome = <-responded:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for responder")
	}
	if bobOutcome.err != nil {
		t.Fatalf("Respond failed: %v", bobOutcome.err)
	}

	if aliceResult.PeerName != "Device B" || aliceResult.PeerUser != "bob" {
		t.Fatalf("initiator saw %+v", aliceResult)
	}
	if !aliceResult.PeerAddress.Equal(net.ParseIP("127.0.0.1")) {
		t.Fatalf("unexpected peer address %v", aliceResult.PeerAddress)
	}
	if int(aliceResult.PeerPort) != ln.Addr().(*net.TCPAddr).Port {
		t.Fatalf("unexpected peer port %d", aliceResult.PeerPort)
	}
	if bobOutcome.result.PeerName != "Device A" || bobOutcome.result.PeerUser != "alice" {
		t.Fatalf("responder saw %+v", bobOutcome.result)
	}

	if !alice.hasKey(t, bob.pair.PublicKey) {
		t.Fatalf("initiator is missing responder key")
	}
	if !bob.hasKey(t, alice.pair.PublicKey) {
		t.Fatalf("responder is missing initiator key")
	}

	close(initiatorEvents)
	var initiatorTypes []SyncEventType
	for ev := range initiatorEvents {
		initiatorTypes = append(initiatorTypes, ev.Type)
	}
	want := []SyncEventType{SyncConnected, SyncKeyReceived, SyncKeyAccepted, SyncCompleted}
	if len(initiatorTypes) != len(want) {
		t.Fatalf("unexpected initiator events %v", initiatorTypes)
	}
	for i := range want {
		if initiatorTypes[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], initiatorTypes[i])
		}
	}
}

func TestSyncWithSelfIsDetected(t *testing.T) {
	self := newSyncPeer(t, "Same Device", "me", 42, nil, nil)
	twin := newSyncPeer(t, "Same Device", "me", 42, nil, nil)

	ln := listenLoopback(t)
	responded := respondOnce(t, ln, self.handler, nil)

	_, err := twin.handler.Initiate(context.Background(), ln.Addr().String(), nil)
	if !cerrors.IsCode(err, cerrors.ErrSyncWithSelf) {
		t.Fatalf("expected initiator SYNC_WITH_SELF, got %v", err)
	}

	outcome := <-responded
	if !cerrors.IsCode(outcome.err, cerrors.ErrSyncWithSelf) {
		t.Fatalf("expected responder SYNC_WITH_SELF, got %v", outcome.err)
	}
	if list, _ := self.store.List(); len(list) != 0 {
		t.Fatalf("self sync must not install keys, got %v", list)
	}
}

func TestSyncSameNameDifferentPriorityProceeds(t *testing.T) {
	a := newSyncPeer(t, "Laptop", "a", 1, nil, nil)
	b := newSyncPeer(t, "Laptop", "b", 2, nil, nil)

	ln := listenLoopback(t)
	responded := respondOnce(t, ln, b.handler, nil)

	if _, err := a.handler.Initiate(context.Background(), ln.Addr().String(), nil); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if outcome := <-responded; outcome.err != nil {
		t.Fatalf("Respond failed: %v", outcome.err)
	}
}

func TestSyncResponderRejectsVersionMismatch(t *testing.T) {
	peer := newSyncPeer(t, "B", "bob", 0, nil, nil)
	ln := listenLoopback(t)
	responded := respondOnce(t, ln, peer.handler, nil)

	reply := exchangeRaw(t, ln.Addr().String(), SyncHello{
		Type:       TypeSyncHello,
		Version:    3,
		DeviceName: "A",
		PublicKey:  "ssh-ed25519 AAAA a",
	})
	errMsg, ok := reply.(ErrorMessage)
	if !ok || errMsg.Code != CodeVersionMismatch {
		t.Fatalf("expected version mismatch error, got %+v", reply)
	}
	if outcome := <-responded; !cerrors.IsCode(outcome.err, cerrors.ErrProtocol) {
		t.Fatalf("expected PROTOCOL error, got %v", outcome.err)
	}
}

func TestSyncResponderRejectsPairingHello(t *testing.T) {
	peer := newSyncPeer(t, "B", "bob", 0, nil, nil)
	ln := listenLoopback(t)
	respondOnce(t, ln, peer.handler, nil)

	reply := exchangeRaw(t, ln.Addr().String(), NewHello("pairing client"))
	errMsg, ok := reply.(ErrorMessage)
	if !ok || errMsg.Code != CodeExpectedHello || errMsg.Message != "Expected SyncHello message" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestSyncInitiatorReportsPeerFailure(t *testing.T) {
	peer := newSyncPeer(t, "A", "alice", 0, nil, nil)
	ln := listenLoopback(t)

	other := testKeyPair(t, "b@host")
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		c := NewConn(conn, 2*time.Second)
		if _, err := c.ReadMessage(); err != nil {
			return
		}
		_ = c.WriteMessage(SyncHelloAck{
			Type:       TypeSyncHelloAck,
			Version:    ProtocolVersion,
			DeviceName: "B",
			PublicKey:  other.PublicKey,
			KeyComment: other.Comment,
			SSHUser:    "bob",
			AcceptSync: true,
		})
		if _, err := c.ReadMessage(); err != nil {
			return
		}
		_ = c.WriteMessage(NewSyncComplete(false, "disk full"))
	}()

	_, err := peer.handler.Initiate(context.Background(), ln.Addr().String(), nil)
	if !cerrors.IsCode(err, cerrors.ErrSync) {
		t.Fatalf("expected SYNC error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Peer reported failure: disk full") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

type fakeBrowser struct {
	devices []models.DiscoveredDevice
}

func (b fakeBrowser) BrowsePeers(ctx context.Context) (<-chan models.DiscoveredDevice, error) {
	out := make(chan models.DiscoveredDevice, len(b.devices))
	for _, d := range b.devices {
		out <- d
	}
	return out, nil
}

type fakeAdvertiser struct {
	mu      sync.Mutex
	port    int
	stopped bool
}

func (a *fakeAdvertiser) Advertise(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.port = port
	return nil
}

func (a *fakeAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

func TestServeFindsPeerAndCompletes(t *testing.T) {
	bobListener := listenLoopback(t)
	bobPort := bobListener.Addr().(*net.TCPAddr).Port

	browser := fakeBrowser{devices: []models.DiscoveredDevice{{
		Name:      "Device B (host-b)",
		Addresses: []net.IP{net.ParseIP("127.0.0.1")},
		Port:      uint16(bobPort),
	}}}
	advertiser := &fakeAdvertiser{}
	alice := newSyncPeer(t, "Device A", "alice", 0, browser, advertiser)
	bob := newSyncPeer(t, "Device B", "bob", 0, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type serveOutcome struct {
		result SyncResult
		err    error
	}
	bobDone := make(chan serveOutcome, 1)
	go func() {
		result, err := bob.handler.Serve(ctx, bobListener, 5*time.Second, nil)
		bobDone <- serveOutcome{result, err}
	}()

	aliceEvents := make(chan SyncEvent, 64)
	aliceResult, err := alice.handler.Serve(ctx, listenLoopback(t), 5*time.Second, aliceEvents)
	if err != nil {
		t.Fatalf("initiating Serve failed: %v", err)
	}
	if aliceResult.PeerName != "Device B" {
		t.Fatalf("unexpected peer %+v", aliceResult)
	}

	bobOutcome := <-bobDone
	if bobOutcome.err != nil {
		t.Fatalf("responding Serve failed: %v", bobOutcome.err)
	}
	if bobOutcome.result.PeerName != "Device A" {
		t.Fatalf("unexpected peer %+v", bobOutcome.result)
	}

	advertiser.mu.Lock()
	defer advertiser.mu.Unlock()
	if advertiser.port == 0 || !advertiser.stopped {
		t.Fatalf("advertiser not started and stopped: %+v", advertiser)
	}

	sawPeerFound := false
	for len(aliceEvents) > 0 {
		if ev := <-aliceEvents; ev.Type == SyncPeerFound {
			sawPeerFound = true
		}
	}
	if !sawPeerFound {
		t.Fatalf("expected a peer_found event")
	}
}

func TestServeKeepsWaitingAfterFailedExchange(t *testing.T) {
	bob := newSyncPeer(t, "Device B", "bob", 0, nil, nil)
	alice := newSyncPeer(t, "Device A", "alice", 0, nil, nil)
	ln := listenLoopback(t)

	done := make(chan error, 1)
	go func() {
		_, err := bob.handler.Serve(context.Background(), ln, 5*time.Second, nil)
		done <- err
	}()

	reply := exchangeRaw(t, ln.Addr().String(), NewHello("wrong protocol"))
	if _, ok := reply.(ErrorMessage); !ok {
		t.Fatalf("expected Error reply, got %T", reply)
	}

	if _, err := alice.handler.Initiate(context.Background(), ln.Addr().String(), nil); err != nil {
		t.Fatalf("Initiate after failed exchange failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve did not return after successful exchange")
	}
}

func TestServeTimesOut(t *testing.T) {
	peer := newSyncPeer(t, "Lonely", "me", 0, fakeBrowser{}, nil)
	events := make(chan SyncEvent, 16)

	start := time.Now()
	_, err := peer.handler.Serve(context.Background(), listenLoopback(t), 150*time.Millisecond, events)
	if !cerrors.IsCode(err, cerrors.ErrTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}

	var last SyncEvent
	for len(events) > 0 {
		last = <-events
	}
	if last.Type != SyncFailed || last.Message != "Timeout waiting for sync peer" {
		t.Fatalf("expected final failed event, got %+v", last)
	}
}

func TestServeReportsSyncWithSelf(t *testing.T) {
	ln := listenLoopback(t)
	browser := fakeBrowser{devices: []models.DiscoveredDevice{{
		Name:      "Solo (host)",
		Addresses: []net.IP{net.ParseIP("127.0.0.1")},
		Port:      uint16(ln.Addr().(*net.TCPAddr).Port),
	}}}
	peer := newSyncPeer(t, "Solo", "me", 7, browser, nil)
	events := make(chan SyncEvent, 64)

	_, err := peer.handler.Serve(context.Background(), ln, 500*time.Millisecond, events)
	if !cerrors.IsCode(err, cerrors.ErrSyncWithSelf) {
		t.Fatalf("expected SYNC_WITH_SELF, got %v", err)
	}

	failures := 0
	var last SyncEvent
	for len(events) > 0 {
		last = <-events
		if last.Type == SyncFailed && strings.Contains(last.Message, "Connected to ourselves") {
			failures++
		}
	}
	if failures == 0 {
		t.Fatalf("expected a failed event for the self exchange")
	}
	if last.Type != SyncFailed || last.Message != "Timeout waiting for sync peer" {
		t.Fatalf("expected final timeout event, got %+v", last)
	}
	if list, _ := peer.store.List(); len(list) != 0 {
		t.Fatalf("self sync must not install keys, got %v", list)
	}
}

func TestNewSyncHandlerValidates(t *testing.T) {
	store := keys.WithDir(t.TempDir())
	if _, err := NewSyncHandler(SyncOptions{KeyPair: testKeyPair(t, "x"), AuthorizedKeys: store}); !cerrors.IsCode(err, cerrors.ErrConfig) {
		t.Fatalf("expected CONFIG error for missing name, got %v", err)
	}
	if _, err := NewSyncHandler(SyncOptions{DeviceName: "x", AuthorizedKeys: store}); !cerrors.IsCode(err, cerrors.ErrKeyParsing) {
		t.Fatalf("expected KEY_PARSING error for missing key, got %v", err)
	}

	h, err := NewSyncHandler(SyncOptions{DeviceName: "x", KeyPair: testKeyPair(t, "x"), AuthorizedKeys: store})
	if err != nil {
		t.Fatalf("NewSyncHandler failed: %v", err)
	}
	if h.Priority() == 0 {
		t.Fatalf("expected a random non-zero priority")
	}
}
