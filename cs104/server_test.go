// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs104

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/riclolsen/go-cs104/asdu"
)

func enqueueSpontaneous(t *testing.T, srv *Server, value byte) []byte {
	t.Helper()
	raw := spontaneousASDU(t, value)
	a := asdu.NewEmptyASDU(srv.Params())
	if err := a.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}
	if err := srv.EnqueueASDU(a); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return raw
}

func TestEnqueueBeforeStart(t *testing.T) {
	srv := NewServer(4, 4)
	srv.SetLogMode(false)

	a := asdu.NewEmptyASDU(srv.Params())
	if err := a.UnmarshalBinary([]byte{1, 1, 3, 0, 1, 0, 1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := srv.EnqueueASDU(a); err != ErrServerNotStarted {
		t.Errorf("expected ErrServerNotStarted, got %v", err)
	}
}

func TestConnectionIsRedundancyGroupBroadcast(t *testing.T) {
	srv, addr := startTestServer(t, func(s *Server) {
		s.SetServerMode(ModeConnectionIsRedundancyGroup)
	})

	peerA := dialMaster(t, addr)
	activate(t, peerA)
	peerB := dialMaster(t, addr)
	activate(t, peerB)

	// in this mode both sessions stay active
	waitFor(t, 2*time.Second, func() bool { return activeConnections(srv) == 2 })

	want := enqueueSpontaneous(t, srv, 0x11)

	apduA := readAPDU(t, peerA, 2*time.Second)
	apduB := readAPDU(t, peerB, 2*time.Second)
	if !bytes.Equal(apduA[6:], want) {
		t.Errorf("peer A payload = % X, want % X", apduA[6:], want)
	}
	if !bytes.Equal(apduB[6:], want) {
		t.Errorf("peer B payload = % X, want % X", apduB[6:], want)
	}
}

func TestMultipleRedundancyGroupsCatchAll(t *testing.T) {
	group := NewRedundancyGroup("remote")
	if err := group.AddAllowedClient("10.11.12.13"); err != nil {
		t.Fatal(err)
	}
	catchAll := NewRedundancyGroup("fallback")

	srv, addr := startTestServer(t, func(s *Server) {
		s.SetServerMode(ModeMultipleRedundancyGroups)
		s.AddRedundancyGroup(group)
		s.AddRedundancyGroup(catchAll)
	})

	conn := dialMaster(t, addr) // 127.0.0.1 matches only the catch-all
	activate(t, conn)

	want := enqueueSpontaneous(t, srv, 0x22)
	apdu := readAPDU(t, conn, 2*time.Second)
	if !bytes.Equal(apdu[6:], want) {
		t.Errorf("payload = % X, want % X", apdu[6:], want)
	}
}

func TestMultipleRedundancyGroupsNoMatchRejected(t *testing.T) {
	group := NewRedundancyGroup("remote")
	if err := group.AddAllowedClient("10.11.12.13"); err != nil {
		t.Fatal(err)
	}

	_, addr := startTestServer(t, func(s *Server) {
		s.SetServerMode(ModeMultipleRedundancyGroups)
		s.AddRedundancyGroup(group)
	})

	conn := dialMaster(t, addr)
	expectClosed(t, conn, 2*time.Second)
}

func TestConnectionRequestHandlerGate(t *testing.T) {
	peers := make(chan string, 1)
	_, addr := startTestServer(t, func(s *Server) {
		s.SetConnectionRequestHandler(func(peerAddr string) bool {
			peers <- peerAddr
			return false
		})
	})

	conn := dialMaster(t, addr)
	expectClosed(t, conn, 2*time.Second)

	select {
	case gotPeer := <-peers:
		if gotPeer != "127.0.0.1" {
			t.Errorf("handler saw peer %q, want 127.0.0.1", gotPeer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection request handler not invoked")
	}
}

func TestMaxOpenConnections(t *testing.T) {
	_, addr := startTestServer(t, func(s *Server) {
		s.SetMaxOpenConnections(1)
	})

	first := dialMaster(t, addr)
	activate(t, first)

	second := dialMaster(t, addr)
	expectClosed(t, second, 2*time.Second)
}

func TestConnectionEvents(t *testing.T) {
	type event struct {
		e ConnectionEvent
	}
	events := make(chan event, 16)

	_, addr := startTestServer(t, func(s *Server) {
		s.SetConnectionEventHandler(func(conn *MasterConnection, e ConnectionEvent) {
			events <- event{e}
		})
	})

	conn := dialMaster(t, addr)
	activate(t, conn)
	_ = conn.Close()

	want := []ConnectionEvent{ConnectionOpened, ConnectionActivated, ConnectionClosed}
	for _, w := range want {
		select {
		case got := <-events:
			if got.e != w {
				t.Fatalf("event = %v, want %v", got.e, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("missing event %v", w)
		}
	}
}

func TestRawMessageTap(t *testing.T) {
	type tap struct {
		data []byte
		sent bool
	}
	taps := make(chan tap, 16)

	_, addr := startTestServer(t, func(s *Server) {
		s.SetRawMessageHandler(func(conn *MasterConnection, data []byte, sent bool) {
			taps <- tap{append([]byte(nil), data...), sent}
		})
	})

	conn := dialMaster(t, addr)
	activate(t, conn)

	select {
	case got := <-taps:
		if got.sent || !bytes.Equal(got.data, startDTActMsg) {
			t.Errorf("first tap = % X sent=%v, want received STARTDT_ACT", got.data, got.sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missing receive tap")
	}
	select {
	case got := <-taps:
		if !got.sent || !bytes.Equal(got.data, startDTConMsg) {
			t.Errorf("second tap = % X sent=%v, want sent STARTDT_CON", got.data, got.sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missing send tap")
	}
}

type countingPlugin struct {
	handled  chan *asdu.ASDU
	periodic chan struct{}
}

func (sf *countingPlugin) HandleASDU(conn *MasterConnection, a *asdu.ASDU) PluginResult {
	select {
	case sf.handled <- a.Clone():
	default:
	}
	return PluginHandled
}

func (sf *countingPlugin) RunPeriodic(conn *MasterConnection) {
	select {
	case sf.periodic <- struct{}{}:
	default:
	}
}

func TestPluginShortCircuitsHandlers(t *testing.T) {
	plugin := &countingPlugin{
		handled:  make(chan *asdu.ASDU, 1),
		periodic: make(chan struct{}, 1),
	}
	_, addr := startTestServer(t, func(s *Server) {
		s.AddPlugin(plugin)
	})

	conn := dialMaster(t, addr)
	activate(t, conn)
	sendIFrame(t, conn, 0, 0, spontaneousASDU(t, 3))

	select {
	case a := <-plugin.handled:
		if a.Type != asdu.M_SP_NA_1 {
			t.Errorf("plugin saw type %v", a.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("plugin not invoked")
	}

	// handled by the plugin: no negative response goes out
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("unexpected response % X", buf[:n])
	}

	select {
	case <-plugin.periodic:
	case <-time.After(2 * time.Second):
		t.Fatal("plugin periodic task not invoked")
	}
}

func TestThreadlessDriver(t *testing.T) {
	srv := NewServer(8, 4)
	srv.SetLogMode(false)
	srv.SetLocalAddress("127.0.0.1")
	srv.SetLocalPort(0)
	if err := srv.StartThreadless(); err != nil {
		t.Fatalf("start threadless failed: %v", err)
	}
	defer srv.StopThreadless()

	if !srv.IsRunning() {
		t.Fatal("server not running")
	}

	done := make(chan error, 1)
	go func() {
		conn, err := dialRaw(srv.ListenAddr())
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()

		if _, err := conn.Write(startDTActMsg); err != nil {
			done <- err
			return
		}
		apdu, err := readAPDURaw(conn, 5*time.Second)
		if err != nil {
			done <- err
			return
		}
		if !bytes.Equal(apdu, startDTConMsg) {
			done <- errUnexpectedFrame
			return
		}
		done <- nil
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		srv.Tick()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("master side: %v", err)
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("threadless handshake timed out")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAPCIParamsValid(t *testing.T) {
	p := APCIParams{}
	if err := p.Valid(); err != nil {
		t.Fatalf("zero params must default: %v", err)
	}
	if p.SendUnackLimitK != DefaultSendUnackLimitK || p.RecvUnackLimitW != DefaultRecvUnackLimitW {
		t.Errorf("defaults not applied: %+v", p)
	}

	p = APCIParams{TimeoutResponseT1: 2 * time.Second, TimeoutConfirmT2: 3 * time.Second}
	if err := p.Valid(); err == nil {
		t.Error("t2 >= t1 must be rejected")
	}

	p = APCIParams{TimeoutTestT3: 49 * time.Hour}
	if err := p.Valid(); err == nil {
		t.Error("t3 beyond 48h must be rejected")
	}
}

func TestRedundancyGroupMatching(t *testing.T) {
	group := NewRedundancyGroup("g")
	if err := group.AddAllowedClient("192.168.1.10"); err != nil {
		t.Fatal(err)
	}
	if err := group.AddAllowedClient("not-an-ip"); err == nil {
		t.Error("invalid address must be rejected")
	}
	if group.isCatchAll() {
		t.Error("group with allow-list is not catch-all")
	}
	if NewRedundancyGroup("").isCatchAll() != true {
		t.Error("empty group must be catch-all")
	}
}

var errUnexpectedFrame = errors.New("unexpected frame")

func dialRaw(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, time.Second)
}

func readAPDURaw(conn net.Conn, timeout time.Duration) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	apdu := make([]byte, 2+int(header[1]))
	copy(apdu, header)
	if _, err := io.ReadFull(conn, apdu[2:]); err != nil {
		return nil, err
	}
	return apdu, nil
}
