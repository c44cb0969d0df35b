// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs104

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/riclolsen/go-cs104/asdu"
)

var startDTActMsg = []byte{0x68, 0x04, 0x07, 0x00, 0x00, 0x00}
var stopDTActMsg = []byte{0x68, 0x04, 0x13, 0x00, 0x00, 0x00}

func startTestServer(t *testing.T, configure func(*Server)) (*Server, string) {
	t.Helper()
	srv := NewServer(16, 8)
	srv.SetLogMode(false)
	srv.SetLocalAddress("127.0.0.1")
	srv.SetLocalPort(0)
	if configure != nil {
		configure(srv)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, srv.ListenAddr()
}

func dialMaster(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readAPDU reads one complete APDU from the master side.
func readAPDU(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("reading APDU header: %v", err)
	}
	apdu := make([]byte, 2+int(header[1]))
	copy(apdu, header)
	if _, err := io.ReadFull(conn, apdu[2:]); err != nil {
		t.Fatalf("reading APDU body: %v", err)
	}
	return apdu
}

// expectClosed waits for the server to drop the connection.
func expectClosed(t *testing.T, conn net.Conn, timeout time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			if err == io.EOF {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatal("connection still open")
			}
			return // reset counts as closed too
		}
	}
}

func sendIFrame(t *testing.T, conn net.Conn, sendSeqNo, recvSeqNo uint16, asduBytes []byte) {
	t.Helper()
	buf := make([]byte, APCILength+len(asduBytes))
	copy(buf[APCILength:], asduBytes)
	fillIFrameHeader(buf, len(buf), sendSeqNo, recvSeqNo)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("writing I-frame: %v", err)
	}
}

func sendSFrameAck(t *testing.T, conn net.Conn, recvSeqNo uint16) {
	t.Helper()
	if _, err := conn.Write(newSFrame(recvSeqNo)); err != nil {
		t.Fatalf("writing S-frame: %v", err)
	}
}

// spontaneousASDU builds the raw image of a minimal monitor-direction ASDU.
func spontaneousASDU(t *testing.T, value byte) []byte {
	t.Helper()
	a := asdu.NewASDU(asdu.ParamsWide, asdu.Identifier{
		Type:       asdu.M_SP_NA_1,
		Variable:   asdu.VariableStruct{Number: 1},
		Coa:        asdu.CauseOfTransmission{Cause: asdu.Spontaneous},
		CommonAddr: 1,
	})
	a.AppendInfoObj(100, value)
	raw, err := a.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return raw
}

func activate(t *testing.T, conn net.Conn) {
	t.Helper()
	if _, err := conn.Write(startDTActMsg); err != nil {
		t.Fatalf("writing STARTDT_ACT: %v", err)
	}
	apdu := readAPDU(t, conn, 2*time.Second)
	if !bytes.Equal(apdu, startDTConMsg) {
		t.Fatalf("expected STARTDT_CON, got % X", apdu)
	}
}

func TestStartDTHandshakeAndFirstIFrame(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	conn := dialMaster(t, addr)

	activate(t, conn)

	want := spontaneousASDU(t, 1)
	a := asdu.NewEmptyASDU(srv.Params())
	if err := a.UnmarshalBinary(want); err != nil {
		t.Fatal(err)
	}
	if err := srv.EnqueueASDU(a); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	apdu := readAPDU(t, conn, 2*time.Second)
	if apdu[0] != StartByte || ClassifyFrame(apdu[2]) != FrameI {
		t.Fatalf("expected I-frame, got % X", apdu)
	}
	if ns := ParseSeqPair(apdu[2], apdu[3]); ns != 0 {
		t.Errorf("N(S) = %d, want 0", ns)
	}
	if nr := ParseSeqPair(apdu[4], apdu[5]); nr != 0 {
		t.Errorf("N(R) = %d, want 0", nr)
	}
	if !bytes.Equal(apdu[6:], want) {
		t.Errorf("payload = % X, want % X", apdu[6:], want)
	}
}

func TestNoIFramesBeforeActivation(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	conn := dialMaster(t, addr)

	a := asdu.NewEmptyASDU(srv.Params())
	if err := a.UnmarshalBinary(spontaneousASDU(t, 7)); err != nil {
		t.Fatal(err)
	}
	if err := srv.EnqueueASDU(a); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("received % X on an idle connection", buf[:n])
	}
}

func TestWTriggerSFrame(t *testing.T) {
	srv, addr := startTestServer(t, func(s *Server) {
		s.SetASDUHandler(func(conn *MasterConnection, a *asdu.ASDU) bool { return true })
	})
	_ = srv
	conn := dialMaster(t, addr)
	activate(t, conn)

	for i := uint16(0); i < 8; i++ {
		sendIFrame(t, conn, i, 0, spontaneousASDU(t, byte(i)))
	}

	apdu := readAPDU(t, conn, 2*time.Second)
	want := []byte{0x68, 0x04, 0x01, 0x00, 0x10, 0x00} // S-frame, N(R)=8
	if !bytes.Equal(apdu, want) {
		t.Fatalf("expected S(8) % X, got % X", want, apdu)
	}

	// exactly one acknowledge
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("unexpected extra frame % X", buf[:n])
	}
}

func TestT2TriggerSFrame(t *testing.T) {
	_, addr := startTestServer(t, func(s *Server) {
		s.SetConnectionParameters(APCIParams{
			TimeoutResponseT1: 10 * time.Second,
			TimeoutConfirmT2:  time.Second,
		})
		s.SetASDUHandler(func(conn *MasterConnection, a *asdu.ASDU) bool { return true })
	})
	conn := dialMaster(t, addr)
	activate(t, conn)

	start := time.Now()
	sendIFrame(t, conn, 0, 0, spontaneousASDU(t, 1))

	apdu := readAPDU(t, conn, 3*time.Second)
	want := []byte{0x68, 0x04, 0x01, 0x00, 0x02, 0x00} // S-frame, N(R)=1
	if !bytes.Equal(apdu, want) {
		t.Fatalf("expected S(1) % X, got % X", want, apdu)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("acknowledge after %v, before t2 elapsed", elapsed)
	}
}

func TestT3TestFRSequenceAndClose(t *testing.T) {
	_, addr := startTestServer(t, func(s *Server) {
		s.SetConnectionParameters(APCIParams{TimeoutTestT3: time.Second})
	})
	conn := dialMaster(t, addr)

	for i := 0; i < 3; i++ {
		apdu := readAPDU(t, conn, 3*time.Second)
		if !bytes.Equal(apdu, testFRActMsg) {
			t.Fatalf("probe %d: expected TESTFR_ACT, got % X", i+1, apdu)
		}
	}

	// three unanswered probes: the next T3 expiry closes the connection
	expectClosed(t, conn, 3*time.Second)
}

func TestTestFRConClearsProbes(t *testing.T) {
	_, addr := startTestServer(t, func(s *Server) {
		s.SetConnectionParameters(APCIParams{TimeoutTestT3: time.Second})
	})
	conn := dialMaster(t, addr)

	for i := 0; i < 5; i++ {
		apdu := readAPDU(t, conn, 3*time.Second)
		if !bytes.Equal(apdu, testFRActMsg) {
			t.Fatalf("probe %d: expected TESTFR_ACT, got % X", i+1, apdu)
		}
		if _, err := conn.Write(testFRConMsg); err != nil {
			t.Fatalf("writing TESTFR_CON: %v", err)
		}
	}
	// answered probes never close the connection
}

func TestT1TimeoutClosesConnection(t *testing.T) {
	srv, addr := startTestServer(t, func(s *Server) {
		s.SetConnectionParameters(APCIParams{
			TimeoutResponseT1: 2 * time.Second,
			TimeoutConfirmT2:  time.Second,
		})
	})
	conn := dialMaster(t, addr)
	activate(t, conn)

	a := asdu.NewEmptyASDU(srv.Params())
	if err := a.UnmarshalBinary(spontaneousASDU(t, 1)); err != nil {
		t.Fatal(err)
	}
	if err := srv.EnqueueASDU(a); err != nil {
		t.Fatal(err)
	}

	apdu := readAPDU(t, conn, 2*time.Second)
	if ClassifyFrame(apdu[2]) != FrameI {
		t.Fatalf("expected I-frame, got % X", apdu)
	}

	// never acknowledge: t1 expires and the server drops the session
	expectClosed(t, conn, 5*time.Second)
}

func TestSequenceErrorClosesConnection(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dialMaster(t, addr)
	activate(t, conn)

	sendIFrame(t, conn, 5, 0, spontaneousASDU(t, 1)) // expected N(S) is 0
	expectClosed(t, conn, 2*time.Second)
}

func TestBadStartByteClosesConnection(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dialMaster(t, addr)

	if _, err := conn.Write([]byte{0x00, 0x04, 0x01, 0x00, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, conn, 2*time.Second)
}

func TestSFrameConfirmsWindow(t *testing.T) {
	srv, addr := startTestServer(t, func(s *Server) {
		s.SetConnectionParameters(APCIParams{
			SendUnackLimitK:   2,
			RecvUnackLimitW:   1,
			TimeoutResponseT1: 10 * time.Second,
			TimeoutConfirmT2:  time.Second,
		})
	})
	conn := dialMaster(t, addr)
	activate(t, conn)

	// fill the k=2 window
	for i := byte(0); i < 4; i++ {
		a := asdu.NewEmptyASDU(srv.Params())
		if err := a.UnmarshalBinary(spontaneousASDU(t, i)); err != nil {
			t.Fatal(err)
		}
		if err := srv.EnqueueASDU(a); err != nil {
			t.Fatal(err)
		}
	}

	first := readAPDU(t, conn, 2*time.Second)
	second := readAPDU(t, conn, 2*time.Second)
	if ParseSeqPair(first[2], first[3]) != 0 || ParseSeqPair(second[2], second[3]) != 1 {
		t.Fatalf("expected N(S) 0 and 1, got % X / % X", first, second)
	}

	// window full: nothing more until we acknowledge
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("window overrun: received % X", buf[:n])
	}

	sendSFrameAck(t, conn, 2)

	third := readAPDU(t, conn, 2*time.Second)
	fourth := readAPDU(t, conn, 2*time.Second)
	if ParseSeqPair(third[2], third[3]) != 2 || ParseSeqPair(fourth[2], fourth[3]) != 3 {
		t.Fatalf("expected N(S) 2 and 3, got % X / % X", third, fourth)
	}
}

func TestStopDTDeactivates(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	conn := dialMaster(t, addr)
	activate(t, conn)

	if _, err := conn.Write(stopDTActMsg); err != nil {
		t.Fatal(err)
	}
	apdu := readAPDU(t, conn, 2*time.Second)
	if !bytes.Equal(apdu, stopDTConMsg) {
		t.Fatalf("expected STOPDT_CON, got % X", apdu)
	}

	// a deactivated session receives no queued data
	a := asdu.NewEmptyASDU(srv.Params())
	if err := a.UnmarshalBinary(spontaneousASDU(t, 9)); err != nil {
		t.Fatal(err)
	}
	if err := srv.EnqueueASDU(a); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("received % X after STOPDT", buf[:n])
	}

	// re-activation resumes delivery of the untouched low-priority queue
	activate(t, conn)
	apdu = readAPDU(t, conn, 2*time.Second)
	if ClassifyFrame(apdu[2]) != FrameI {
		t.Fatalf("expected I-frame after re-activation, got % X", apdu)
	}
}

func TestRedundancyFailover(t *testing.T) {
	srv, addr := startTestServer(t, nil)

	peerA := dialMaster(t, addr)
	activate(t, peerA)

	want := spontaneousASDU(t, 0x42)
	a := asdu.NewEmptyASDU(srv.Params())
	if err := a.UnmarshalBinary(want); err != nil {
		t.Fatal(err)
	}
	if err := srv.EnqueueASDU(a); err != nil {
		t.Fatal(err)
	}

	apdu := readAPDU(t, peerA, 2*time.Second)
	if !bytes.Equal(apdu[6:], want) {
		t.Fatalf("peer A: payload % X, want % X", apdu[6:], want)
	}

	// peer A drops without acknowledging
	_ = peerA.Close()
	waitFor(t, 3*time.Second, func() bool { return srv.OpenConnections() == 0 })

	peerB := dialMaster(t, addr)
	activate(t, peerB)

	apdu = readAPDU(t, peerB, 2*time.Second)
	if ns := ParseSeqPair(apdu[2], apdu[3]); ns != 0 {
		t.Errorf("peer B: N(S) = %d, want 0", ns)
	}
	if !bytes.Equal(apdu[6:], want) {
		t.Errorf("peer B: payload % X, want % X", apdu[6:], want)
	}
}

func TestActivationExclusivity(t *testing.T) {
	srv, addr := startTestServer(t, nil)

	peerA := dialMaster(t, addr)
	activate(t, peerA)

	peerB := dialMaster(t, addr)
	activate(t, peerB)

	waitFor(t, 2*time.Second, func() bool { return activeConnections(srv) == 1 })
}

func TestUnknownTypeNegativeResponse(t *testing.T) {
	_, addr := startTestServer(t, nil) // no handlers registered
	conn := dialMaster(t, addr)
	activate(t, conn)

	sendIFrame(t, conn, 0, 0, spontaneousASDU(t, 1))

	apdu := readAPDU(t, conn, 2*time.Second)
	if ClassifyFrame(apdu[2]) != FrameI {
		t.Fatalf("expected I-frame response, got % X", apdu)
	}
	if nr := ParseSeqPair(apdu[4], apdu[5]); nr != 1 {
		t.Errorf("N(R) = %d, want 1", nr)
	}
	cot := asdu.ParseCauseOfTransmission(apdu[8])
	if cot.Cause != asdu.UnknownTypeID || !cot.IsNegative {
		t.Errorf("response cause = %+v, want negative UNKNOWN_TYPE_ID", cot)
	}
}

func TestTestCommandAnsweredInternally(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dialMaster(t, addr)
	activate(t, conn)

	cmd := asdu.NewASDU(asdu.ParamsWide, asdu.Identifier{
		Type:       asdu.C_TS_NA_1,
		Variable:   asdu.VariableStruct{Number: 1},
		Coa:        asdu.CauseOfTransmission{Cause: asdu.Activation},
		CommonAddr: 1,
	})
	cmd.AppendInfoObj(0, 0xAA, 0x55)
	raw, err := cmd.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	sendIFrame(t, conn, 0, 0, raw)

	apdu := readAPDU(t, conn, 2*time.Second)
	if asdu.TypeID(apdu[6]) != asdu.C_TS_NA_1 {
		t.Fatalf("response type = %d, want C_TS_NA_1", apdu[6])
	}
	cot := asdu.ParseCauseOfTransmission(apdu[8])
	if cot.Cause != asdu.ActivationCon || cot.IsNegative {
		t.Errorf("response cause = %+v, want ACTIVATION_CON", cot)
	}
}

func TestClockSyncConfirmation(t *testing.T) {
	wantTime := time.Date(2026, time.March, 5, 10, 20, 30, 0, time.UTC)
	times := make(chan time.Time, 1)

	_, addr := startTestServer(t, func(s *Server) {
		s.SetClockSyncHandler(func(conn *MasterConnection, a *asdu.ASDU, tm time.Time) bool {
			times <- tm
			return true
		})
	})
	conn := dialMaster(t, addr)
	activate(t, conn)

	cmd := asdu.NewASDU(asdu.ParamsWide, asdu.Identifier{
		Type:       asdu.C_CS_NA_1,
		Variable:   asdu.VariableStruct{Number: 1},
		Coa:        asdu.CauseOfTransmission{Cause: asdu.Activation},
		CommonAddr: 1,
	})
	cmd.AppendInfoObj(0, asdu.CP56Time2a(wantTime, time.UTC)...)
	raw, err := cmd.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	sendIFrame(t, conn, 0, 0, raw)

	apdu := readAPDU(t, conn, 2*time.Second)
	if asdu.TypeID(apdu[6]) != asdu.C_CS_NA_1 {
		t.Fatalf("response type = %d, want C_CS_NA_1", apdu[6])
	}
	cot := asdu.ParseCauseOfTransmission(apdu[8])
	if cot.Cause != asdu.ActivationCon || cot.IsNegative {
		t.Errorf("response cause = %+v, want ACTIVATION_CON", cot)
	}
	select {
	case gotTime := <-times:
		if !gotTime.Equal(wantTime) {
			t.Errorf("handler time = %v, want %v", gotTime, wantTime)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("clock sync handler not invoked")
	}
}

func TestInterrogationHandlerACTCON(t *testing.T) {
	_, addr := startTestServer(t, func(s *Server) {
		s.SetInterrogationHandler(func(conn *MasterConnection, a *asdu.ASDU, qoi asdu.QualifierOfInterrogation) bool {
			if qoi != asdu.QOIStation {
				return false
			}
			_ = conn.SendACT_CON(a, false)
			return true
		})
	})
	conn := dialMaster(t, addr)
	activate(t, conn)

	cmd := asdu.NewASDU(asdu.ParamsWide, asdu.Identifier{
		Type:       asdu.C_IC_NA_1,
		Variable:   asdu.VariableStruct{Number: 1},
		Coa:        asdu.CauseOfTransmission{Cause: asdu.Activation},
		CommonAddr: 1,
	})
	cmd.AppendInfoObj(0, byte(asdu.QOIStation))
	raw, err := cmd.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	sendIFrame(t, conn, 0, 0, raw)

	apdu := readAPDU(t, conn, 2*time.Second)
	if asdu.TypeID(apdu[6]) != asdu.C_IC_NA_1 {
		t.Fatalf("response type = %d, want C_IC_NA_1", apdu[6])
	}
	cot := asdu.ParseCauseOfTransmission(apdu[8])
	if cot.Cause != asdu.ActivationCon || cot.IsNegative {
		t.Errorf("response cause = %+v, want ACTIVATION_CON", cot)
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func activeConnections(srv *Server) int {
	srv.connsMu.Lock()
	defer srv.connsMu.Unlock()
	n := 0
	for _, c := range srv.connections {
		if c.isUsed && c.IsActive() {
			n++
		}
	}
	return n
}
