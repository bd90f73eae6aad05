package link_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/srg/seclink/internal/device"
	"github.com/srg/seclink/internal/testutils"
	"github.com/srg/seclink/pkg/link"
	"github.com/srg/seclink/pkg/session"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type ConnectionTestSuite struct {
	testutils.MockPeripheralSuite

	ctx  context.Context
	conn *link.Connection
	char *testutils.ScriptedCharacteristic
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}

func (s *ConnectionTestSuite) SetupTest() {
	s.MockPeripheralSuite.SetupTest()
	s.ctx = context.Background()
	s.char = s.DefaultCharacteristic()
	s.conn = link.NewConnection("AA:BB:CC:DD:EE:FF", s.Peripheral, nil, s.Logger)
}

// rebuild replaces the peripheral with one carrying extra expectations.
func (s *ConnectionTestSuite) rebuild(fn func(m *testutils.MockPeripheral)) {
	s.Peripheral = s.PeripheralBuilder.WithMock(fn).Build()
	s.conn = link.NewConnection("AA:BB:CC:DD:EE:FF", s.Peripheral, nil, s.Logger)
}

func (s *ConnectionTestSuite) findAndWrite(pdus ...[]byte) ([][]byte, error) {
	return s.conn.FindAndWrite(s.ctx, testutils.DefaultServiceUUID, testutils.DefaultCharUUID, pdus)
}

func testKeys() session.Keys {
	var k session.Keys
	for i := range k.Outbound {
		k.Outbound[i] = 0x01
		k.Inbound[i] = 0x02
	}
	return k
}

// peerCodec is the remote end of a session keyed with keys.
func peerCodec(s *ConnectionTestSuite, keys session.Keys) *session.Codec {
	peer, err := session.NewCodec(session.Keys{Outbound: keys.Inbound, Inbound: keys.Outbound})
	s.Require().NoError(err)
	return peer
}

func (s *ConnectionTestSuite) TestInitialState() {
	s.Equal(link.Disconnected, s.conn.State())
	s.False(s.conn.Encrypted())
	s.Equal("AA:BB:CC:DD:EE:FF", s.conn.ID())
}

func (s *ConnectionTestSuite) TestConnectIsIdempotent() {
	// GOAL: Verify connecting an already connected link does not touch the peripheral
	//
	// TEST SCENARIO: Connect twice → one peripheral Connect call → state Connected

	s.Require().NoError(s.conn.Connect(s.ctx))
	s.Require().NoError(s.conn.Connect(s.ctx))

	s.Equal(link.Connected, s.conn.State())
	s.Peripheral.AssertNumberOfCalls(s.T(), "Connect", 1)
	s.Peripheral.AssertNotCalled(s.T(), "Disconnect", mock.Anything)
}

func (s *ConnectionTestSuite) TestConnectFailureRevertsToDisconnected() {
	// GOAL: Verify a failed connect leaves the link Disconnected after its retry
	//
	// TEST SCENARIO: Peripheral refuses both attempts → LinkError(connect) → state Disconnected

	s.rebuild(func(m *testutils.MockPeripheral) {
		m.On("Connect", mock.Anything).Return(errors.New("connection refused")).Times(2)
	})

	err := s.conn.Connect(s.ctx)
	s.Require().Error(err)
	s.True(device.IsLinkError(err, "connect"), "error MUST be a connect LinkError, got %v", err)
	s.Equal(link.Disconnected, s.conn.State())
	s.Peripheral.AssertNumberOfCalls(s.T(), "Connect", 2)

	stats := s.conn.Stats()
	s.EqualValues(1, stats.Retries)
	s.EqualValues(1, stats.Failures)
}

func (s *ConnectionTestSuite) TestConnectRetrySucceeds() {
	s.rebuild(func(m *testutils.MockPeripheral) {
		m.On("Connect", mock.Anything).Return(errors.New("timeout")).Once()
	})

	s.Require().NoError(s.conn.Connect(s.ctx))
	s.Equal(link.Connected, s.conn.State())
	s.EqualValues(1, s.conn.Stats().Retries)
}

func (s *ConnectionTestSuite) TestConnectRecoversFromInterruptedAttempt() {
	// GOAL: Verify a connect that died mid-flight is cleaned up before reconnecting
	//
	// TEST SCENARIO: First Connect panics leaving state Connecting → retry forces Disconnect → Connect succeeds

	s.rebuild(func(m *testutils.MockPeripheral) {
		m.On("Connect", mock.Anything).Panic("driver crashed").Once()
	})

	s.Require().NoError(s.conn.Connect(s.ctx))
	s.Equal(link.Connected, s.conn.State())
	s.Peripheral.AssertNumberOfCalls(s.T(), "Disconnect", 1)
	s.Peripheral.AssertNumberOfCalls(s.T(), "Connect", 2)
}

func (s *ConnectionTestSuite) TestDisconnectWhenDisconnectedIsNoop() {
	s.Require().NoError(s.conn.Disconnect(s.ctx))
	s.Equal(link.Disconnected, s.conn.State())
	s.Peripheral.AssertNotCalled(s.T(), "Disconnect", mock.Anything)
}

func (s *ConnectionTestSuite) TestDisconnect() {
	s.Require().NoError(s.conn.Connect(s.ctx))
	s.Require().NoError(s.conn.Disconnect(s.ctx))

	s.Equal(link.Disconnected, s.conn.State())
	s.Peripheral.AssertNumberOfCalls(s.T(), "Disconnect", 1)
}

func (s *ConnectionTestSuite) TestDisconnectFailureLeavesStateUnchanged() {
	// GOAL: Verify a peripheral that cannot disconnect keeps the link in its previous state
	//
	// TEST SCENARIO: Connected → Disconnect fails twice → LinkError(disconnect) → still Connected

	s.rebuild(func(m *testutils.MockPeripheral) {
		m.On("Disconnect", mock.Anything).Return(errors.New("busy"))
	})
	s.Require().NoError(s.conn.Connect(s.ctx))

	err := s.conn.Disconnect(s.ctx)
	s.Require().Error(err)
	s.True(device.IsLinkError(err, "disconnect"), "error MUST be a disconnect LinkError, got %v", err)
	s.Equal(link.Connected, s.conn.State(), "state MUST be unchanged after failed disconnect")
	s.Peripheral.AssertNumberOfCalls(s.T(), "Disconnect", 2)
}

func (s *ConnectionTestSuite) TestPlaintextTransaction() {
	// GOAL: Verify fragmentation and drain without session keys
	//
	// TEST SCENARIO: 600 zero bytes → frames of 496 and 104 bytes written with response →
	// peer answers with two raw frames → both returned as PDUs

	s.char.QueueReplies([]byte("first"), []byte("second"))

	pdus, err := s.findAndWrite(make([]byte, 600))
	s.Require().NoError(err)

	writes := s.char.Writes()
	s.Require().Len(writes, 2)
	s.Len(writes[0], 496)
	s.Len(writes[1], 104)
	s.Equal([][]byte{[]byte("first"), []byte("second")}, pdus)
	s.Equal([]string{"write:496", "write:104", "read:5", "read:6", "read:0"}, s.char.Calls())
	s.Equal(link.Connected, s.conn.State())

	stats := s.conn.Stats()
	s.EqualValues(2, stats.FramesWritten)
	s.EqualValues(2, stats.FramesRead)
	s.False(stats.Encrypted)
}

func (s *ConnectionTestSuite) TestEncryptedTransaction() {
	// GOAL: Verify sealed frames carry consecutive counters and replies are opened
	//
	// TEST SCENARIO: Keys set → PDUs of 10 and 20 bytes → frames of 26 and 36 bytes →
	// peer opens them in order → peer reply decoded → outbound counter is 2

	keys := testKeys()
	peer := peerCodec(s, keys)
	s.Require().NoError(s.conn.SetSessionKeys(keys))
	s.True(s.conn.Encrypted())

	reply, err := peer.Seal([]byte("pong"))
	s.Require().NoError(err)
	s.char.QueueReplies(reply)

	pduA := bytes.Repeat([]byte{0xA}, 10)
	pduB := bytes.Repeat([]byte{0xB}, 20)
	pdus, err := s.findAndWrite(pduA, pduB)
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("pong")}, pdus)

	writes := s.char.Writes()
	s.Require().Len(writes, 2)
	s.Len(writes[0], 26)
	s.Len(writes[1], 36)

	gotA, err := peer.Open(writes[0])
	s.Require().NoError(err)
	s.Equal(pduA, gotA)
	gotB, err := peer.Open(writes[1])
	s.Require().NoError(err)
	s.Equal(pduB, gotB)

	stats := s.conn.Stats()
	s.True(stats.Encrypted)
	s.EqualValues(2, stats.OutboundCounter)
	s.EqualValues(1, stats.InboundCounter)
}

func (s *ConnectionTestSuite) TestTamperedFrameIsDropped() {
	// GOAL: Verify frames failing authentication are silently dropped and counted
	//
	// TEST SCENARIO: Peer sends three frames, the middle one corrupted → two PDUs returned, no error

	keys := testKeys()
	peer := peerCodec(s, keys)
	s.Require().NoError(s.conn.SetSessionKeys(keys))

	var replies [][]byte
	for _, msg := range []string{"one", "two", "three"} {
		f, err := peer.Seal([]byte(msg))
		s.Require().NoError(err)
		replies = append(replies, f)
	}
	replies[1][0] ^= 0xFF
	s.char.QueueReplies(replies...)

	pdus, err := s.conn.Read(s.ctx, s.char)
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("one"), []byte("three")}, pdus)

	stats := s.conn.Stats()
	s.EqualValues(1, stats.FramesDropped)
	s.EqualValues(3, stats.FramesRead)
	s.EqualValues(3, stats.InboundCounter, "inbound counter MUST advance for dropped frames")

	var dropped int
	for _, r := range s.conn.TraceFrames() {
		if r.Dropped {
			dropped++
			s.Equal(link.Inbound, r.Direction)
			s.EqualValues(1, r.Counter)
		}
	}
	s.Equal(1, dropped)
}

func (s *ConnectionTestSuite) TestRetryKeepsPeerCountersInStep() {
	// GOAL: Verify a retried keyed write leaves the peer able to open every frame it receives
	//
	// TEST SCENARIO: 600-byte PDU → second frame write fails → retry resends only that frame
	// with the same sealed bytes → peer opening frames as they arrive authenticates both

	keys := testKeys()
	peer := peerCodec(s, keys)
	s.Require().NoError(s.conn.SetSessionKeys(keys))

	var received []byte
	var failures int
	s.char.FailWrites(nil, errors.New("att error"))
	s.char.OnWrite(func(f []byte) {
		pt, err := peer.Open(f)
		if err != nil {
			failures++
			return
		}
		received = append(received, pt...)
	})

	pdu := bytes.Repeat([]byte{0x5A}, 600)
	_, err := s.conn.Write(s.ctx, s.char, [][]byte{pdu})
	s.Require().NoError(err)

	s.Zero(failures, "peer MUST authenticate every delivered frame")
	s.Equal(pdu, received)
	s.Len(s.char.Writes(), 2, "acknowledged frames MUST NOT be sent again")

	stats := s.conn.Stats()
	s.EqualValues(1, stats.Retries)
	s.EqualValues(2, stats.OutboundCounter)
	s.EqualValues(2, stats.FramesWritten)

	// The session stays usable afterwards.
	_, err = s.conn.Write(s.ctx, s.char, [][]byte{[]byte("next")})
	s.Require().NoError(err)
	s.Zero(failures)
	s.Equal(append(pdu, []byte("next")...), received)
}

func (s *ConnectionTestSuite) TestWriteFailsAfterRetry() {
	s.char.FailWrites(errors.New("att error"), errors.New("att error"))

	_, err := s.findAndWrite([]byte("ping"))
	s.Require().Error(err)
	s.True(device.IsLinkError(err, "write"), "error MUST be a write LinkError, got %v", err)

	stats := s.conn.Stats()
	s.EqualValues(1, stats.Retries)
	s.EqualValues(1, stats.Failures)

	// The queue continues with the next operation.
	_, err = s.findAndWrite([]byte("ping"))
	s.NoError(err)
}

func (s *ConnectionTestSuite) TestReadError() {
	s.char.FailReads(errors.New("read failed"), errors.New("read failed"))

	_, err := s.conn.Read(s.ctx, s.char)
	s.Require().Error(err)
	s.True(device.IsLinkError(err, "read"))
}

func (s *ConnectionTestSuite) TestReadErrorKeepsInboundCounterInStep() {
	// GOAL: Verify frames received before a failed read still advance the inbound counter
	//
	// TEST SCENARIO: Peer sends "a" and "b" → third read fails → retry drains "c" →
	// "c" authenticates and is returned

	keys := testKeys()
	peer := peerCodec(s, keys)
	s.Require().NoError(s.conn.SetSessionKeys(keys))

	for _, msg := range []string{"a", "b", "c"} {
		f, err := peer.Seal([]byte(msg))
		s.Require().NoError(err)
		s.char.QueueReplies(f)
	}
	s.char.FailReads(nil, nil, errors.New("read failed"))

	pdus, err := s.conn.Read(s.ctx, s.char)
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("c")}, pdus)

	stats := s.conn.Stats()
	s.EqualValues(3, stats.InboundCounter)
	s.EqualValues(3, stats.FramesRead)
	s.Zero(stats.FramesDropped)
	s.EqualValues(1, stats.Retries)
}

func (s *ConnectionTestSuite) TestPeerGoneTriggersReconnect() {
	// GOAL: Verify a write reporting the peer gone makes the retry reconnect first
	//
	// TEST SCENARIO: First write fails with "device not connected" → state Disconnected → retry connects again

	s.char.FailWrites(errors.New("device not connected"))

	_, err := s.findAndWrite([]byte("ping"))
	s.Require().NoError(err)
	s.Peripheral.AssertNumberOfCalls(s.T(), "Connect", 2)
	s.Equal(link.Connected, s.conn.State())
}

func (s *ConnectionTestSuite) TestServiceNotFoundIsNotRetried() {
	_, err := s.conn.FindAndWrite(s.ctx, "dead", testutils.DefaultCharUUID, [][]byte{[]byte("x")})
	s.Require().Error(err)

	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("service", nf.Resource)
	s.Peripheral.AssertNumberOfCalls(s.T(), "DiscoverCharacteristics", 1)
	s.EqualValues(0, s.conn.Stats().Retries)
	s.Empty(s.char.Writes())
}

func (s *ConnectionTestSuite) TestCharacteristicNotFoundIsNotRetried() {
	_, err := s.conn.FindAndWrite(s.ctx, testutils.DefaultServiceUUID, "beef", [][]byte{[]byte("x")})
	s.Require().Error(err)

	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)
	s.Equal([]string{testutils.DefaultServiceUUID, "beef"}, nf.UUIDs)
	s.Peripheral.AssertNumberOfCalls(s.T(), "DiscoverCharacteristics", 1)
}

func (s *ConnectionTestSuite) TestDiscoveryErrorIsRetried() {
	s.rebuild(func(m *testutils.MockPeripheral) {
		m.On("DiscoverCharacteristics", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("gatt busy")).Once()
	})

	_, err := s.findAndWrite([]byte("x"))
	s.Require().NoError(err)
	s.Peripheral.AssertNumberOfCalls(s.T(), "DiscoverCharacteristics", 2)
	s.EqualValues(1, s.conn.Stats().Retries)
}

func (s *ConnectionTestSuite) TestEmptyWriteIsPureRead() {
	s.char.QueueReplies([]byte("status"))

	pdus, err := s.findAndWrite()
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("status")}, pdus)
	s.Empty(s.char.Writes())
}

func (s *ConnectionTestSuite) TestSessionKeysSetOnce() {
	s.Require().NoError(s.conn.SetSessionKeys(testKeys()))
	s.ErrorIs(s.conn.SetSessionKeys(testKeys()), link.ErrKeysAlreadySet)
}

func (s *ConnectionTestSuite) TestTransactionsNeverOverlap() {
	// GOAL: Verify concurrent callers get whole transactions, never interleaved link calls
	//
	// TEST SCENARIO: 8 goroutines each write a two-frame PDU → characteristic sees
	// write, write, drain per transaction with no overlapping calls

	s.char.WithLatency(time.Millisecond)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.findAndWrite(make([]byte, 600))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	s.Zero(s.char.Overlaps(), "link calls MUST NOT overlap")
	calls := s.char.Calls()
	s.Require().Len(calls, callers*3)
	for i := 0; i < len(calls); i += 3 {
		s.Equal([]string{"write:496", "write:104", "read:0"}, calls[i:i+3], fmt.Sprintf("transaction %d", i/3))
	}
	s.EqualValues(callers, s.conn.Stats().Operations)
}

func (s *ConnectionTestSuite) TestTraceFrames() {
	s.char.QueueReplies([]byte("ok"))

	_, err := s.findAndWrite(make([]byte, 600))
	s.Require().NoError(err)

	records := s.conn.TraceFrames()
	s.Require().Len(records, 3)
	s.Equal(link.Outbound, records[0].Direction)
	s.Equal(496, records[0].Size)
	s.Equal(104, records[1].Size)
	s.Equal(link.Inbound, records[2].Direction)
	s.Equal(2, records[2].Size)
	s.False(records[0].Encrypted)
	s.False(records[0].Time.IsZero())

	s.Empty(s.conn.TraceFrames(), "trace MUST be cleared once drained")
}

func TestTraceDisabled(t *testing.T) {
	b := testutils.NewPeripheralBuilder(t).
		WithService(testutils.DefaultServiceUUID).
		WithScriptedCharacteristic(testutils.DefaultCharUUID)
	conn := link.NewConnection("peer", b.Build(), &link.Options{Retries: 1}, nil)

	_, err := conn.FindAndWrite(context.Background(), testutils.DefaultServiceUUID, testutils.DefaultCharUUID, [][]byte{{1}})
	if err != nil {
		t.Fatal(err)
	}
	if records := conn.TraceFrames(); records != nil {
		t.Fatalf("expected no trace records, got %d", len(records))
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[link.State]string{
		link.Disconnected: "disconnected",
		link.Connecting:   "connecting",
		link.Connected:    "connected",
		link.State(7):     "state(7)",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(state), got, want)
		}
	}
}
