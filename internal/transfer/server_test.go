package transfer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/peerdrop/internal/integrity"
	"github.com/jaywantadh/peerdrop/pkg/logging"
)

func newLoopbackServer(t *testing.T, poll time.Duration) (*Server, string) {
	t.Helper()
	receiver := NewReceiver(ReceiverOptions{MetadataTimeout: 5 * time.Second}, newTestStore(t), nil, logging.Discard())
	srv := NewServer(ServerOptions{Host: "127.0.0.1", Port: 0, AcceptPollInterval: poll}, receiver, logging.Discard())
	require.NoError(t, srv.Listen())
	return srv, srv.Addr().String()
}

func TestServerClientRoundTrip(t *testing.T) {
	store := newTestStore(t)
	recorded := make(chan Snapshot, 1)
	receiver := NewReceiver(ReceiverOptions{}, store, nil, logging.Discard())
	receiver.SetRecorder(recorderFunc(func(s Snapshot) { recorded <- s }))

	srv := NewServer(ServerOptions{Host: "127.0.0.1", AcceptPollInterval: 100 * time.Millisecond}, receiver, logging.Discard())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	data := patternBytes(50000)
	src := writeTempFile(t, "payload.dat", data)
	sender := NewSender(SenderOptions{AckTimeout: 5 * time.Second}, nil, logging.Discard())
	client := NewClient(ClientOptions{ConnectTimeout: time.Second}, sender, logging.Discard())

	sent, err := client.SendFile(ctx, srv.Addr().String(), src)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, sent.Status)

	select {
	case got := <-recorded:
		require.Equal(t, sent.ID, got.ID)
		require.Equal(t, StatusCompleted, got.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never recorded the transfer")
	}

	out, err := os.ReadFile(store.Path("payload.dat"))
	require.NoError(t, err)
	require.Equal(t, data, out)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeExitsWithinPollIntervalOnCancel(t *testing.T) {
	const poll = 200 * time.Millisecond
	srv, _ := newLoopbackServer(t, poll)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancelled := time.Now()
	cancel()

	select {
	case err := <-served:
		require.NoError(t, err)
		require.Less(t, time.Since(cancelled), poll+300*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop ignored cancellation")
	}
}

func TestStopUnblocksServeImmediately(t *testing.T) {
	srv, _ := newLoopbackServer(t, time.Minute)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	srv.Stop()
	srv.Stop()

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not close the listener")
	}
}

func TestStopClosesActiveConnections(t *testing.T) {
	srv, addr := newLoopbackServer(t, 100*time.Millisecond)
	go srv.Serve(context.Background())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	// nothing is written, so the handler sits in the metadata read
	time.Sleep(100 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited on an idle connection")
	}
}

func TestServeRequiresListen(t *testing.T) {
	srv := NewServer(ServerOptions{}, nil, logging.Discard())
	require.Error(t, srv.Serve(context.Background()))
	require.Nil(t, srv.Addr())
}

func TestListenOnUsedPort(t *testing.T) {
	first, addr := newLoopbackServer(t, 0)
	defer first.Stop()

	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	second := NewServer(ServerOptions{Host: "127.0.0.1", Port: port}, nil, logging.Discard())
	err = second.Listen()

	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	require.Equal(t, "listen", cerr.Op)
}

func TestDialClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := NewClient(ClientOptions{ConnectTimeout: time.Second}, NewSender(SenderOptions{}, nil, logging.Discard()), logging.Discard())
	_, err = client.SendFile(context.Background(), addr, writeTempFile(t, "x.txt", []byte("x")))

	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	require.Equal(t, "dial", cerr.Op)
	require.Equal(t, addr, cerr.Addr)
}

func waitForBytes(t *testing.T, events <-chan Snapshot, id string, n int64) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-events:
			if s.ID == id && s.BytesTransferred >= n {
				return
			}
		case <-timeout:
			t.Fatalf("transfer %s never reached %d bytes", id, n)
		}
	}
}

func collectRecorded(t *testing.T, recorded <-chan Snapshot, id string) Snapshot {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-recorded:
			if s.ID == id {
				return s
			}
		case <-timeout:
			t.Fatalf("transfer %s was never recorded", id)
		}
	}
}

func TestStopDuringPayloadFailsTransfer(t *testing.T) {
	store := newTestStore(t)
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	recorded := make(chan Snapshot, 4)

	receiver := NewReceiver(ReceiverOptions{}, store, bus, logging.Discard())
	receiver.SetRecorder(recorderFunc(func(s Snapshot) { recorded <- s }))
	srv := NewServer(ServerOptions{Host: "127.0.0.1", AcceptPollInterval: 100 * time.Millisecond}, receiver, logging.Discard())
	require.NoError(t, srv.Listen())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	data := patternBytes(10000)
	digest, err := integrity.Sum(integrity.MD5, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, WriteMetadata(conn, NewMetadata("stop-1", "big.bin", 10000, digest, integrity.MD5, time.Now())))
	_, err = conn.Write(data[:5000])
	require.NoError(t, err)
	waitForBytes(t, events, "stop-1", 5000)

	srv.Stop()

	snap := collectRecorded(t, recorded, "stop-1")
	require.Equal(t, StatusFailed, snap.Status)
	require.EqualValues(t, 5000, snap.BytesTransferred)
	var failed *TransferFailedError
	require.True(t, errors.As(snap.Cause, &failed), "got %v", snap.Cause)
	require.EqualValues(t, 5000, failed.BytesTransferred)
	require.EqualValues(t, 10000, failed.FileSize)

	partials, err := store.Partials("big.bin")
	require.NoError(t, err)
	require.Len(t, partials, 1)
	kept, err := os.ReadFile(partials[0])
	require.NoError(t, err)
	require.Equal(t, data[:5000], kept)

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerHandlesConcurrentConnectionsForSameName(t *testing.T) {
	store := newTestStore(t)
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	recorded := make(chan Snapshot, 4)

	receiver := NewReceiver(ReceiverOptions{}, store, bus, logging.Discard())
	receiver.SetRecorder(recorderFunc(func(s Snapshot) { recorded <- s }))
	srv := NewServer(ServerOptions{Host: "127.0.0.1", AcceptPollInterval: 100 * time.Millisecond}, receiver, logging.Discard())
	require.NoError(t, srv.Listen())
	go srv.Serve(context.Background())
	defer srv.Stop()

	dataA := bytes.Repeat([]byte("A"), 10000)
	dataB := bytes.Repeat([]byte("B"), 10000)
	digestA, err := integrity.Sum(integrity.MD5, bytes.NewReader(dataA))
	require.NoError(t, err)
	digestB, err := integrity.Sum(integrity.MD5, bytes.NewReader(dataB))
	require.NoError(t, err)

	connA, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer connA.Close()
	require.NoError(t, WriteMetadata(connA, NewMetadata("conn-a", "x.bin", 10000, digestA, integrity.MD5, time.Now())))
	_, err = connA.Write(dataA[:5000])
	require.NoError(t, err)
	waitForBytes(t, events, "conn-a", 5000)

	connB, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer connB.Close()
	require.NoError(t, WriteMetadata(connB, NewMetadata("conn-b", "x.bin", 10000, digestB, integrity.MD5, time.Now())))
	_, err = connB.Write(dataB)
	require.NoError(t, err)
	ackB, err := readAck(connB)
	require.NoError(t, err)
	require.EqualValues(t, 10000, ackB)

	snapB := collectRecorded(t, recorded, "conn-b")
	require.Equal(t, StatusCompleted, snapB.Status)
	require.Empty(t, snapB.Warning)

	_, err = connA.Write(dataA[5000:])
	require.NoError(t, err)
	ackA, err := readAck(connA)
	require.NoError(t, err)
	require.EqualValues(t, 10000, ackA)

	snapA := collectRecorded(t, recorded, "conn-a")
	require.Equal(t, StatusCompleted, snapA.Status)
	require.Empty(t, snapA.Warning)

	out, err := os.ReadFile(store.Path("x.bin"))
	require.NoError(t, err)
	require.Equal(t, dataA, out)

	partials, err := store.Partials("x.bin")
	require.NoError(t, err)
	require.Empty(t, partials)
}
