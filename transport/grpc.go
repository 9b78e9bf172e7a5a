package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Azarattum/CRSqlite/middleware"
	"github.com/Azarattum/CRSqlite/syncdb"
	"github.com/btcsuite/btcd/btcec/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

// ServiceName is the gRPC service both peers speak.
const ServiceName = "crsqlite.Syncer"

const channelMethod = "/crsqlite.Syncer/Channel"

// jsonCodec frames envelopes as JSON. Wire framing beyond this is
// gRPC's business, so no generated stubs are involved.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

var channelStreamDesc = grpc.StreamDesc{
	StreamName:    "Channel",
	ServerStreams: true,
	ClientStreams: true,
}

// SyncerService is implemented by the daemon; Channel runs for the
// lifetime of one peer session.
type SyncerService interface {
	Channel(stream grpc.ServerStream) error
}

func channelHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SyncerService).Channel(stream)
}

// ServiceDesc returns the hand-rolled service descriptor for
// registration with a grpc.Server.
func ServiceDesc(impl SyncerService) (*grpc.ServiceDesc, interface{}) {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*SyncerService)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, impl
}

// grpcStream is the send/recv surface shared by client and server
// stream ends.
type grpcStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// GRPCTransport adapts one end of a Channel stream to the engine's
// Transport interface.
type GRPCTransport struct {
	stream grpcStream

	sendMu sync.Mutex
	mu     sync.Mutex

	handler    syncdb.Handler
	dispatched bool
	closed     chan struct{}
	closeOnce  sync.Once
	closeFn    func() error
}

func newGRPCTransport(stream grpcStream, closeFn func() error) *GRPCTransport {
	return &GRPCTransport{
		stream:  stream,
		closed:  make(chan struct{}),
		closeFn: closeFn,
	}
}

// Dial connects to a remote peer and opens its sync channel. The
// session handshake is signed with key; the remote side recovers the
// public key to identify the caller.
func Dial(ctx context.Context, target, database string, key *btcec.PrivateKey, opts ...grpc.DialOption) (*GRPCTransport, error) {
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	requestTime := time.Now().Unix()
	signature, err := middleware.SignMessage(key, []byte(middleware.SessionToken(database, requestTime)))
	if err != nil {
		conn.Close()
		return nil, err
	}
	md := metadata.Pairs(
		middleware.DatabaseHeader, database,
		middleware.RequestTimeHeader, fmt.Sprintf("%d", requestTime),
		middleware.SignatureHeader, signature,
	)
	streamCtx := metadata.NewOutgoingContext(context.Background(), md)

	cs, err := conn.NewStream(streamCtx, &channelStreamDesc, channelMethod, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open sync channel: %w", err)
	}
	return newGRPCTransport(cs, conn.Close), nil
}

// Serve wraps the server end of an accepted Channel stream.
func Serve(stream grpc.ServerStream) *GRPCTransport {
	return newGRPCTransport(stream, nil)
}

// Register installs the handler and starts the receive loop.
func (t *GRPCTransport) Register(h syncdb.Handler) {
	t.mu.Lock()
	t.handler = h
	start := !t.dispatched
	t.dispatched = true
	t.mu.Unlock()
	if start {
		go t.recvLoop()
	}
}

func (t *GRPCTransport) recvLoop() {
	for {
		var env envelope
		if err := t.stream.RecvMsg(&env); err != nil {
			// EOF, cancellation or a broken wire all end the session
			// the same way.
			t.markClosed()
			return
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		dispatch(context.Background(), h, env)
	}
}

// Done is closed when the stream ends, from either side.
func (t *GRPCTransport) Done() <-chan struct{} { return t.closed }

func (t *GRPCTransport) send(env envelope) error {
	select {
	case <-t.closed:
		return syncdb.ErrTransportClosed
	default:
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.stream.SendMsg(&env); err != nil {
		t.markClosed()
		return syncdb.ErrTransportClosed
	}
	return nil
}

func (t *GRPCTransport) AnnouncePresence(ctx context.Context, p syncdb.PresenceAnnouncement) error {
	return t.send(envelope{Kind: kindPresence, Presence: &p})
}

func (t *GRPCTransport) SendChanges(ctx context.Context, batch syncdb.ChangeBatch) error {
	return t.send(envelope{Kind: kindChanges, Batch: &batch})
}

func (t *GRPCTransport) SendResetStream(ctx context.Context, newFrom syncdb.Version) error {
	return t.send(envelope{Kind: kindReset, NewFrom: newFrom})
}

func (t *GRPCTransport) markClosed() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// Close ends the stream; subsequent sends return ErrTransportClosed.
func (t *GRPCTransport) Close() error {
	t.markClosed()
	if t.closeFn != nil {
		return t.closeFn()
	}
	return nil
}
