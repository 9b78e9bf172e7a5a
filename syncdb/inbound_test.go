package syncdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const peerA = SiteID("peer-a")

func newInbound(t *testing.T, frontier VersionFrontier) (*InboundStream, *fakeHandle, *fakeTransport) {
	t.Helper()
	handle := newFakeHandle("local")
	tr := newFakeTransport()
	s := NewInboundStream(handle, tr)
	s.Prepare(frontier)
	return s, handle, tr
}

func TestReceiveInOrder(t *testing.T) {
	s, handle, _ := newInbound(t, VersionFrontier{})

	batch := ChangeBatch{
		Sender: peerA,
		From:   0,
		To:     2,
		Changes: []Change{
			{ID: "a1", Data: []byte("data1"), Version: 1},
			{ID: "a2", Data: []byte("data2"), Version: 2},
		},
	}
	require.NoError(t, s.ReceiveChanges(context.Background(), batch))
	require.Equal(t, batch.Changes, handle.appliedFrom(peerA))
	require.Equal(t, Version(2), s.LastSeen(peerA))
	require.Equal(t, Version(2), handle.recordedLastSeen(peerA))
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	s, handle, _ := newInbound(t, VersionFrontier{peerA: 2})

	batch := ChangeBatch{
		Sender: peerA,
		From:   0,
		To:     2,
		Changes: []Change{
			{ID: "a1", Data: []byte("data1"), Version: 1},
			{ID: "a2", Data: []byte("data2"), Version: 2},
		},
	}
	require.NoError(t, s.ReceiveChanges(context.Background(), batch))
	require.Empty(t, handle.appliedFrom(peerA))
	require.Equal(t, Version(2), s.LastSeen(peerA))
}

func TestOverlapAppliesOnlySuffix(t *testing.T) {
	s, handle, _ := newInbound(t, VersionFrontier{peerA: 1})

	batch := ChangeBatch{
		Sender: peerA,
		From:   0,
		To:     3,
		Changes: []Change{
			{ID: "a1", Data: []byte("data1"), Version: 1},
			{ID: "a2", Data: []byte("data2"), Version: 2},
			{ID: "a3", Data: []byte("data3"), Version: 3},
		},
	}
	require.NoError(t, s.ReceiveChanges(context.Background(), batch))
	require.Equal(t, batch.Changes[1:], handle.appliedFrom(peerA))
	require.Equal(t, Version(3), s.LastSeen(peerA))
}

func TestGapRequestsResendAndAppliesNothing(t *testing.T) {
	s, handle, tr := newInbound(t, VersionFrontier{peerA: 2})

	batch := ChangeBatch{
		Sender:  peerA,
		From:    5,
		To:      7,
		Changes: []Change{{ID: "a6", Data: []byte("data6"), Version: 6}},
	}
	err := s.ReceiveChanges(context.Background(), batch)
	var gap *CausalGapError
	require.ErrorAs(t, err, &gap)
	require.Equal(t, peerA, gap.Peer)
	require.Equal(t, Version(2), gap.Expected)
	require.Equal(t, Version(5), gap.Got)

	require.Empty(t, handle.appliedFrom(peerA))
	require.Equal(t, Version(2), s.LastSeen(peerA))
	require.Equal(t, []Version{2}, tr.sentResets())
}

func TestApplyRejectionLeavesFrontier(t *testing.T) {
	s, handle, _ := newInbound(t, VersionFrontier{})
	handle.applyErr = errors.New("constraint violation")

	batch := ChangeBatch{
		Sender:  peerA,
		From:    0,
		To:      1,
		Changes: []Change{{ID: "a1", Data: []byte("data1"), Version: 1}},
	}
	err := s.ReceiveChanges(context.Background(), batch)
	require.ErrorIs(t, err, ErrApplyRejected)
	require.Equal(t, Version(0), s.LastSeen(peerA))
	require.Equal(t, Version(0), handle.recordedLastSeen(peerA))

	// The stream stays resumable once the handle recovers.
	handle.applyErr = nil
	require.NoError(t, s.ReceiveChanges(context.Background(), batch))
	require.Equal(t, Version(1), s.LastSeen(peerA))
}

func TestFrontierNeverDecreases(t *testing.T) {
	s, _, _ := newInbound(t, VersionFrontier{})

	batches := []ChangeBatch{
		{Sender: peerA, From: 0, To: 2, Changes: []Change{
			{ID: "a1", Version: 1}, {ID: "a2", Version: 2}}},
		{Sender: peerA, From: 1, To: 3, Changes: []Change{
			{ID: "a2", Version: 2}, {ID: "a3", Version: 3}}},
		{Sender: peerA, From: 0, To: 2, Changes: []Change{
			{ID: "a1", Version: 1}, {ID: "a2", Version: 2}}},
	}
	last := Version(0)
	for _, b := range batches {
		require.NoError(t, s.ReceiveChanges(context.Background(), b))
		require.GreaterOrEqual(t, s.LastSeen(peerA), last)
		last = s.LastSeen(peerA)
	}
	require.Equal(t, Version(3), last)
}

func TestReceiveBeforePrepareFails(t *testing.T) {
	handle := newFakeHandle("local")
	s := NewInboundStream(handle, newFakeTransport())
	err := s.ReceiveChanges(context.Background(), ChangeBatch{Sender: peerA, To: 1})
	require.Error(t, err)
}
