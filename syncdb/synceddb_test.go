package syncdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func startedSession(t *testing.T) (*SyncedDB, *fakeHandle, *fakeTransport) {
	t.Helper()
	handle := newFakeHandle("local")
	tr := newFakeTransport()
	session := NewSyncedDB("notes.db", handle, tr, 10)
	require.NoError(t, session.Start(context.Background()))
	return session, handle, tr
}

func TestStartAnnouncesPresence(t *testing.T) {
	handle := newFakeHandle("local")
	handle.frontier = VersionFrontier{peerA: 4}
	tr := newFakeTransport()
	session := NewSyncedDB("notes.db", handle, tr, 10)
	defer session.Stop()

	require.NoError(t, session.Start(context.Background()))

	presences := tr.sentPresences()
	require.Len(t, presences, 1)
	require.Equal(t, SiteID("local"), presences[0].Sender)
	require.Equal(t, "testschema", presences[0].SchemaName)
	require.Equal(t, int64(1), presences[0].SchemaVersion)
	require.Equal(t, VersionFrontier{peerA: 4}, presences[0].LastSeens)

	// The inbound stream was primed with the persisted frontier.
	require.Equal(t, Version(4), session.in.LastSeen(peerA))
}

func TestStartTwiceFails(t *testing.T) {
	session, _, _ := startedSession(t)
	defer session.Stop()
	require.Error(t, session.Start(context.Background()))
}

func TestStopIsIdempotent(t *testing.T) {
	session, _, tr := startedSession(t)

	require.NoError(t, session.Stop())
	require.NoError(t, session.Stop())
	require.Equal(t, 1, tr.closeCount())
}

func TestPresenceStartsStreamingFromPeerView(t *testing.T) {
	session, handle, tr := startedSession(t)
	defer session.Stop()

	handle.setLocal(
		Change{ID: "r1", Data: []byte("v1"), Version: 1},
		Change{ID: "r2", Data: []byte("v2"), Version: 2},
	)
	err := session.HandlePresence(context.Background(), PresenceAnnouncement{
		LastSeens:     VersionFrontier{"local": 1},
		SchemaName:    "testschema",
		SchemaVersion: 1,
		Sender:        peerA,
	})
	require.NoError(t, err)

	batch := recvBatch(t, tr)
	require.Equal(t, Version(1), batch.From)
	require.Equal(t, Version(2), batch.To)
}

func TestPresenceWithForeignSchemaRefused(t *testing.T) {
	session, _, tr := startedSession(t)
	defer session.Stop()

	err := session.HandlePresence(context.Background(), PresenceAnnouncement{
		SchemaName:    "other",
		SchemaVersion: 7,
		Sender:        peerA,
	})
	require.ErrorIs(t, err, ErrSchemaMismatch)
	expectNoBatch(t, tr)
}

func TestHandleChangesAdvancesFrontier(t *testing.T) {
	session, handle, _ := startedSession(t)
	defer session.Stop()

	batch := ChangeBatch{
		Sender:  peerA,
		From:    0,
		To:      1,
		Changes: []Change{{ID: "a1", Data: []byte("data1"), Version: 1}},
	}
	require.NoError(t, session.HandleChanges(context.Background(), batch))
	require.Equal(t, batch.Changes, handle.appliedFrom(peerA))
	require.Equal(t, Version(1), handle.recordedLastSeen(peerA))
}

func TestHandleChangesAbsorbsGap(t *testing.T) {
	session, handle, tr := startedSession(t)
	defer session.Stop()

	// A gap is recovered by requesting a resend, not surfaced.
	err := session.HandleChanges(context.Background(), ChangeBatch{
		Sender:  peerA,
		From:    5,
		To:      6,
		Changes: []Change{{ID: "a6", Version: 6}},
	})
	require.NoError(t, err)
	require.Empty(t, handle.appliedFrom(peerA))
	require.Equal(t, []Version{0}, tr.sentResets())
}

func TestHandleResetRewinds(t *testing.T) {
	session, handle, tr := startedSession(t)
	defer session.Stop()

	handle.setLocal(
		Change{ID: "r1", Data: []byte("v1"), Version: 1},
		Change{ID: "r2", Data: []byte("v2"), Version: 2},
	)
	require.NoError(t, session.HandleStartStreaming(context.Background(), 0, peerA))
	recvBatch(t, tr)

	require.NoError(t, session.HandleResetStream(context.Background(), 1))
	resent := recvBatch(t, tr)
	require.Equal(t, Version(1), resent.From)
	require.Equal(t, Version(2), resent.To)
}
