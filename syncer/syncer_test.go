// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Crscristi28/Elora-app-sub000/chatmodel"
	"github.com/Crscristi28/Elora-app-sub000/chatstore"
)

type testDevice struct {
	syncer   *Syncer
	store    *chatstore.Store
	deviceID string
}

// newTestDevice builds a device: in-memory local store plus a syncer wired
// to the shared fake remote (and optional fake provider).
func newTestDevice(t *testing.T, remote RemoteStore, provider RealtimeProvider) *testDevice {
	t.Helper()
	store, err := chatstore.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	deviceID, err := store.EnsureDeviceID(context.Background(), "user-1")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PageSize = 2 // small pages so pagination is exercised
	s, err := New("user-1", deviceID, Deps{
		Local:    store,
		Remote:   remote,
		Cursors:  store,
		Queue:    store,
		Provider: provider,
		Clock:    newFakeClock(),
	}, cfg)
	require.NoError(t, err)
	return &testDevice{syncer: s, store: store, deviceID: deviceID}
}

func (d *testDevice) writeMessage(t *testing.T, chatID string, msg chatmodel.Message) {
	t.Helper()
	ctx := context.Background()
	if _, err := d.store.GetChat(ctx, chatID); err != nil {
		require.NoError(t, d.store.PutChat(ctx, chatmodel.Chat{
			ID: chatID, CreatedAt: msg.Timestamp, UpdatedAt: msg.Timestamp,
		}))
	}
	msg.ChatID = chatID
	msg.DeviceID = &d.deviceID
	require.NoError(t, d.store.PutMessages(ctx, chatID, []chatmodel.Message{msg}))
}

func TestUploadDownloadPreservesOrdering(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()

	deviceA := newTestDevice(t, remote, nil)
	deviceA.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m1", Sender: chatmodel.SenderUser, Text: "Hello", Timestamp: 1000})
	deviceA.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m2", Sender: chatmodel.SenderBot, Text: "Hi there", Timestamp: 1001})
	require.NoError(t, deviceA.syncer.UploadChat(ctx, "chat-1"))

	// Messages were upserted individually, in timestamp order.
	require.Equal(t, []string{"m1", "m2"}, remote.msgUpsertOrder())

	deviceB := newTestDevice(t, remote, nil)
	require.NoError(t, deviceB.syncer.FullSync(ctx))

	got, err := deviceB.store.GetMessages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Hello", got[0].Text)
	require.Equal(t, chatmodel.SenderUser, got[0].Sender)
	require.Equal(t, "Hi there", got[1].Text)
	require.Equal(t, chatmodel.SenderBot, got[1].Sender)
}

func TestUploadIdempotent(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()

	device := newTestDevice(t, remote, nil)
	device.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m1", Sender: chatmodel.SenderUser, Text: "Hello", Timestamp: 1000})

	require.NoError(t, device.syncer.UploadChat(ctx, "chat-1"))
	require.Equal(t, 1, remote.messageCount("user-1"))
	firstUpserts := len(remote.msgUpsertOrder())

	// Re-running with the cursor advanced is a no-op: no rows re-sent.
	require.NoError(t, device.syncer.UploadChat(ctx, "chat-1"))
	require.Equal(t, 1, remote.messageCount("user-1"))
	require.Equal(t, firstUpserts, len(remote.msgUpsertOrder()))
}

func TestUploadCursorFallbackComparesRemoteSnapshot(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()

	device := newTestDevice(t, remote, nil)
	device.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m1", Sender: chatmodel.SenderUser, Timestamp: 1000})
	device.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m2", Sender: chatmodel.SenderBot, Timestamp: 1001})

	// m1 is already remote (e.g. synced before a reinstall wiped the
	// cursors); only m2 goes up.
	require.NoError(t, remote.UpsertChat(ctx, "user-1", chatmodel.Chat{ID: "chat-1"}))
	require.NoError(t, remote.UpsertMessage(ctx, "user-1", chatmodel.Message{
		UUID: "m1", ChatID: "chat-1", Sender: chatmodel.SenderUser, Timestamp: 1000,
	}))

	require.NoError(t, device.syncer.UploadChat(ctx, "chat-1"))
	require.Equal(t, []string{"m1", "m2"}, remote.msgUpsertOrder())
	require.Equal(t, 2, remote.messageCount("user-1"))
}

func TestGhostReconciliationBeatsQueuedUpload(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()

	deviceA := newTestDevice(t, remote, nil)
	deviceB := newTestDevice(t, remote, nil)

	deviceA.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m1", Sender: chatmodel.SenderUser, Timestamp: 1000})
	require.NoError(t, deviceA.syncer.UploadChat(ctx, "chat-1"))
	require.NoError(t, deviceB.syncer.FullSync(ctx))

	// Device B queues an unsynced local edit for chat-1 while offline.
	deviceB.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m2", Sender: chatmodel.SenderUser, Timestamp: 2000})
	require.NoError(t, deviceB.store.Enqueue(ctx, "chat-1"))

	// Device A deletes the chat.
	require.NoError(t, deviceA.syncer.DeleteChat(ctx, "chat-1"))

	// Device B's full sync removes the ghost before its queued upload can
	// resurrect it.
	require.NoError(t, deviceB.syncer.FullSync(ctx))

	_, err := deviceB.store.GetChat(ctx, "chat-1")
	require.ErrorIs(t, err, chatmodel.ErrChatNotFound)
	_, exists := remote.chats["user-1"]["chat-1"]
	require.False(t, exists, "remote chat must stay deleted")
	require.Equal(t, 0, remote.messageCount("user-1"))

	n, err := deviceB.store.QueueSize(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "stale queue entry dropped with the ghost")
}

func TestOfflineQueueRetry(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()

	device := newTestDevice(t, remote, nil)
	device.writeMessage(t, "chat-2", chatmodel.Message{UUID: "m1", Sender: chatmodel.SenderUser, Text: "Offline msg", Timestamp: 2000})

	// Offline: the immediate attempt fails and the chat is queued, but the
	// local write is never surfaced as failed.
	remote.fail(errNetwork)
	require.NoError(t, device.syncer.AutoSyncMessage(ctx, "chat-2"))

	st, err := device.syncer.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Online)
	require.Equal(t, 1, st.QueueSize)
	require.Equal(t, 0, remote.messageCount("user-1"))

	// Network returns: the online hook drains the queue.
	remote.fail(nil)
	device.syncer.NotifyNetworkOnline(ctx)

	st, err = device.syncer.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Online)
	require.Zero(t, st.QueueSize)
	require.Equal(t, 1, remote.messageCount("user-1"))

	// And a download on another device includes the message.
	other := newTestDevice(t, remote, nil)
	require.NoError(t, other.syncer.FullSync(ctx))
	msgs, err := other.store.GetMessages(ctx, "chat-2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "Offline msg", msgs[0].Text)
}

func TestDownloadPaginationAndCursor(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	require.NoError(t, remote.UpsertChat(ctx, "user-1", chatmodel.Chat{ID: "chat-1"}))
	for i, ts := range []int64{100, 200, 300, 400, 500} {
		require.NoError(t, remote.UpsertMessage(ctx, "user-1", chatmodel.Message{
			UUID: string(rune('a'+i)) + "-msg", ChatID: "chat-1",
			Sender: chatmodel.SenderUser, Timestamp: ts,
		}))
	}

	device := newTestDevice(t, remote, nil) // PageSize 2 forces 3 pages
	require.NoError(t, device.syncer.FullSync(ctx))

	msgs, err := device.store.GetMessages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	// Cursor advanced to the max observed timestamp, not to now.
	cursor, err := device.store.DownloadCursor(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 500, cursor)

	// Incremental pass only fetches past the cursor.
	require.NoError(t, remote.UpsertMessage(ctx, "user-1", chatmodel.Message{
		UUID: "f-msg", ChatID: "chat-1", Sender: chatmodel.SenderBot, Timestamp: 600,
	}))
	require.NoError(t, device.syncer.BackgroundSync(ctx))
	msgs, err = device.store.GetMessages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 6)
}

func TestDownloadFailureDoesNotAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	device := newTestDevice(t, remote, nil)

	require.NoError(t, remote.UpsertChat(ctx, "user-1", chatmodel.Chat{ID: "chat-1"}))
	require.NoError(t, remote.UpsertMessage(ctx, "user-1", chatmodel.Message{
		UUID: "m1", ChatID: "chat-1", Sender: chatmodel.SenderUser, Timestamp: 100,
	}))

	remote.fail(errNetwork)
	require.Error(t, device.syncer.FullSync(ctx))

	cursor, err := device.store.DownloadCursor(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, cursor, "aborted pass must not advance the cursor")

	// The whole incremental window is safe to retry.
	remote.fail(nil)
	require.NoError(t, device.syncer.FullSync(ctx))
	cursor, err = device.store.DownloadCursor(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, cursor)
}

func TestDownloadContinuesPastFullySkippedPage(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	require.NoError(t, remote.UpsertChat(ctx, "user-1", chatmodel.Chat{ID: "chat-1"}))
	for i, ts := range []int64{100, 200, 300, 400} {
		require.NoError(t, remote.UpsertMessage(ctx, "user-1", chatmodel.Message{
			UUID: string(rune('a'+i)) + "-msg", ChatID: "chat-1",
			Sender: chatmodel.SenderUser, Timestamp: ts,
		}))
	}
	// The first page yields no decodable rows; later pages must still be
	// fetched.
	remote.markUndecodable("a-msg")
	remote.markUndecodable("b-msg")

	device := newTestDevice(t, remote, nil) // PageSize 2, skipped page is page 0
	require.NoError(t, device.syncer.FullSync(ctx))

	msgs, err := device.store.GetMessages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "c-msg", msgs[0].UUID)
	require.Equal(t, "d-msg", msgs[1].UUID)

	cursor, err := device.store.DownloadCursor(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 400, cursor)
}

func TestConcurrentFullSyncNoOps(t *testing.T) {
	remote := newFakeRemote()
	device := newTestDevice(t, remote, nil)

	device.syncer.syncInProgress.Store(true)
	err := device.syncer.FullSync(context.Background())
	require.ErrorIs(t, err, ErrSyncInProgress)
	device.syncer.syncInProgress.Store(false)
	require.NoError(t, device.syncer.FullSync(context.Background()))
}

func TestSelfEchoSuppression(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	provider := newFakeProvider()

	device := newTestDevice(t, remote, provider)
	require.NoError(t, device.syncer.subscribeRealtime(ctx))
	defer device.syncer.Channels().UnsubscribeAll()

	device.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m1", Sender: chatmodel.SenderUser, Text: "mine", Timestamp: 1000})

	// Our own insert echoes back through the channel with our device id.
	echo, err := json.Marshal(chatmodel.Message{
		UUID: "m1", ChatID: "chat-1", Sender: chatmodel.SenderUser,
		Text: "mine", Timestamp: 1000, DeviceID: &device.deviceID,
	})
	require.NoError(t, err)
	provider.emit(TableMessages, Event{Type: EventInsert, New: echo})

	// A peer's message with a duplicate uuid is dropped by the secondary
	// defense even though its device id differs.
	otherDevice := "device-other"
	dup, err := json.Marshal(chatmodel.Message{
		UUID: "m1", ChatID: "chat-1", Sender: chatmodel.SenderUser,
		Text: "overwritten?", Timestamp: 1000, DeviceID: &otherDevice,
	})
	require.NoError(t, err)
	provider.emit(TableMessages, Event{Type: EventInsert, New: dup})

	// A genuinely new peer message is applied.
	fresh, err := json.Marshal(chatmodel.Message{
		UUID: "m2", ChatID: "chat-1", Sender: chatmodel.SenderBot,
		Text: "peer reply", Timestamp: 1001, DeviceID: &otherDevice,
	})
	require.NoError(t, err)
	provider.emit(TableMessages, Event{Type: EventInsert, New: fresh})

	require.Eventually(t, func() bool {
		ok, err := device.store.HasMessage(ctx, "m2")
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	msgs, err := device.store.GetMessages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "mine", msgs[0].Text, "echo must not re-apply")
}

func TestRealtimeChatDeleteRemovesLocal(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	provider := newFakeProvider()

	device := newTestDevice(t, remote, provider)
	require.NoError(t, device.syncer.subscribeRealtime(ctx))
	defer device.syncer.Channels().UnsubscribeAll()

	device.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m1", Sender: chatmodel.SenderUser, Timestamp: 1000})

	old, err := json.Marshal(chatmodel.Chat{ID: "chat-1"})
	require.NoError(t, err)
	provider.emit(TableChats, Event{Type: EventDelete, Old: old})

	require.Eventually(t, func() bool {
		_, err := device.store.GetChat(ctx, "chat-1")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestRealtimeMessageBeforeChatCreatesPlaceholder(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	provider := newFakeProvider()

	device := newTestDevice(t, remote, provider)
	require.NoError(t, device.syncer.subscribeRealtime(ctx))
	defer device.syncer.Channels().UnsubscribeAll()

	otherDevice := "device-other"
	row, err := json.Marshal(chatmodel.Message{
		UUID: "m1", ChatID: "chat-new", Sender: chatmodel.SenderUser,
		Text: "first", Timestamp: 1000, DeviceID: &otherDevice,
	})
	require.NoError(t, err)
	provider.emit(TableMessages, Event{Type: EventInsert, New: row})

	require.Eventually(t, func() bool {
		ok, err := device.store.HasMessage(ctx, "m1")
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	chat, err := device.store.GetChat(ctx, "chat-new")
	require.NoError(t, err)
	require.EqualValues(t, 1000, chat.CreatedAt)
}

func TestAuthFailureDisablesSync(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	device := newTestDevice(t, remote, nil)

	device.writeMessage(t, "chat-1", chatmodel.Message{UUID: "m1", Sender: chatmodel.SenderUser, Timestamp: 1000})

	remote.fail(ErrUnauthorized)
	require.NoError(t, device.syncer.UploadChat(ctx, "chat-1"))

	// No retry loop: sync is disabled until identity is re-established.
	require.ErrorIs(t, device.syncer.FullSync(ctx), ErrSyncDisabled)
	require.ErrorIs(t, device.syncer.UploadChat(ctx, "chat-1"), ErrSyncDisabled)

	n, err := device.store.QueueSize(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "auth failures are not queued for retry")

	remote.fail(nil)
	device.syncer.SetIdentity("user-1", device.deviceID)
	require.NoError(t, device.syncer.UploadChat(ctx, "chat-1"))
	require.Equal(t, 1, remote.messageCount("user-1"))
}

func TestMalformedRemoteRowSkipped(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	require.NoError(t, remote.UpsertChat(ctx, "user-1", chatmodel.Chat{ID: "chat-1"}))
	// Malformed: unknown sender. Injected directly, bypassing validation.
	remote.msgs["user-1"] = map[string]chatmodel.Message{
		"bad":  {UUID: "bad", ChatID: "chat-1", Sender: "robot", Timestamp: 50},
		"good": {UUID: "good", ChatID: "chat-1", Sender: chatmodel.SenderUser, Timestamp: 100},
	}

	device := newTestDevice(t, remote, nil)
	require.NoError(t, device.syncer.FullSync(ctx), "one bad row must not abort the pass")

	msgs, err := device.store.GetMessages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "good", msgs[0].UUID)
}
