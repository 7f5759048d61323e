// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Crscristi28/Elora-app-sub000/chatmodel"
)

// fakeRemote is an in-memory RemoteStore with fault injection.
type fakeRemote struct {
	mu    sync.Mutex
	chats map[string]map[string]chatmodel.Chat    // userID -> chatID -> chat
	msgs  map[string]map[string]chatmodel.Message // userID -> uuid -> message

	failErr     error               // returned by every mutating/listing call when set
	undecodable map[string]struct{} // uuids counted by ListMessages but withheld from its result

	chatUpserts []string // chat ids, in call order
	msgUpserts  []string // message uuids, in call order
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		chats:       make(map[string]map[string]chatmodel.Chat),
		msgs:        make(map[string]map[string]chatmodel.Message),
		undecodable: make(map[string]struct{}),
	}
}

func (f *fakeRemote) fail(err error) {
	f.mu.Lock()
	f.failErr = err
	f.mu.Unlock()
}

// markUndecodable makes ListMessages treat the row like one that failed to
// decode: it still occupies a slot in its page but is skipped.
func (f *fakeRemote) markUndecodable(uuid string) {
	f.mu.Lock()
	f.undecodable[uuid] = struct{}{}
	f.mu.Unlock()
}

func (f *fakeRemote) UpsertChat(_ context.Context, userID string, chat chatmodel.Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	if f.chats[userID] == nil {
		f.chats[userID] = make(map[string]chatmodel.Chat)
	}
	f.chats[userID][chat.ID] = chat
	f.chatUpserts = append(f.chatUpserts, chat.ID)
	return nil
}

func (f *fakeRemote) UpsertMessage(_ context.Context, userID string, msg chatmodel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	if f.msgs[userID] == nil {
		f.msgs[userID] = make(map[string]chatmodel.Message)
	}
	f.msgs[userID][msg.UUID] = msg
	f.msgUpserts = append(f.msgUpserts, msg.UUID)
	return nil
}

func (f *fakeRemote) ListChats(_ context.Context, userID string) ([]chatmodel.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	var out []chatmodel.Chat
	for _, c := range f.chats[userID] {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeRemote) ListMessages(_ context.Context, userID string, since int64, limit, page int) ([]chatmodel.Message, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, 0, f.failErr
	}
	var all []chatmodel.Message
	for _, m := range f.msgs[userID] {
		if m.Timestamp > since {
			all = append(all, m)
		}
	}
	chatmodel.SortMessages(all)
	start := page * limit
	if start >= len(all) {
		return nil, 0, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	raw := all[start:end]
	var out []chatmodel.Message
	for _, m := range raw {
		if _, skip := f.undecodable[m.UUID]; skip {
			continue
		}
		out = append(out, m)
	}
	return out, len(raw), nil
}

func (f *fakeRemote) ListMessageIDs(_ context.Context, userID, chatID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	var ids []string
	for _, m := range f.msgs[userID] {
		if m.ChatID == chatID {
			ids = append(ids, m.UUID)
		}
	}
	return ids, nil
}

func (f *fakeRemote) DeleteChat(_ context.Context, chatID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	delete(f.chats[userID], chatID)
	for uuid, m := range f.msgs[userID] {
		if m.ChatID == chatID {
			delete(f.msgs[userID], uuid)
		}
	}
	return nil
}

func (f *fakeRemote) messageCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs[userID])
}

func (f *fakeRemote) msgUpsertOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgUpserts...)
}

// fakeProvider hands out fakeChannels and lets tests drive events and
// connection states.
type fakeProvider struct {
	mu       sync.Mutex
	channels   map[string]*fakeChannel
	openErr    error
	openErrFor map[string]error // per-table OpenChannel refusal
	// state reported right after OpenChannel; defaults to subscribed
	initialState ChannelState
}

type fakeChannel struct {
	table   string
	onEvent func(Event)
	onState func(ChannelState)
	closed  bool
}

func (c *fakeChannel) Close() error { c.closed = true; return nil }

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		channels:     make(map[string]*fakeChannel),
		openErrFor:   make(map[string]error),
		initialState: StateSubscribed,
	}
}

func (p *fakeProvider) failTable(table string, err error) {
	p.mu.Lock()
	p.openErrFor[table] = err
	p.mu.Unlock()
}

func (p *fakeProvider) OpenChannel(_ context.Context, table, _ string, onEvent func(Event), onState func(ChannelState)) (io.Closer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	if err := p.openErrFor[table]; err != nil {
		return nil, err
	}
	ch := &fakeChannel{table: table, onEvent: onEvent, onState: onState}
	p.channels[table] = ch
	onState(p.initialState)
	return ch, nil
}

func (p *fakeProvider) emit(table string, ev Event) {
	p.mu.Lock()
	ch := p.channels[table]
	p.mu.Unlock()
	if ch != nil {
		ev.Table = table
		ch.onEvent(ev)
	}
}

func (p *fakeProvider) setState(table string, st ChannelState) {
	p.mu.Lock()
	ch := p.channels[table]
	p.mu.Unlock()
	if ch != nil {
		ch.onState(st)
	}
}

// fakeClock advances only when told to; Sleep returns immediately after
// moving the clock forward, making backoff loops deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errNetwork = fmt.Errorf("connection refused")
