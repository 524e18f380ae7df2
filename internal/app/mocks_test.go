package app_test

import (
	"sync"
	"time"

	"github.com/avdeyev/huddle/internal/app"
	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/domain"
	"github.com/avdeyev/huddle/internal/store"
)

// Short timings so the suite settles fast.
func testOptions() app.Options {
	return app.Options{
		MaxMembers:        10,
		ReconnectAttempts: 3,
		ReconnectBackoff:  10 * time.Millisecond,
		Debounce:          20 * time.Millisecond,
		DirectoryTTL:      5 * time.Second,
		LeaveCooldown:     100 * time.Millisecond,
	}
}

// settleWait outlasts one debounce window with margin.
const settleWait = 80 * time.Millisecond

type notice struct {
	Kind core.NotifyKind
	Msg  string
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notice
	answer  bool
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{answer: true} }

func (f *fakeNotifier) Notify(kind core.NotifyKind, msg string) {
	f.mu.Lock()
	f.notices = append(f.notices, notice{kind, msg})
	f.mu.Unlock()
}

func (f *fakeNotifier) Confirm(string) bool { return f.answer }

func (f *fakeNotifier) count(kind core.NotifyKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.notices {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) last() (notice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notices) == 0 {
		return notice{}, false
	}
	return f.notices[len(f.notices)-1], true
}

type fakeSounds struct {
	mu     sync.Mutex
	joins  int
	leaves int
}

func (f *fakeSounds) PlayJoin() {
	f.mu.Lock()
	f.joins++
	f.mu.Unlock()
}

func (f *fakeSounds) PlayLeave() {
	f.mu.Lock()
	f.leaves++
	f.mu.Unlock()
}

func (f *fakeSounds) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.leaves
}

type fakePeers struct {
	mu       sync.Mutex
	created  map[domain.MemberID]bool // remote -> initiator
	closed   []domain.MemberID
	signals  []domain.Envelope
	cleanups int
}

func newFakePeers() *fakePeers {
	return &fakePeers{created: make(map[domain.MemberID]bool)}
}

func (f *fakePeers) CreatePeer(remote domain.MemberID, initiator bool) {
	f.mu.Lock()
	f.created[remote] = initiator
	f.mu.Unlock()
}

func (f *fakePeers) HandleSignal(env domain.Envelope) {
	f.mu.Lock()
	f.signals = append(f.signals, env)
	f.mu.Unlock()
}

func (f *fakePeers) ClosePeer(remote domain.MemberID) {
	f.mu.Lock()
	f.closed = append(f.closed, remote)
	f.mu.Unlock()
}

func (f *fakePeers) Cleanup() {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
}

type fakeAudio struct {
	mu      sync.Mutex
	states  map[domain.MemberID]domain.Member
	removed []domain.MemberID
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{states: make(map[domain.MemberID]domain.Member)}
}

func (f *fakeAudio) UpdateMember(id domain.MemberID, m domain.Member) {
	f.mu.Lock()
	f.states[id] = m
	f.mu.Unlock()
}

func (f *fakeAudio) RemoveMember(id domain.MemberID) {
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
}

type testClient struct {
	client *app.Client
	store  *store.Memory
	notify *fakeNotifier
	sounds *fakeSounds
	peers  *fakePeers
	audio  *fakeAudio
}

func newTestClient(mem *store.Memory, userID domain.UserID) *testClient {
	tc := &testClient{
		store:  mem,
		notify: newFakeNotifier(),
		sounds: &fakeSounds{},
		peers:  newFakePeers(),
		audio:  newFakeAudio(),
	}
	tc.client = app.NewClient(mem, userID, tc.notify, tc.peers, tc.sounds, tc.audio, testOptions())
	return tc
}
