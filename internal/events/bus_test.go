package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
}

func (f *fakeChannel) Send(e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errSendFailed
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errSendFailed = sentinelErr("send failed")

func runBus(t *testing.T) (*Bus, func()) {
	t.Helper()
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	return b, cancel
}

func waitForCount(t *testing.T, b *Bus, url string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.Count(url) == want
	}, time.Second, time.Millisecond)
}

func TestMatchesExact(t *testing.T) {
	require.True(t, Matches("/files/F1", "/files/F1"))
}

func TestMatchesCollectionMember(t *testing.T) {
	require.True(t, Matches("/files", "/files/F1"))
}

func TestMatchesRejectsDeeperNesting(t *testing.T) {
	require.False(t, Matches("/files", "/files/F1/revisions"))
}

func TestMatchesDistinctAltVariants(t *testing.T) {
	require.True(t, Matches("/files/P1?alt=media", "/files/P1?alt=media"))
	require.False(t, Matches("/files/P1?alt=media", "/files/P1"))
	require.False(t, Matches("/files/P1", "/files/P1?alt=media"))
}

func TestNotifyDeliversToMatchingSubscriber(t *testing.T) {
	b, cancel := runBus(t)
	defer cancel()

	ch := &fakeChannel{}
	b.Register(ch, "/files", "U1", "sid-1")
	waitForCount(t, b, "/files", 1)

	b.Notify(Event{Type: "event", Operation: Created, Kind: "HttpProject", ID: "F1"}, Filter{URL: "/files/F1"})

	require.Eventually(t, func() bool { return len(ch.received()) == 1 }, time.Second, time.Millisecond)
}

func TestNotifySkipsNonMatchingURL(t *testing.T) {
	b, cancel := runBus(t)
	defer cancel()

	ch := &fakeChannel{}
	b.Register(ch, "/history", "U1", "sid-1")
	waitForCount(t, b, "/history", 1)

	b.Notify(Event{Type: "event", Operation: Created, Kind: "HttpProject", ID: "F1"}, Filter{URL: "/files/F1"})

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, ch.received())
}

func TestNotifyRespectsUserFilter(t *testing.T) {
	b, cancel := runBus(t)
	defer cancel()

	ch := &fakeChannel{}
	b.Register(ch, "/files/F1", "U2", "sid-1")
	waitForCount(t, b, "/files/F1", 1)

	b.Notify(Event{Type: "event", Operation: Deleted, Kind: "HttpProject", ID: "F1"}, Filter{URL: "/files/F1", Users: []string{"U1"}})
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, ch.received())

	b.Notify(Event{Type: "event", Operation: Deleted, Kind: "HttpProject", ID: "F1"}, Filter{URL: "/files/F1", Users: []string{"U2"}})
	require.Eventually(t, func() bool { return len(ch.received()) == 1 }, time.Second, time.Millisecond)
}

func TestNotifyAlwaysAllowsDefaultUser(t *testing.T) {
	b, cancel := runBus(t)
	defer cancel()

	ch := &fakeChannel{}
	b.Register(ch, "/files/F1", defaultUser, "sid-1")
	waitForCount(t, b, "/files/F1", 1)

	b.Notify(Event{Type: "event", Operation: Patch, Kind: "HttpProject", ID: "F1"}, Filter{URL: "/files/F1", Users: []string{"someone-else"}})
	require.Eventually(t, func() bool { return len(ch.received()) == 1 }, time.Second, time.Millisecond)
}

func TestNotifyUnregistersOnSendFailure(t *testing.T) {
	b, cancel := runBus(t)
	defer cancel()

	ch := &fakeChannel{fail: true}
	b.Register(ch, "/files/F1", "U1", "sid-1")
	waitForCount(t, b, "/files/F1", 1)

	b.Notify(Event{Type: "event", Operation: Patch, Kind: "HttpProject", ID: "F1"}, Filter{URL: "/files/F1"})

	require.Eventually(t, func() bool { return ch.isClosed() }, time.Second, time.Millisecond)
	waitForCount(t, b, "/files/F1", 0)
}

func TestCloseByURLUnregistersAll(t *testing.T) {
	b, cancel := runBus(t)
	defer cancel()

	c1, c2 := &fakeChannel{}, &fakeChannel{}
	b.Register(c1, "/files/F1", "U1", "sid-1")
	b.Register(c2, "/files/F1", "U2", "sid-2")
	waitForCount(t, b, "/files/F1", 2)

	b.CloseByURL("/files/F1")

	require.Eventually(t, func() bool { return c1.isClosed() && c2.isClosed() }, time.Second, time.Millisecond)
	waitForCount(t, b, "/files/F1", 0)
}

func TestRunClosesAllOnShutdown(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	ch := &fakeChannel{}
	b.Register(ch, "/files", "U1", "sid-1")
	waitForCount(t, b, "/files", 1)

	cancel()
	require.Eventually(t, func() bool { return ch.isClosed() }, time.Second, time.Millisecond)
}
