package messenger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"meetup-messager/pkg/outreach"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMembers serves pages from memory. pages[group][n] is page n.
type fakeMembers struct {
	pages    map[string]map[int][]outreach.User
	own      outreach.IDSet
	requests []string
	err      error
}

func (f *fakeMembers) FetchPage(_ context.Context, group string, page int) (*outreach.Page, error) {
	f.requests = append(f.requests, fmt.Sprintf("%s:%d", group, page))
	if f.err != nil {
		return nil, f.err
	}
	users := f.pages[group][page]
	return &outreach.Page{Number: page, Users: users, Raw: len(users)}, nil
}

func (f *fakeMembers) FetchAll(context.Context, string) (outreach.IDSet, error) {
	if f.own == nil {
		return outreach.NewIDSet(), nil
	}
	return f.own, nil
}

type sent struct {
	userID string
	text   string
}

type fakeBrowser struct {
	sent     []sent
	failOn   int // 1-based send attempt that fails, 0 never
	failErr  error
	loginErr error
	attempts int
	onSend   func()
}

func (f *fakeBrowser) Login(context.Context, string, string) error { return f.loginErr }

func (f *fakeBrowser) GroupName(_ context.Context, group string) (string, error) {
	return "Name of " + group, nil
}

func (f *fakeBrowser) SendMessage(_ context.Context, u outreach.User, text string) error {
	f.attempts++
	if f.failOn == f.attempts {
		return f.failErr
	}
	f.sent = append(f.sent, sent{userID: u.ID, text: text})
	if f.onSend != nil {
		f.onSend()
	}
	return nil
}

// memStore is an in-memory Store that counts saves.
type memStore struct {
	mu        sync.Mutex
	seen      map[string]outreach.IDSet
	pages     map[string]int
	index     int
	seenSaves int
	pageSaves int
	idxSaves  int
	saveErr   error
	cancelled bool // a save observed a cancelled context
}

func newMemStore() *memStore {
	return &memStore{seen: map[string]outreach.IDSet{}, pages: map[string]int{}}
}

func (s *memStore) LoadSeen(_ context.Context, own string) (outreach.IDSet, error) {
	return outreach.NewIDSet(s.seen[own].Sorted()...), nil
}

func (s *memStore) SaveSeen(ctx context.Context, own string, ids outreach.IDSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenSaves++
	s.cancelled = s.cancelled || ctx.Err() != nil
	if s.saveErr != nil {
		return s.saveErr
	}
	s.seen[own] = outreach.NewIDSet(ids.Sorted()...)
	return nil
}

func (s *memStore) LoadPages(context.Context) (map[string]int, error) {
	out := make(map[string]int, len(s.pages))
	for k, v := range s.pages {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) SavePages(ctx context.Context, pages map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSaves++
	s.cancelled = s.cancelled || ctx.Err() != nil
	s.pages = make(map[string]int, len(pages))
	for k, v := range pages {
		s.pages[k] = v
	}
	return nil
}

func (s *memStore) LoadTemplateIndex(context.Context) (int, error) { return s.index, nil }

func (s *memStore) SaveTemplateIndex(ctx context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idxSaves++
	s.cancelled = s.cancelled || ctx.Err() != nil
	s.index = index
	return nil
}

type sleepRecorder struct {
	calls []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return ctx.Err()
}

func users(prefix string, from, to int) []outreach.User {
	var out []outreach.User
	for i := from; i <= to; i++ {
		out = append(out, outreach.User{ID: fmt.Sprintf("%s%d", prefix, i), Name: fmt.Sprintf("First%d Last", i)})
	}
	return out
}

func baseConfig(rec *sleepRecorder) *Config {
	return &Config{
		Email:             "me@example.com",
		Password:          "secret",
		OwnGroup:          "mine",
		Groups:            []string{"foo"},
		Templates:         []string{"Hi {first_name}, join us from {group_name}"},
		MessagesPerMinute: 20,
		ErrorMargin:       time.Second,
		HumanDelayMin:     time.Second,
		HumanDelayMax:     time.Second,
		FirstPage:         1,
		Sleep:             rec.sleep,
	}
}

func TestRunThreePagesUntilEmpty(t *testing.T) {
	members := &fakeMembers{pages: map[string]map[int][]outreach.User{
		"foo": {1: users("u", 1, 30), 2: users("u", 31, 60)},
	}}
	browser := &fakeBrowser{}
	store := newMemStore()
	rec := &sleepRecorder{}

	m := New(members, browser, store, baseConfig(rec), testLogger())
	summary, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"foo:1", "foo:2", "foo:3"}, members.requests)
	require.Equal(t, 60, summary.Sent)
	require.Equal(t, 2, summary.Pages)
	require.Equal(t, []string{"foo"}, summary.Exhausted)
	require.Empty(t, summary.Error)

	require.Equal(t, 3, store.pages["foo"], "cursor stays on the empty page")
	require.Equal(t, 60, store.seen["mine"].Len())
	require.Equal(t, 1, store.seenSaves)
	require.Equal(t, 1, store.pageSaves)
	require.Equal(t, 1, store.idxSaves)

	require.Equal(t, "Hi First1, join us from Name of foo", browser.sent[0].text)
	require.Len(t, rec.calls, 120, "one cycle pause and one human delay per send")
}

func TestRunResumesFromSavedPage(t *testing.T) {
	members := &fakeMembers{pages: map[string]map[int][]outreach.User{
		"foo": {5: users("u", 1, 2)},
	}}
	store := newMemStore()
	store.pages["foo"] = 5

	m := New(members, &fakeBrowser{}, store, baseConfig(&sleepRecorder{}), testLogger())
	_, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, "foo:5", members.requests[0])
	require.Equal(t, 6, store.pages["foo"])
}

func TestRunFiltersSeenAndOwnMembers(t *testing.T) {
	members := &fakeMembers{
		pages: map[string]map[int][]outreach.User{"foo": {1: users("u", 1, 10)}},
		own:   outreach.NewIDSet("u4", "u5", "u6"),
	}
	store := newMemStore()
	store.seen["mine"] = outreach.NewIDSet("u1", "u2", "u3")
	browser := &fakeBrowser{}

	m := New(members, browser, store, baseConfig(&sleepRecorder{}), testLogger())
	summary, err := m.Run(context.Background())
	require.NoError(t, err)

	var got []string
	for _, s := range browser.sent {
		got = append(got, s.userID)
	}
	require.Equal(t, []string{"u7", "u8", "u9", "u10"}, got)
	require.Equal(t, got, summary.Recipients)
	require.Equal(t, 7, store.seen["mine"].Len())
}

func TestRunAllFilteredPageStillAdvances(t *testing.T) {
	members := &fakeMembers{pages: map[string]map[int][]outreach.User{
		"foo": {1: users("u", 1, 3), 2: users("u", 4, 4)},
	}}
	store := newMemStore()
	store.seen["mine"] = outreach.NewIDSet("u1", "u2", "u3")
	browser := &fakeBrowser{}

	m := New(members, browser, store, baseConfig(&sleepRecorder{}), testLogger())
	_, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"foo:1", "foo:2", "foo:3"}, members.requests)
	require.Len(t, browser.sent, 1)
	require.Equal(t, 3, store.pages["foo"])
}

func TestRunSendFailureSavesPriorProgress(t *testing.T) {
	members := &fakeMembers{pages: map[string]map[int][]outreach.User{
		"foo": {1: users("u", 1, 5)},
	}}
	errCompose := errors.New("compose surface timed out")
	browser := &fakeBrowser{failOn: 3, failErr: errCompose}
	store := newMemStore()
	cfg := baseConfig(&sleepRecorder{})
	cfg.Templates = []string{"a", "b", "c"}

	m := New(members, browser, store, cfg, testLogger())
	summary, err := m.Run(context.Background())
	require.ErrorIs(t, err, errCompose)
	require.Contains(t, summary.Error, "u3")

	require.Equal(t, []string{"u1", "u2"}, store.seen["mine"].Sorted())
	require.Equal(t, 1, store.pages["foo"], "cursor not advanced past a failed page")
	require.Equal(t, 2, store.index)
	require.Equal(t, 1, store.seenSaves)
}

func TestRunFlushErrorJoined(t *testing.T) {
	members := &fakeMembers{pages: map[string]map[int][]outreach.User{}}
	store := newMemStore()
	store.saveErr = errors.New("disk full")

	m := New(members, &fakeBrowser{}, store, baseConfig(&sleepRecorder{}), testLogger())
	_, err := m.Run(context.Background())
	require.ErrorIs(t, err, store.saveErr)
	require.Equal(t, 1, store.pageSaves, "other blobs still saved")
}

func TestRunLoginFailureSavesNothing(t *testing.T) {
	loginErr := errors.New("login timed out")
	store := newMemStore()

	m := New(&fakeMembers{}, &fakeBrowser{loginErr: loginErr}, store, baseConfig(&sleepRecorder{}), testLogger())
	_, err := m.Run(context.Background())
	require.ErrorIs(t, err, loginErr)
	require.Zero(t, store.seenSaves)
}

func TestRunCancelledStillFlushes(t *testing.T) {
	members := &fakeMembers{pages: map[string]map[int][]outreach.User{
		"foo": {1: users("u", 1, 5)},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	browser := &fakeBrowser{}
	browser.onSend = func() {
		if len(browser.sent) == 2 {
			cancel()
		}
	}
	store := newMemStore()

	m := New(members, browser, store, baseConfig(&sleepRecorder{}), testLogger())
	_, err := m.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 2, store.seen["mine"].Len())
	require.False(t, store.cancelled, "flush must not use the cancelled context")
}

func TestTemplateRotation(t *testing.T) {
	members := &fakeMembers{pages: map[string]map[int][]outreach.User{
		"foo": {1: users("u", 1, 5)},
	}}
	browser := &fakeBrowser{}
	store := newMemStore()
	store.index = 1
	cfg := baseConfig(&sleepRecorder{})
	cfg.Templates = []string{"t0", "t1", "t2"}

	m := New(members, browser, store, cfg, testLogger())
	_, err := m.Run(context.Background())
	require.NoError(t, err)

	var got []string
	for _, s := range browser.sent {
		got = append(got, s.text)
	}
	require.Equal(t, []string{"t1", "t2", "t0", "t1", "t2"}, got)
	require.Equal(t, 0, store.index)
}

func TestRunDefaultsNewGroupsToFirstPage(t *testing.T) {
	members := &fakeMembers{}
	store := newMemStore()
	store.pages["old"] = 9
	cfg := baseConfig(&sleepRecorder{})
	cfg.Groups = []string{"foo", "bar"}

	m := New(members, &fakeBrowser{}, store, cfg, testLogger())
	summary, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"foo:1", "bar:1"}, members.requests)
	require.Equal(t, map[string]int{"foo": 1, "bar": 1, "old": 9}, store.pages)
	require.Equal(t, []string{"foo", "bar"}, summary.Exhausted)
}

func TestRunPageFetchError(t *testing.T) {
	apiErr := errors.New("HTTP 500")
	members := &fakeMembers{err: apiErr}
	store := newMemStore()

	m := New(members, &fakeBrowser{}, store, baseConfig(&sleepRecorder{}), testLogger())
	_, err := m.Run(context.Background())
	require.ErrorIs(t, err, apiErr)
	require.Equal(t, 1, store.pageSaves)
}
