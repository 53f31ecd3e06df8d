package members

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var pageRegex = regexp.MustCompile(`endpoint:groups/([^/]+)/members.*params:\(filter:all,page:(\d+)\)`)

type fakeMember struct {
	ID   any    `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// fakeAPI serves members pages from a map of group -> all members.
type fakeAPI struct {
	mu       sync.Mutex
	groups   map[string][]fakeMember
	pageSize int
	offset   int // 0 if pages are 0-based, 1 if 1-based
	requests []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := pageRegex.FindStringSubmatch(r.URL.Query().Get("queries"))
	if m == nil {
		http.Error(w, "bad query", http.StatusBadRequest)
		return
	}
	group := m[1]
	page, _ := strconv.Atoi(m[2])

	f.mu.Lock()
	f.requests = append(f.requests, fmt.Sprintf("%s:%d", group, page))
	f.mu.Unlock()

	all := f.groups[group]
	start := (page - f.offset) * f.pageSize
	var slice []fakeMember
	if start >= 0 && start < len(all) {
		end := min(start+f.pageSize, len(all))
		slice = all[start:end]
	}
	if slice == nil {
		slice = []fakeMember{}
	}

	body := map[string]any{
		"responses": []any{
			map[string]any{"value": map[string]any{"value": slice}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func makeMembers(prefix string, n int) []fakeMember {
	out := make([]fakeMember, n)
	for i := range out {
		out[i] = fakeMember{ID: fmt.Sprintf("%s%d", prefix, i+1), Name: fmt.Sprintf("User %d", i+1)}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func TestFetchAllStopsOnShortPage(t *testing.T) {
	api := &fakeAPI{
		groups:   map[string][]fakeMember{"foo": makeMembers("u", 45)},
		pageSize: 30,
	}
	srv := httptest.NewServer(api)
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(&Config{BaseURL: srv.URL, PageSize: 30, Pause: 100 * time.Millisecond, Sleep: rec.sleep}, testLogger())

	ids, err := c.FetchAll(context.Background(), "foo")
	require.NoError(t, err)
	require.Equal(t, 45, ids.Len())
	require.Equal(t, []string{"foo:0", "foo:1"}, api.requests)
	require.Equal(t, []time.Duration{100 * time.Millisecond}, rec.calls)
}

func TestFetchAllExactMultipleFetchesTrailingEmptyPage(t *testing.T) {
	api := &fakeAPI{
		groups:   map[string][]fakeMember{"foo": makeMembers("u", 60)},
		pageSize: 30,
	}
	srv := httptest.NewServer(api)
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(&Config{BaseURL: srv.URL, PageSize: 30, Sleep: rec.sleep}, testLogger())

	ids, err := c.FetchAll(context.Background(), "foo")
	require.NoError(t, err)
	require.Equal(t, 60, ids.Len())
	require.Equal(t, []string{"foo:0", "foo:1", "foo:2"}, api.requests)
	require.Len(t, rec.calls, 2)
}

func TestFetchAllIncludesOrganizers(t *testing.T) {
	members := makeMembers("u", 3)
	members[0].Role = "organizer"
	api := &fakeAPI{groups: map[string][]fakeMember{"mine": members}, pageSize: 30}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := New(&Config{BaseURL: srv.URL, Sleep: (&sleepRecorder{}).sleep}, testLogger())
	ids, err := c.FetchAll(context.Background(), "mine")
	require.NoError(t, err)
	require.True(t, ids.Has("u1"))
	require.Equal(t, 3, ids.Len())
}

func TestFetchPageDropsOrganizers(t *testing.T) {
	members := makeMembers("u", 4)
	members[1].Role = "organizer"
	members[3].Role = "coorganizer"
	api := &fakeAPI{groups: map[string][]fakeMember{"foo": members}, pageSize: 30, offset: 1}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := New(&Config{BaseURL: srv.URL}, testLogger())
	page, err := c.FetchPage(context.Background(), "foo", 1)
	require.NoError(t, err)
	require.Equal(t, 1, page.Number)
	require.Equal(t, 4, page.Raw)
	require.Len(t, page.Users, 2)
	require.Equal(t, "u1", page.Users[0].ID)
	require.Equal(t, "User 1", page.Users[0].Name)
	require.Equal(t, "u3", page.Users[1].ID)
	require.False(t, page.Exhausted())

	c = New(&Config{BaseURL: srv.URL, IncludeOrganizers: true}, testLogger())
	page, err = c.FetchPage(context.Background(), "foo", 1)
	require.NoError(t, err)
	require.Len(t, page.Users, 4)
}

func TestFetchPageEmptyIsExhausted(t *testing.T) {
	api := &fakeAPI{groups: map[string][]fakeMember{"foo": makeMembers("u", 5)}, pageSize: 30, offset: 1}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := New(&Config{BaseURL: srv.URL}, testLogger())
	page, err := c.FetchPage(context.Background(), "foo", 2)
	require.NoError(t, err)
	require.True(t, page.Exhausted())
	require.Empty(t, page.Users)
}

func TestFetchPageNumericIDs(t *testing.T) {
	api := &fakeAPI{
		groups:   map[string][]fakeMember{"foo": {{ID: 12345, Name: "Num Ber"}, {ID: "678", Name: "Str Ing"}}},
		pageSize: 30,
		offset:   1,
	}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := New(&Config{BaseURL: srv.URL}, testLogger())
	page, err := c.FetchPage(context.Background(), "foo", 1)
	require.NoError(t, err)
	require.Equal(t, "12345", page.Users[0].ID)
	require.Equal(t, "678", page.Users[1].ID)
}

func TestFetchPageShapeMismatch(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no responses", `{"responses":[]}`},
		{"missing value", `{"responses":[{}]}`},
		{"missing inner value", `{"responses":[{"value":{}}]}`},
		{"null inner value", `{"responses":[{"value":{"value":null}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := New(&Config{BaseURL: srv.URL}, testLogger())
			_, err := c.FetchPage(context.Background(), "foo", 1)
			require.ErrorIs(t, err, ErrUnexpectedShape)
		})
	}
}

func TestFetchPageHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(&Config{BaseURL: srv.URL}, testLogger())
	_, err := c.FetchPage(context.Background(), "foo", 1)
	require.Error(t, err)
	require.True(t, IsHTTPStatusError(err))

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
}

func TestMembersQuery(t *testing.T) {
	got := membersQuery("my-group", 3)
	want := "(endpoint:groups/my-group/members,list:(dynamicRef:list_groupMembers_my-group_all,merge:(isReverse:!f)),meta:(method:get),params:(filter:all,page:3),ref:groupMembers_my-group_all)"
	require.Equal(t, want, got)
}
