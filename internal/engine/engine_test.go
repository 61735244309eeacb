package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sundayezeilo/shorty/internal/errx"
	"github.com/sundayezeilo/shorty/internal/link"
	"github.com/sundayezeilo/shorty/internal/linkcache"
	"github.com/sundayezeilo/shorty/internal/remote"
	"github.com/sundayezeilo/shorty/internal/session"
)

/***************
 * Mocks
 ***************/

type mockRemote struct {
	RegisterFunc func(ctx context.Context, username, password string) error
	LoginFunc    func(ctx context.Context, username, password string) (remote.Credentials, error)
	CreateFunc   func(ctx context.Context, originalURL string, expiresAt time.Time, token string) (link.Record, error)
	ListFunc     func(ctx context.Context, userID, token string) ([]link.Record, error)
	RemoveFunc   func(ctx context.Context, id link.ID, token string) error

	calls atomic.Int32
}

func (m *mockRemote) Register(ctx context.Context, username, password string) error {
	m.calls.Add(1)
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, username, password)
	}
	return nil
}

func (m *mockRemote) Login(ctx context.Context, username, password string) (remote.Credentials, error) {
	m.calls.Add(1)
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, username, password)
	}
	return remote.Credentials{UserID: "u1", Token: "tok"}, nil
}

func (m *mockRemote) Create(ctx context.Context, originalURL string, expiresAt time.Time, token string) (link.Record, error) {
	m.calls.Add(1)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, originalURL, expiresAt, token)
	}
	return link.Record{}, nil
}

func (m *mockRemote) List(ctx context.Context, userID, token string) ([]link.Record, error) {
	m.calls.Add(1)
	if m.ListFunc != nil {
		return m.ListFunc(ctx, userID, token)
	}
	return nil, nil
}

func (m *mockRemote) Remove(ctx context.Context, id link.ID, token string) error {
	m.calls.Add(1)
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, id, token)
	}
	return nil
}

/***************
 * Helpers
 ***************/

var testNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

type fixture struct {
	engine   *Engine
	remote   *mockRemote
	sessions *session.Store
	cache    *linkcache.Cache
}

func newFixture(t *testing.T, loggedIn bool) *fixture {
	t.Helper()
	store, err := session.NewStore(nil, nil)
	if err != nil {
		t.Fatalf("NewStore() unexpected error: %v", err)
	}
	if loggedIn {
		if err := store.Login("u1", "tok"); err != nil {
			t.Fatalf("Login() unexpected error: %v", err)
		}
	}
	r := &mockRemote{}
	c := linkcache.New(nil)
	e := New(r, store, c, WithClock(func() time.Time { return testNow }))
	return &fixture{engine: e, remote: r, sessions: store, cache: c}
}

func serverRec(id string, age time.Duration) link.Record {
	return link.Record{
		ID:          link.ID(id),
		ShortURL:    "http://s.io/" + id,
		ShortCode:   id,
		OriginalURL: "https://example.com/" + id,
		CreatedAt:   testNow.Add(-age),
	}
}

func wantKind(t *testing.T, err error, kind errx.Kind) {
	t.Helper()
	if got := errx.KindOf(err); got != kind {
		t.Fatalf("kind = %v, want %v (err=%v)", got, kind, err)
	}
}

/***************
 * Create
 ***************/

func TestCreateLink_Unauthenticated(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.engine.CreateLink(context.Background(), "https://example.com", 7)
	wantKind(t, err, errx.AuthRequired)

	if n := f.remote.calls.Load(); n != 0 {
		t.Fatalf("remote called %d times, want 0", n)
	}
	if st := f.engine.State().Op(OpCreate); st.Status != Failed {
		t.Errorf("create status = %v, want %v", st.Status, Failed)
	}
}

func TestCreateLink_Validation(t *testing.T) {
	tests := []struct {
		name string
		url  string
		days int
	}{
		{"empty url", "   ", 7},
		{"relative url", "example.com/path", 7},
		{"unsupported scheme", "ftp://example.com/file", 7},
		{"missing host", "http:///path", 7},
		{"too long", "https://example.com/" + strings.Repeat("a", MaxURLLength), 7},
		{"days outside policy", "https://example.com", 14},
		{"zero days", "https://example.com", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			_, err := f.engine.CreateLink(context.Background(), tt.url, tt.days)
			wantKind(t, err, errx.Invalid)
			if n := f.remote.calls.Load(); n != 0 {
				t.Errorf("remote called %d times, want 0", n)
			}
		})
	}
}

func TestCreateLink_Success(t *testing.T) {
	f := newFixture(t, true)
	f.engine.SetDraft("https://example.com/new")

	var sentExpiry time.Time
	f.remote.CreateFunc = func(_ context.Context, u string, exp time.Time, token string) (link.Record, error) {
		if token != "tok" {
			t.Errorf("token = %q", token)
		}
		sentExpiry = exp
		r := serverRec("101", 0)
		r.OriginalURL = u
		return r, nil
	}
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		return []link.Record{serverRec("100", time.Hour), serverRec("101", 0)}, nil
	}

	rec, err := f.engine.CreateLink(context.Background(), " https://example.com/new ", 7)
	if err != nil {
		t.Fatalf("CreateLink() unexpected error: %v", err)
	}
	if rec.ID != "101" {
		t.Errorf("ID = %q, want 101", rec.ID)
	}

	want := testNow.AddDate(0, 0, 7)
	if !sentExpiry.Equal(want) {
		t.Errorf("expires_at = %v, want %v", sentExpiry, want)
	}
	if sentExpiry.YearDay() != testNow.Add(7*24*time.Hour).YearDay() {
		t.Error("7-day expiry must land on the same calendar day as now+7d")
	}

	st := f.engine.State()
	if len(st.Links) != 2 || st.Links[0].ID != "101" {
		t.Fatalf("links = %+v, want server id 101 first", st.Links)
	}
	for _, v := range st.Links {
		if v.Optimistic || v.ID.IsPlaceholder() {
			t.Errorf("placeholder survived refresh: %+v", v)
		}
	}
	if st.ShortURL != "http://s.io/101" {
		t.Errorf("ShortURL = %q", st.ShortURL)
	}
	if st.Draft != "" {
		t.Errorf("Draft = %q, want cleared", st.Draft)
	}
	if st.Op(OpCreate).Status != Succeeded || !st.Loaded {
		t.Errorf("state = %+v", st)
	}
}

func TestCreateLink_RefreshFailureDoesNotFailCreate(t *testing.T) {
	f := newFixture(t, true)
	f.remote.CreateFunc = func(context.Context, string, time.Time, string) (link.Record, error) {
		return serverRec("7", 0), nil
	}
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		return nil, errx.E("test", errx.Network, errors.New("offline"))
	}

	rec, err := f.engine.CreateLink(context.Background(), "https://example.com", 7)
	if err != nil {
		t.Fatalf("CreateLink() unexpected error: %v", err)
	}

	st := f.engine.State()
	if len(st.Links) != 1 || st.Links[0].ID != rec.ID {
		t.Fatalf("confirmed record should be cached, got %+v", st.Links)
	}
	if !st.Stale || st.Op(OpRefresh).Status != Failed {
		t.Errorf("refresh failure not recorded: %+v", st)
	}
}

func TestCreateLink_ServerOmitsID(t *testing.T) {
	f := newFixture(t, true)
	f.remote.CreateFunc = func(context.Context, string, time.Time, string) (link.Record, error) {
		return link.Record{ShortURL: "http://s.io/x"}, nil
	}
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		return nil, errors.New("down")
	}

	if _, err := f.engine.CreateLink(context.Background(), "https://example.com", 1); err != nil {
		t.Fatalf("CreateLink() unexpected error: %v", err)
	}
	snap := f.cache.Snapshot()
	if len(snap) != 1 || !snap[0].ID.IsPlaceholder() {
		t.Fatalf("want a single optimistic record, got %+v", snap)
	}
}

func TestCreateLink_Failures(t *testing.T) {
	for _, kind := range []errx.Kind{errx.Invalid, errx.Server, errx.Network} {
		t.Run(kind.String(), func(t *testing.T) {
			f := newFixture(t, true)
			f.cache.ReplaceAll([]link.Record{serverRec("1", time.Hour)})
			f.remote.CreateFunc = func(context.Context, string, time.Time, string) (link.Record, error) {
				return link.Record{}, errx.E("remote", kind, errors.New("boom"))
			}

			_, err := f.engine.CreateLink(context.Background(), "https://example.com", 7)
			wantKind(t, err, kind)

			if f.cache.Len() != 1 {
				t.Errorf("cache changed on failure: %+v", f.cache.Snapshot())
			}
			st := f.engine.State()
			if st.Op(OpCreate).Status != Failed || errx.KindOf(st.Op(OpCreate).Err) != kind {
				t.Errorf("create state = %+v", st.Op(OpCreate))
			}
			if !st.Session.Authenticated {
				t.Error("non-auth failures must not log out")
			}
		})
	}
}

func TestCreateLink_UnauthorizedForcesLogout(t *testing.T) {
	f := newFixture(t, true)
	f.cache.ReplaceAll([]link.Record{serverRec("1", time.Hour)})
	f.remote.CreateFunc = func(context.Context, string, time.Time, string) (link.Record, error) {
		return link.Record{}, errx.E("remote", errx.Unauthorized, errors.New("expired"))
	}

	_, err := f.engine.CreateLink(context.Background(), "https://example.com", 7)
	wantKind(t, err, errx.Unauthorized)

	if f.sessions.Current().Authenticated() {
		t.Fatal("session should be cleared")
	}
	if f.cache.Len() != 0 {
		t.Error("cache should be cleared with the session")
	}
}

func TestCreateLink_ExpiredTokenNeverReachesNetwork(t *testing.T) {
	f := newFixture(t, false)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": testNow.Add(-time.Minute).Unix()})
	signed, _ := tok.SignedString([]byte("k"))
	_ = f.sessions.Login("u1", signed)

	_, err := f.engine.CreateLink(context.Background(), "https://example.com", 7)
	wantKind(t, err, errx.Unauthorized)

	if n := f.remote.calls.Load(); n != 0 {
		t.Errorf("remote called %d times", n)
	}
	if f.sessions.Current().Authenticated() {
		t.Error("expired session should be logged out")
	}
}

func TestCreateLink_Busy(t *testing.T) {
	f := newFixture(t, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.CreateFunc = func(context.Context, string, time.Time, string) (link.Record, error) {
		close(entered)
		<-release
		return serverRec("1", 0), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.CreateLink(context.Background(), "https://example.com/a", 7)
		done <- err
	}()
	<-entered

	_, err := f.engine.CreateLink(context.Background(), "https://example.com/b", 7)
	wantKind(t, err, errx.Busy)
	if st := f.engine.State().Op(OpCreate); st.Status != Submitting {
		t.Errorf("busy rejection must leave state untouched, got %v", st.Status)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first CreateLink() unexpected error: %v", err)
	}
}

func TestCreateLink_LogoutDiscardsPendingResult(t *testing.T) {
	f := newFixture(t, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.CreateFunc = func(context.Context, string, time.Time, string) (link.Record, error) {
		close(entered)
		<-release
		return serverRec("55", 0), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.CreateLink(context.Background(), "https://example.com", 7)
		done <- err
	}()
	<-entered

	if err := f.engine.Logout(); err != nil {
		t.Fatalf("Logout() unexpected error: %v", err)
	}
	close(release)

	err := <-done
	wantKind(t, err, errx.AuthRequired)
	if !strings.Contains(err.Error(), "session changed") {
		t.Errorf("error = %v", err)
	}

	st := f.engine.State()
	if len(st.Links) != 0 || st.ShortURL != "" {
		t.Fatalf("stale result applied after logout: %+v", st)
	}
	if st.Op(OpCreate).Status != Idle {
		t.Errorf("create status = %v, want %v", st.Op(OpCreate).Status, Idle)
	}
}

/***************
 * Refresh
 ***************/

func TestRefreshLinks_Unauthenticated(t *testing.T) {
	f := newFixture(t, false)
	f.cache.ReplaceAll([]link.Record{serverRec("1", 0)})

	if err := f.engine.RefreshLinks(context.Background()); err != nil {
		t.Fatalf("RefreshLinks() unexpected error: %v", err)
	}
	if f.cache.Len() != 0 {
		t.Error("cache should be empty when logged out")
	}
	if n := f.remote.calls.Load(); n != 0 {
		t.Errorf("remote called %d times", n)
	}
}

func TestRefreshLinks_ExpiredLinkKeepsClicks(t *testing.T) {
	f := newFixture(t, true)
	past := testNow.Add(-48 * time.Hour)
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		r := serverRec("9", 72*time.Hour)
		r.Clicks = 5
		r.ExpiresAt = &past
		return []link.Record{r, serverRec("10", time.Hour)}, nil
	}

	if err := f.engine.RefreshLinks(context.Background()); err != nil {
		t.Fatalf("RefreshLinks() unexpected error: %v", err)
	}

	st := f.engine.State()
	if len(st.Links) != 2 {
		t.Fatalf("links = %d, want 2", len(st.Links))
	}
	expired := st.Links[1]
	if expired.ID != "9" || expired.Clicks != 5 || !expired.Expired {
		t.Errorf("expired view = %+v", expired)
	}
	if expired.ExpiresLabel != "Mar 8, 2025" || expired.CreatedLabel != "Mar 7, 2025" {
		t.Errorf("labels = %q / %q", expired.CreatedLabel, expired.ExpiresLabel)
	}
	if st.Links[0].Expired || st.Links[0].ExpiresLabel != NeverLabel {
		t.Errorf("open-ended view = %+v", st.Links[0])
	}
}

func TestRefreshLinks_Stale(t *testing.T) {
	f := newFixture(t, true)
	fail := errx.E("remote", errx.Server, errors.New("db down"))
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		return nil, fail
	}

	err := f.engine.RefreshLinks(context.Background())
	wantKind(t, err, errx.Server)
	if errors.Is(err, ErrStale) {
		t.Error("first failure has nothing cached and must not be reported as stale")
	}

	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		return []link.Record{serverRec("1", 0)}, nil
	}
	if err := f.engine.RefreshLinks(context.Background()); err != nil {
		t.Fatalf("RefreshLinks() unexpected error: %v", err)
	}

	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		return nil, fail
	}
	err = f.engine.RefreshLinks(context.Background())
	if !errors.Is(err, ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
	wantKind(t, err, errx.Server)

	st := f.engine.State()
	if !st.Stale || len(st.Links) != 1 {
		t.Errorf("cached links must survive a failed refresh: %+v", st)
	}
}

func TestRefreshLinks_UnauthorizedForcesLogout(t *testing.T) {
	f := newFixture(t, true)
	f.cache.ReplaceAll([]link.Record{serverRec("1", 0)})
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		return nil, errx.E("remote", errx.Unauthorized, errors.New("revoked"))
	}

	err := f.engine.RefreshLinks(context.Background())
	wantKind(t, err, errx.Unauthorized)
	if f.sessions.Current().Authenticated() || f.cache.Len() != 0 {
		t.Fatal("unauthorized refresh must log out and clear links")
	}
}

func TestRefreshLinks_Coalesced(t *testing.T) {
	f := newFixture(t, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	var lists atomic.Int32
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		if lists.Add(1) == 1 {
			close(entered)
		}
		<-release
		return []link.Record{serverRec("1", 0)}, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- f.engine.RefreshLinks(context.Background())
	}()
	<-entered

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.engine.RefreshLinks(context.Background())
		}()
	}
	// Let the followers reach the shared call before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("RefreshLinks() unexpected error: %v", err)
		}
	}
	if n := lists.Load(); n != 1 {
		t.Errorf("List called %d times, want 1", n)
	}
}

/***************
 * Delete
 ***************/

func TestDeleteLink(t *testing.T) {
	t.Run("success removes locally", func(t *testing.T) {
		f := newFixture(t, true)
		f.cache.ReplaceAll([]link.Record{serverRec("1", 0), serverRec("2", time.Hour)})

		if err := f.engine.DeleteLink(context.Background(), "1"); err != nil {
			t.Fatalf("DeleteLink() unexpected error: %v", err)
		}
		if _, ok := f.cache.Get("1"); ok {
			t.Error("deleted record still cached")
		}
		if f.cache.Len() != 1 {
			t.Errorf("Len() = %d, want 1", f.cache.Len())
		}
	})

	for _, kind := range []errx.Kind{errx.NotFound, errx.Server, errx.Network} {
		t.Run("failure keeps record: "+kind.String(), func(t *testing.T) {
			f := newFixture(t, true)
			f.cache.ReplaceAll([]link.Record{serverRec("1", 0)})
			f.remote.RemoveFunc = func(context.Context, link.ID, string) error {
				return errx.E("remote", kind, errors.New("no"))
			}

			err := f.engine.DeleteLink(context.Background(), "1")
			wantKind(t, err, kind)
			if _, ok := f.cache.Get("1"); !ok {
				t.Error("record must remain after a failed delete")
			}
			if st := f.engine.State().Op(OpDelete); st.Status != Failed {
				t.Errorf("delete status = %v", st.Status)
			}
		})
	}

	t.Run("rejects placeholder and empty ids", func(t *testing.T) {
		f := newFixture(t, true)
		for _, id := range []link.ID{"", link.ID(link.PlaceholderPrefix + "abc")} {
			wantKind(t, f.engine.DeleteLink(context.Background(), id), errx.Invalid)
		}
		if n := f.remote.calls.Load(); n != 0 {
			t.Errorf("remote called %d times", n)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		f := newFixture(t, false)
		wantKind(t, f.engine.DeleteLink(context.Background(), "1"), errx.AuthRequired)
	})

	t.Run("busy", func(t *testing.T) {
		f := newFixture(t, true)
		entered := make(chan struct{})
		release := make(chan struct{})
		f.remote.RemoveFunc = func(context.Context, link.ID, string) error {
			close(entered)
			<-release
			return nil
		}
		done := make(chan error, 1)
		go func() { done <- f.engine.DeleteLink(context.Background(), "1") }()
		<-entered

		wantKind(t, f.engine.DeleteLink(context.Background(), "2"), errx.Busy)
		close(release)
		if err := <-done; err != nil {
			t.Fatalf("first DeleteLink() unexpected error: %v", err)
		}
	})
}

func TestDeleteLink_WinsOverEarlierRefresh(t *testing.T) {
	f := newFixture(t, true)
	f.cache.ReplaceAll([]link.Record{serverRec("1", 0), serverRec("2", time.Hour)})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		close(entered)
		<-release
		// The listing was produced before the delete reached the server.
		return []link.Record{serverRec("1", 0), serverRec("2", time.Hour)}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.engine.RefreshLinks(context.Background()) }()
	<-entered

	if err := f.engine.DeleteLink(context.Background(), "1"); err != nil {
		t.Fatalf("DeleteLink() unexpected error: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RefreshLinks() unexpected error: %v", err)
	}

	if _, ok := f.cache.Get("1"); ok {
		t.Fatal("deleted id reappeared after an earlier refresh completed")
	}
	if f.cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.cache.Len())
	}

	// A refresh started after the delete prunes the tombstone.
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		return []link.Record{serverRec("2", time.Hour)}, nil
	}
	_ = f.engine.RefreshLinks(context.Background())
	f.engine.mu.Lock()
	left := len(f.engine.tombstones)
	f.engine.mu.Unlock()
	if left != 0 {
		t.Errorf("tombstones = %d, want pruned", left)
	}
}

/***************
 * Session
 ***************/

func TestLogin(t *testing.T) {
	t.Run("empty fields", func(t *testing.T) {
		f := newFixture(t, false)
		wantKind(t, f.engine.Login(context.Background(), " ", "pw"), errx.Invalid)
		wantKind(t, f.engine.Login(context.Background(), "ann", ""), errx.Invalid)
		if n := f.remote.calls.Load(); n != 0 {
			t.Errorf("remote called %d times", n)
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		f := newFixture(t, false)
		f.remote.LoginFunc = func(context.Context, string, string) (remote.Credentials, error) {
			return remote.Credentials{}, errx.E("remote", errx.InvalidCredentials, errors.New("nope"))
		}
		wantKind(t, f.engine.Login(context.Background(), "ann", "pw"), errx.InvalidCredentials)
		if f.sessions.Current().Authenticated() {
			t.Error("failed login must not create a session")
		}
	})

	t.Run("replaces previous user's links", func(t *testing.T) {
		f := newFixture(t, true)
		f.cache.ReplaceAll([]link.Record{serverRec("old", 0)})
		f.remote.LoginFunc = func(context.Context, string, string) (remote.Credentials, error) {
			return remote.Credentials{UserID: "u2", Token: "tok2"}, nil
		}
		f.remote.ListFunc = func(_ context.Context, userID, token string) ([]link.Record, error) {
			if userID != "u2" || token != "tok2" {
				t.Errorf("list for %q/%q", userID, token)
			}
			return []link.Record{serverRec("new", 0)}, nil
		}

		if err := f.engine.Login(context.Background(), "bob", "pw"); err != nil {
			t.Fatalf("Login() unexpected error: %v", err)
		}
		st := f.engine.State()
		if st.Session.UserID != "u2" || len(st.Links) != 1 || st.Links[0].ID != "new" {
			t.Fatalf("state = %+v", st)
		}
		if st.Op(OpLogin).Status != Succeeded {
			t.Errorf("login status = %v", st.Op(OpLogin).Status)
		}
	})

	t.Run("initial load failure is recorded, not returned", func(t *testing.T) {
		f := newFixture(t, false)
		f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
			return nil, errx.E("remote", errx.Network, errors.New("offline"))
		}
		if err := f.engine.Login(context.Background(), "ann", "pw"); err != nil {
			t.Fatalf("Login() unexpected error: %v", err)
		}
		st := f.engine.State()
		if !st.Session.Authenticated || st.Op(OpRefresh).Status != Failed {
			t.Errorf("state = %+v", st)
		}
	})
}

func TestLogout_Idempotent(t *testing.T) {
	f := newFixture(t, true)
	f.cache.ReplaceAll([]link.Record{serverRec("1", 0)})
	f.engine.SetDraft("https://draft")

	if err := f.engine.Logout(); err != nil {
		t.Fatalf("Logout() unexpected error: %v", err)
	}
	first := f.engine.State()
	if err := f.engine.Logout(); err != nil {
		t.Fatalf("second Logout() unexpected error: %v", err)
	}
	second := f.engine.State()

	if first.Session.Authenticated || len(first.Links) != 0 || first.Draft != "" {
		t.Fatalf("logout left state behind: %+v", first)
	}
	if first.Session != second.Session || len(second.Links) != 0 || first.Ops != second.Ops {
		t.Errorf("second logout changed state: %+v -> %+v", first, second)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, false)
	wantKind(t, f.engine.Register(context.Background(), "", "pw"), errx.Invalid)

	f.remote.RegisterFunc = func(context.Context, string, string) error {
		return errx.E("remote", errx.Conflict, errors.New("taken"))
	}
	wantKind(t, f.engine.Register(context.Background(), "ann", "pw"), errx.Conflict)

	f.remote.RegisterFunc = nil
	if err := f.engine.Register(context.Background(), "ann", "pw"); err != nil {
		t.Fatalf("Register() unexpected error: %v", err)
	}
	if f.sessions.Current().Authenticated() {
		t.Error("register must not log in")
	}
}

/***************
 * Logout races
 ***************/

// lateLogoutSessions ends the session right after handing out a snapshot, once armed.
// The caller sees the old generation while the logout has already run.
type lateLogoutSessions struct {
	*session.Store
	armed atomic.Bool
}

func (s *lateLogoutSessions) Current() session.Session {
	cur := s.Store.Current()
	if s.armed.CompareAndSwap(true, false) {
		_ = s.Store.Logout()
	}
	return cur
}

func newLateLogoutFixture(t *testing.T) (*fixture, *lateLogoutSessions) {
	t.Helper()
	store, err := session.NewStore(nil, nil)
	if err != nil {
		t.Fatalf("NewStore() unexpected error: %v", err)
	}
	if err := store.Login("u1", "tok"); err != nil {
		t.Fatalf("Login() unexpected error: %v", err)
	}
	sessions := &lateLogoutSessions{Store: store}
	r := &mockRemote{}
	c := linkcache.New(nil)
	e := New(r, sessions, c, WithClock(func() time.Time { return testNow }))
	return &fixture{engine: e, remote: r, sessions: store, cache: c}, sessions
}

func wantDiscarded(t *testing.T, err error) {
	t.Helper()
	wantKind(t, err, errx.AuthRequired)
	if !strings.Contains(err.Error(), "session changed") {
		t.Errorf("error = %v, want session changed", err)
	}
}

func TestCreateLink_LogoutAfterGenerationCheck(t *testing.T) {
	f, sessions := newLateLogoutFixture(t)
	f.remote.CreateFunc = func(context.Context, string, time.Time, string) (link.Record, error) {
		sessions.armed.Store(true)
		return serverRec("9", 0), nil
	}

	_, err := f.engine.CreateLink(context.Background(), "https://example.com", 7)
	wantDiscarded(t, err)

	st := f.engine.State()
	if st.Session.Authenticated {
		t.Fatal("expected the session to have ended")
	}
	if len(st.Links) != 0 || st.ShortURL != "" {
		t.Errorf("result applied after logout: links=%d shortURL=%q", len(st.Links), st.ShortURL)
	}
	if st.Op(OpCreate).Status != Idle {
		t.Errorf("create status = %v, want %v", st.Op(OpCreate).Status, Idle)
	}
}

func TestRefreshLinks_LogoutAfterGenerationCheck(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f, sessions := newLateLogoutFixture(t)
		f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
			sessions.armed.Store(true)
			return []link.Record{serverRec("1", 0)}, nil
		}

		wantDiscarded(t, f.engine.RefreshLinks(context.Background()))

		st := f.engine.State()
		if len(st.Links) != 0 || st.Loaded {
			t.Errorf("listing applied after logout: links=%d loaded=%v", len(st.Links), st.Loaded)
		}
	})

	t.Run("failure", func(t *testing.T) {
		f, sessions := newLateLogoutFixture(t)
		f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
			sessions.armed.Store(true)
			return nil, errx.E("remote", errx.Network, errors.New("offline"))
		}

		wantDiscarded(t, f.engine.RefreshLinks(context.Background()))

		if st := f.engine.State(); st.Stale || st.Op(OpRefresh).Status != Idle {
			t.Errorf("failure recorded after logout: stale=%v status=%v", st.Stale, st.Op(OpRefresh).Status)
		}
	})
}

func TestDeleteLink_LogoutAfterGenerationCheck(t *testing.T) {
	f, sessions := newLateLogoutFixture(t)
	f.remote.RemoveFunc = func(context.Context, link.ID, string) error {
		sessions.armed.Store(true)
		return nil
	}

	wantDiscarded(t, f.engine.DeleteLink(context.Background(), "1"))

	f.engine.mu.Lock()
	left := len(f.engine.tombstones)
	f.engine.mu.Unlock()
	if left != 0 {
		t.Errorf("tombstones = %d, want none after logout", left)
	}
	if st := f.engine.State().Op(OpDelete); st.Status != Idle {
		t.Errorf("delete status = %v, want %v", st.Status, Idle)
	}
}

func TestRefreshLinks_LogoutDiscardsPendingResult(t *testing.T) {
	f := newFixture(t, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.ListFunc = func(context.Context, string, string) ([]link.Record, error) {
		close(entered)
		<-release
		return []link.Record{serverRec("1", 0), serverRec("2", time.Hour)}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.engine.RefreshLinks(context.Background()) }()
	<-entered

	if err := f.engine.Logout(); err != nil {
		t.Fatalf("Logout() unexpected error: %v", err)
	}
	close(release)

	wantDiscarded(t, <-done)
	st := f.engine.State()
	if len(st.Links) != 0 || st.Loaded {
		t.Fatalf("stale listing applied after logout: %+v", st)
	}
	if st.Op(OpRefresh).Status != Idle {
		t.Errorf("refresh status = %v, want %v", st.Op(OpRefresh).Status, Idle)
	}
}

func TestDeleteLink_LogoutDiscardsPendingResult(t *testing.T) {
	f := newFixture(t, true)
	f.cache.ReplaceAll([]link.Record{serverRec("1", 0)})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.RemoveFunc = func(context.Context, link.ID, string) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- f.engine.DeleteLink(context.Background(), "1") }()
	<-entered

	if err := f.engine.Logout(); err != nil {
		t.Fatalf("Logout() unexpected error: %v", err)
	}
	close(release)

	wantDiscarded(t, <-done)
	f.engine.mu.Lock()
	left := len(f.engine.tombstones)
	f.engine.mu.Unlock()
	if left != 0 {
		t.Errorf("tombstones = %d, want none after logout", left)
	}
	if st := f.engine.State().Op(OpDelete); st.Status != Idle {
		t.Errorf("delete status = %v, want %v", st.Status, Idle)
	}
}
