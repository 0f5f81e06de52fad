package handshake

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/open-sspm/open-connect/internal/ids"
)

type probe struct {
	loc *url.URL
	err error
}

// fakeWindow replays probes in order and repeats the last one.
type fakeWindow struct {
	mu       sync.Mutex
	probes   []probe
	messages chan Message
	closed   bool
}

func newFakeWindow(probes ...probe) *fakeWindow {
	return &fakeWindow{probes: probes, messages: make(chan Message, 1)}
}

func (w *fakeWindow) Location() (*url.URL, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.probes) == 0 {
		return nil, ErrCrossOrigin
	}
	p := w.probes[0]
	if len(w.probes) > 1 {
		w.probes = w.probes[1:]
	}
	return p.loc, p.err
}

func (w *fakeWindow) Messages() <-chan Message { return w.messages }

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWindow) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

var errGone = errors.New("window handle is gone")

func fastClient(win Window, openErr error) *Client {
	return &Client{
		Opener: OpenerFunc(func(context.Context, string) (Window, error) {
			return win, openErr
		}),
		PollInterval: time.Millisecond,
		GracePeriod:  time.Millisecond,
	}
}

func callbackURL(t *testing.T, query string) *url.URL {
	t.Helper()
	u, err := url.Parse("https://app.example.com/connect/callback?" + query)
	if err != nil {
		t.Fatalf("url.Parse() err = %v", err)
	}
	return u
}

const expectedConn = "conn_github_abc"

func TestAuthorize_BlockedPopup(t *testing.T) {
	t.Parallel()

	_, err := fastClient(nil, nil).Authorize(context.Background(), "https://github.com/login/oauth/authorize", expectedConn)
	if got := TypeOf(err); got != ErrorPopupClosed {
		t.Fatalf("Authorize() err = %v, type %q, want popup_closed", err, got)
	}
}

func TestAuthorize_OpenErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{name: "blocked", err: errors.New("popup blocked"), want: ErrorPopupClosed},
		{name: "transport", err: &url.Error{Op: "Get", URL: "https://idp", Err: errors.New("connection refused")}, want: ErrorNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := fastClient(nil, tt.err).Authorize(context.Background(), "https://idp", expectedConn)
			if got := TypeOf(err); got != tt.want {
				t.Fatalf("Authorize() type = %q, want %q (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestAuthorize_MessageResolves(t *testing.T) {
	t.Parallel()

	win := newFakeWindow()
	state := ids.EncodeState(expectedConn)
	win.messages <- Message{Code: "c0de", State: state}

	res, err := fastClient(win, nil).Authorize(context.Background(), "https://idp", expectedConn)
	if err != nil {
		t.Fatalf("Authorize() err = %v", err)
	}
	if res.Code != "c0de" || res.State != state {
		t.Fatalf("Authorize() = %+v", res)
	}
	if !win.isClosed() {
		t.Fatal("window was not closed")
	}
}

func TestAuthorize_MessageError(t *testing.T) {
	t.Parallel()

	win := newFakeWindow()
	win.messages <- Message{Error: "access_denied"}

	_, err := fastClient(win, nil).Authorize(context.Background(), "https://idp", expectedConn)
	if got := TypeOf(err); got != ErrorAuth {
		t.Fatalf("Authorize() type = %q, want auth_error", got)
	}
	if !win.isClosed() {
		t.Fatal("window was not closed")
	}
}

func TestAuthorize_StateValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state string
	}{
		{name: "wrong prefix", state: ids.EncodeState("ccfg_github_abc")},
		{name: "other connection", state: ids.EncodeState("conn_github_other")},
		{name: "not base64", state: "!!!"},
		{name: "empty", state: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			win := newFakeWindow()
			win.messages <- Message{Code: "c0de", State: tt.state}
			_, err := fastClient(win, nil).Authorize(context.Background(), "https://idp", expectedConn)
			if got := TypeOf(err); got != ErrorAuth {
				t.Fatalf("Authorize() type = %q, want auth_error (err %v)", got, err)
			}
		})
	}
}

func TestAuthorize_ImplicitRedirectSuccess(t *testing.T) {
	t.Parallel()

	state := ids.EncodeState(expectedConn)
	win := newFakeWindow(
		probe{err: ErrCrossOrigin},
		probe{loc: callbackURL(t, "code=xyz&state="+state)},
		probe{err: errGone},
	)
	res, err := fastClient(win, nil).Authorize(context.Background(), "https://idp", expectedConn)
	if err != nil {
		t.Fatalf("Authorize() err = %v", err)
	}
	if res.Code != "xyz" {
		t.Fatalf("Authorize() = %+v", res)
	}
	if !win.isClosed() {
		t.Fatal("window was not closed")
	}
}

func TestAuthorize_RedirectError(t *testing.T) {
	t.Parallel()

	win := newFakeWindow(probe{loc: callbackURL(t, "error=access_denied&error_description=nope")})
	_, err := fastClient(win, nil).Authorize(context.Background(), "https://idp", expectedConn)
	if got := TypeOf(err); got != ErrorAuth {
		t.Fatalf("Authorize() type = %q, want auth_error", got)
	}
}

func TestAuthorize_ClosedWithoutResult(t *testing.T) {
	t.Parallel()

	win := newFakeWindow(probe{err: ErrCrossOrigin}, probe{err: errGone})
	_, err := fastClient(win, nil).Authorize(context.Background(), "https://idp", expectedConn)
	if got := TypeOf(err); got != ErrorPopupClosed {
		t.Fatalf("Authorize() type = %q, want popup_closed", got)
	}
}

func TestAuthorize_CancelReleasesWindow(t *testing.T) {
	t.Parallel()

	win := newFakeWindow(probe{err: ErrCrossOrigin})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fastClient(win, nil).Authorize(ctx, "https://idp", expectedConn)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Authorize() err = %v, want context.Canceled", err)
		}
		if TypeOf(err) != ErrorPopupClosed {
			t.Fatalf("Authorize() type = %q, want popup_closed", TypeOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Authorize() did not return after cancel")
	}
	if !win.isClosed() {
		t.Fatal("window was not closed after cancel")
	}
}

func TestAuthorize_GracePeriodHidesEarlyDeadRead(t *testing.T) {
	t.Parallel()

	win := newFakeWindow(probe{err: errGone})
	win.messages <- Message{Code: "c0de", State: ids.EncodeState(expectedConn)}
	c := fastClient(win, nil)
	c.GracePeriod = time.Hour

	if _, err := c.Authorize(context.Background(), "https://idp", expectedConn); err != nil {
		t.Fatalf("Authorize() err = %v", err)
	}
}
