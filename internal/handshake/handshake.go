// Package handshake runs the authorization-code popup dance: open a window
// on the provider's authorization URL and wait until it either reports a
// result or comes back to the first-party origin.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/open-sspm/open-connect/internal/ids"
)

type ErrorType string

const (
	ErrorPopupClosed ErrorType = "popup_closed"
	ErrorAuth        ErrorType = "auth_error"
	ErrorNetwork     ErrorType = "network_error"
)

const (
	defaultPoll       = 100 * time.Millisecond
	defaultGrace      = 500 * time.Millisecond
	popupClosedDetail = "authorization window was closed"
)

// Error is a typed handshake failure.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// TypeOf returns the handshake error type carried by err, or "".
func TypeOf(err error) ErrorType {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Type
	}
	return ""
}

// ErrCrossOrigin is what Window.Location returns while the window shows a
// page from a foreign origin. The window is still alive.
var ErrCrossOrigin = errors.New("window location is cross-origin")

// Message is what the first-party callback page posts to its opener.
type Message struct {
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Window is a handle on an opened popup.
type Window interface {
	// Location returns the current URL on the first-party origin,
	// ErrCrossOrigin while on a foreign origin, or any other error once the
	// window is gone.
	Location() (*url.URL, error)
	Messages() <-chan Message
	Close() error
}

type Opener interface {
	Open(ctx context.Context, authURL string) (Window, error)
}

type OpenerFunc func(ctx context.Context, authURL string) (Window, error)

func (f OpenerFunc) Open(ctx context.Context, authURL string) (Window, error) {
	return f(ctx, authURL)
}

type Result struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type Client struct {
	Opener Opener
	// PollInterval is the liveness probe period. Defaults to 100ms.
	PollInterval time.Duration
	// GracePeriod delays the first probe so a page that is still loading is
	// not mistaken for a closed window. Defaults to 500ms.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Authorize opens authURL and resolves the authorization code for
// expectedConnectionID. The window is closed and every timer stopped before
// it returns, including when ctx is canceled.
func (c *Client) Authorize(ctx context.Context, authURL, expectedConnectionID string) (Result, error) {
	if c.Opener == nil {
		return Result{}, &Error{Type: ErrorPopupClosed, Message: "no window opener"}
	}
	win, err := c.Opener.Open(ctx, authURL)
	if err != nil {
		if win != nil {
			_ = win.Close()
		}
		if isNetworkError(err) {
			return Result{}, &Error{Type: ErrorNetwork, Message: "could not reach authorization server", Err: err}
		}
		return Result{}, &Error{Type: ErrorPopupClosed, Message: "authorization window could not be opened", Err: err}
	}
	if win == nil {
		return Result{}, &Error{Type: ErrorPopupClosed, Message: "authorization window was blocked"}
	}
	defer func() {
		if err := win.Close(); err != nil {
			c.logger().Debug("close authorization window", "err", err)
		}
	}()

	poll, grace := c.PollInterval, c.GracePeriod
	if poll <= 0 {
		poll = defaultPoll
	}
	if grace <= 0 {
		grace = defaultGrace
	}
	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	var redirected *Message
	messages := win.Messages()
	for {
		select {
		case <-ctx.Done():
			return Result{}, &Error{Type: ErrorPopupClosed, Message: "authorization canceled", Err: ctx.Err()}

		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			return resolve(msg, expectedConnectionID)

		case <-graceTimer.C:
			ticker = time.NewTicker(poll)
			tick = ticker.C

		case <-tick:
			loc, err := win.Location()
			switch {
			case errors.Is(err, ErrCrossOrigin):
				continue
			case err != nil:
				if redirected != nil {
					return resolve(*redirected, expectedConnectionID)
				}
				return Result{}, &Error{Type: ErrorPopupClosed, Message: popupClosedDetail}
			case loc == nil:
				continue
			}
			q := loc.Query()
			if e := q.Get("error"); e != "" {
				return resolve(Message{Error: e, ErrorDescription: q.Get("error_description")}, expectedConnectionID)
			}
			if q.Get("code") != "" && q.Get("state") != "" {
				redirected = &Message{Code: q.Get("code"), State: q.Get("state")}
			}
		}
	}
}

func resolve(msg Message, expectedConnectionID string) (Result, error) {
	if msg.Error != "" {
		detail := msg.Error
		if msg.ErrorDescription != "" {
			detail += ": " + msg.ErrorDescription
		}
		return Result{}, &Error{Type: ErrorAuth, Message: detail}
	}
	if msg.Code == "" {
		return Result{}, &Error{Type: ErrorAuth, Message: "authorization response has no code"}
	}
	if err := ValidateState(msg.State, expectedConnectionID); err != nil {
		return Result{}, err
	}
	return Result{Code: msg.Code, State: msg.State}, nil
}

// ValidateState checks that state encodes a connection id and, when expected
// is set, that it is that connection.
func ValidateState(state, expected string) error {
	connID, err := ids.DecodeState(state)
	if err != nil {
		return &Error{Type: ErrorAuth, Message: "invalid state", Err: err}
	}
	if _, err := ids.ParseWithPrefix(connID, ids.PrefixConnection); err != nil {
		return &Error{Type: ErrorAuth, Message: "state is not a connection id", Err: err}
	}
	if expected = strings.TrimSpace(expected); expected != "" && connID != expected {
		return &Error{Type: ErrorAuth, Message: fmt.Sprintf("state is for %s, expected %s", connID, expected)}
	}
	return nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
