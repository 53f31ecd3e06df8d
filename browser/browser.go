// Package browser drives a Chrome session to log in, read group pages, and send
// direct messages through the meetup web UI.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"meetup-messager/pkg/outreach"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const (
	DefaultLoginURL        = "https://secure.meetup.com/login/"
	DefaultLoginSuccessURL = "https://www.meetup.com/home/?suggested=true&source=EVENTS"
	DefaultBaseURL         = "https://www.meetup.com"

	emailSel         = `#email`
	passwordSel      = `#current-password`
	submitSel        = `button[name="submitButton"]`
	messageButtonSel = `button[data-event-label="other_profile_message_click"]`
	composeSel       = `#messaging-new-convo`
	sendSel          = `#messaging-new-send`

	// Present in the compose tab's location once the message is delivered.
	conversationMarker = "convo_id="

	pollInterval = 200 * time.Millisecond
)

var (
	// ErrLoginTimeout means the post-login page never loaded.
	ErrLoginTimeout = errors.New("login timed out")
	// ErrPageTimeout means a page did not finish loading.
	ErrPageTimeout = errors.New("page load timed out")
	// ErrComposeTimeout means the message button or compose tab never became usable.
	ErrComposeTimeout = errors.New("compose surface timed out")
	// ErrSendTimeout means no conversation id appeared after sending.
	ErrSendTimeout = errors.New("send confirmation timed out")
)

// Config holds browser settings.
type Config struct {
	Headless        bool
	UserDataDir     string
	LoginURL        string
	LoginSuccessURL string
	BaseURL         string
	LoginTimeout    time.Duration
	ElementTimeout  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LoginURL == "" {
		out.LoginURL = DefaultLoginURL
	}
	if out.LoginSuccessURL == "" {
		out.LoginSuccessURL = DefaultLoginSuccessURL
	}
	if out.BaseURL == "" {
		out.BaseURL = DefaultBaseURL
	}
	if out.LoginTimeout <= 0 {
		out.LoginTimeout = 10 * time.Second
	}
	if out.ElementTimeout <= 0 {
		out.ElementTimeout = 10 * time.Second
	}
	return out
}

// Session is a single Chrome instance with one primary tab.
type Session struct {
	cfg         Config
	logger      *slog.Logger
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// New launches Chrome. Close must be called to release it.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Session, error) {
	c := cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.Headless),
		chromedp.WindowSize(1280, 900),
	)
	if c.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(c.UserDataDir))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tab, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug("chromedp", "msg", fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Warn("chromedp", "msg", fmt.Sprintf(format, args...))
		}),
	)

	// An empty Run starts the browser.
	if err := chromedp.Run(tab); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	logger.Info("Browser started", "headless", c.Headless)

	return &Session{
		cfg:         c,
		logger:      logger,
		tab:         tab,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
	}, nil
}

// Close shuts the browser down.
func (s *Session) Close() {
	s.cancelTab()
	s.cancelAlloc()
}

// bounded derives a context from browser context parent that expires after d or when
// ctx is done, whichever comes first.
func bounded(ctx, parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	tctx, cancel := context.WithTimeout(parent, d)
	stop := context.AfterFunc(ctx, cancel)
	return tctx, func() {
		stop()
		cancel()
	}
}

// classify wraps timeouts in sentinel so callers can tell them from other failures.
func classify(sentinel error, step string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", step, sentinel, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// Login signs in and blocks until the post-login page is reached.
func (s *Session) Login(ctx context.Context, email, password string) error {
	s.logger.Info("Logging in", "url", s.cfg.LoginURL)

	tctx, cancel := bounded(ctx, s.tab, s.cfg.LoginTimeout)
	defer cancel()

	err := chromedp.Run(tctx,
		chromedp.Navigate(s.cfg.LoginURL),
		chromedp.WaitVisible(emailSel, chromedp.ByQuery),
		chromedp.SendKeys(emailSel, email, chromedp.ByQuery),
		chromedp.SendKeys(passwordSel, password, chromedp.ByQuery),
		chromedp.Click(submitSel, chromedp.ByQuery),
		waitLocation(func(loc string) bool { return loc == s.cfg.LoginSuccessURL }),
	)
	if err != nil {
		return classify(ErrLoginTimeout, "login", err)
	}

	s.logger.Info("Successfully logged in")
	return nil
}

// GroupName opens the group page and returns its display name.
func (s *Session) GroupName(ctx context.Context, groupURLName string) (string, error) {
	s.logger.Info("Getting group name", "group", groupURLName)

	tctx, cancel := bounded(ctx, s.tab, s.cfg.ElementTimeout)
	defer cancel()

	var html string
	err := chromedp.Run(tctx,
		chromedp.Navigate(GroupURL(s.cfg.BaseURL, groupURLName)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", classify(ErrPageTimeout, "open group page", err)
	}

	name, err := parseGroupName(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("group %s: %w", groupURLName, err)
	}

	s.logger.Info("Group name resolved", "group", groupURLName, "name", name)
	return name, nil
}

// SendMessage opens user's profile, opens the compose tab, types text and sends it.
// It returns once the compose tab's location carries a conversation id.
func (s *Session) SendMessage(ctx context.Context, user outreach.User, text string) error {
	s.logger.Info("Sending message to user", "user_id", user.ID)

	tctx, cancel := bounded(ctx, s.tab, s.cfg.ElementTimeout)
	defer cancel()

	err := chromedp.Run(tctx,
		chromedp.Navigate(ProfileURL(s.cfg.BaseURL, user.ID)),
		chromedp.WaitVisible(messageButtonSel, chromedp.ByQuery),
	)
	if err != nil {
		return classify(ErrComposeTimeout, "open profile", err)
	}

	// Tabs open before the click, including the primary one, are never the compose tab.
	before, err := chromedp.Targets(tctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	known := map[target.ID]bool{chromedp.FromContext(s.tab).Target.TargetID: true}
	for _, t := range before {
		known[t.TargetID] = true
	}

	if err := chromedp.Run(tctx, chromedp.Click(messageButtonSel, chromedp.ByQuery)); err != nil {
		return classify(ErrComposeTimeout, "click message button", err)
	}

	composeID, err := s.waitNewTab(tctx, known)
	if err != nil {
		return classify(ErrComposeTimeout, "wait for compose tab", err)
	}

	// Cancelling the compose context closes the tab.
	compose, closeCompose := chromedp.NewContext(s.tab, chromedp.WithTargetID(composeID))
	defer closeCompose()

	cctx, cancelCompose := bounded(ctx, compose, s.cfg.ElementTimeout)
	defer cancelCompose()

	err = chromedp.Run(cctx,
		chromedp.WaitVisible(composeSel, chromedp.ByQuery),
		chromedp.WaitEnabled(composeSel, chromedp.ByQuery),
	)
	if err != nil {
		return classify(ErrComposeTimeout, "wait for message input", err)
	}

	err = chromedp.Run(cctx,
		chromedp.SendKeys(composeSel, text, chromedp.ByQuery),
		chromedp.Click(sendSel, chromedp.ByQuery),
		waitLocation(func(loc string) bool { return strings.Contains(loc, conversationMarker) }),
	)
	if err != nil {
		return classify(ErrSendTimeout, "send message", err)
	}

	s.logger.Info("Message sent", "user_id", user.ID)
	return nil
}

// waitNewTab polls the open page targets until one not in known appears.
func (s *Session) waitNewTab(ctx context.Context, known map[target.ID]bool) (target.ID, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		targets, err := chromedp.Targets(ctx)
		if err != nil {
			return "", fmt.Errorf("list targets: %w", err)
		}
		if id, ok := pickNewTarget(targets, known); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// pickNewTarget returns the first page target that is not known.
func pickNewTarget(targets []*target.Info, known map[target.ID]bool) (target.ID, bool) {
	for _, t := range targets {
		if t.Type != "page" || known[t.TargetID] {
			continue
		}
		return t.TargetID, true
	}
	return "", false
}

// waitLocation polls the current location until match returns true.
func waitLocation(match func(string) bool) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			var loc string
			if err := chromedp.Location(&loc).Do(ctx); err != nil {
				return err
			}
			if match(loc) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// GroupURL returns the public page of a group.
func GroupURL(baseURL, groupURLName string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + groupURLName + "/"
}

// ProfileURL returns the profile page of a member.
func ProfileURL(baseURL, userID string) string {
	return strings.TrimSuffix(baseURL, "/") + "/members/" + userID
}
