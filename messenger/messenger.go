// Package messenger runs the outreach pipeline: log in, enumerate the own group, then
// walk each target group's member pages and message everyone not yet contacted.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meetup-messager/pkg/outreach"
)

// Members fetches membership pages.
type Members interface {
	FetchPage(ctx context.Context, group string, page int) (*outreach.Page, error)
	FetchAll(ctx context.Context, group string) (outreach.IDSet, error)
}

// Browser performs the logged-in UI actions.
type Browser interface {
	Login(ctx context.Context, email, password string) error
	GroupName(ctx context.Context, group string) (string, error)
	SendMessage(ctx context.Context, user outreach.User, text string) error
}

// Store persists progress between runs.
type Store interface {
	LoadSeen(ctx context.Context, ownGroup string) (outreach.IDSet, error)
	SaveSeen(ctx context.Context, ownGroup string, ids outreach.IDSet) error
	LoadPages(ctx context.Context) (map[string]int, error)
	SavePages(ctx context.Context, pages map[string]int) error
	LoadTemplateIndex(ctx context.Context) (int, error)
	SaveTemplateIndex(ctx context.Context, index int) error
}

// Config holds the settings of a run.
type Config struct {
	Email     string
	Password  string
	OwnGroup  string
	Groups    []string // Target groups, in order
	Templates []string // Rotated once per successful send

	MessagesPerMinute int
	ErrorMargin       time.Duration
	HumanDelayMin     time.Duration
	HumanDelayMax     time.Duration
	FirstPage         int // Cursor for groups with no saved progress

	Sleep outreach.Sleeper // Defaults to outreach.Sleep
	Now   func() time.Time // Defaults to time.Now
}

// Messenger sends outreach messages.
type Messenger struct {
	members Members
	browser Browser
	store   Store
	cfg     Config
	logger  *slog.Logger
}

// New creates a new messenger.
func New(members Members, browser Browser, store Store, cfg *Config, logger *slog.Logger) *Messenger {
	c := *cfg
	if c.Sleep == nil {
		c.Sleep = outreach.Sleep
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Messenger{
		members: members,
		browser: browser,
		store:   store,
		cfg:     c,
		logger:  logger,
	}
}

// progress is the mutable state of a run, flushed to the store when the run ends.
type progress struct {
	seen          outreach.IDSet
	pages         map[string]int
	templateIndex int
}

// Run performs one full outreach run. The returned summary is never nil.
// Seen ids, page cursors and the template index are saved exactly once after
// messaging starts, whether it finishes or fails.
func (m *Messenger) Run(ctx context.Context) (summary *outreach.RunSummary, err error) {
	summary = &outreach.RunSummary{
		StartedAt: m.cfg.Now(),
		OwnGroup:  m.cfg.OwnGroup,
	}
	defer func() {
		summary.FinishedAt = m.cfg.Now()
		if err != nil {
			summary.Error = err.Error()
		}
	}()

	if len(m.cfg.Templates) == 0 {
		return summary, errors.New("no message templates configured")
	}

	p, err := m.load(ctx)
	if err != nil {
		return summary, fmt.Errorf("load progress: %w", err)
	}

	m.logger.Info("Starting run",
		"own_group", m.cfg.OwnGroup,
		"groups", len(m.cfg.Groups),
		"seen", p.seen.Len(),
		"template_index", p.templateIndex)

	if err := m.browser.Login(ctx, m.cfg.Email, m.cfg.Password); err != nil {
		return summary, fmt.Errorf("log in: %w", err)
	}

	own, err := m.members.FetchAll(ctx, m.cfg.OwnGroup)
	if err != nil {
		return summary, fmt.Errorf("fetch own group members: %w", err)
	}
	m.logger.Info("Own group members fetched", "own_group", m.cfg.OwnGroup, "count", own.Len())

	err = m.messageAllGroups(ctx, p, own, summary)

	m.logger.Info("Run completed",
		"sent", summary.Sent,
		"pages", summary.Pages,
		"exhausted", len(summary.Exhausted),
		"error", err)
	return summary, err
}

func (m *Messenger) load(ctx context.Context) (*progress, error) {
	seen, err := m.store.LoadSeen(ctx, m.cfg.OwnGroup)
	if err != nil {
		return nil, fmt.Errorf("load seen users: %w", err)
	}
	saved, err := m.store.LoadPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last pages: %w", err)
	}
	index, err := m.store.LoadTemplateIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("load template index: %w", err)
	}

	pages := make(map[string]int, len(m.cfg.Groups)+len(saved))
	for _, g := range m.cfg.Groups {
		pages[g] = m.cfg.FirstPage
	}
	for g, page := range saved {
		pages[g] = page
	}

	return &progress{seen: seen, pages: pages, templateIndex: index}, nil
}

// messageAllGroups messages every target group in order and flushes progress on return.
func (m *Messenger) messageAllGroups(ctx context.Context, p *progress, own outreach.IDSet, summary *outreach.RunSummary) (err error) {
	defer func() {
		// Flush even if ctx was cancelled mid-run.
		if flushErr := m.flush(context.WithoutCancel(ctx), p); flushErr != nil {
			err = errors.Join(err, flushErr)
		}
	}()

	for _, g := range m.cfg.Groups {
		if err := m.messageGroup(ctx, p, own, g, summary); err != nil {
			return fmt.Errorf("group %s: %w", g, err)
		}
	}
	return nil
}

func (m *Messenger) flush(ctx context.Context, p *progress) error {
	m.logger.Info("Saving progress", "seen", p.seen.Len(), "pages", len(p.pages), "template_index", p.templateIndex)

	var errs []error
	if err := m.store.SaveSeen(ctx, m.cfg.OwnGroup, p.seen); err != nil {
		errs = append(errs, fmt.Errorf("save seen users: %w", err))
	}
	if err := m.store.SavePages(ctx, p.pages); err != nil {
		errs = append(errs, fmt.Errorf("save last pages: %w", err))
	}
	if err := m.store.SaveTemplateIndex(ctx, p.templateIndex); err != nil {
		errs = append(errs, fmt.Errorf("save template index: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Messenger) messageGroup(ctx context.Context, p *progress, own outreach.IDSet, groupURLName string, summary *outreach.RunSummary) error {
	m.logger.Info("Messaging users in group", "group", groupURLName)

	name, err := m.browser.GroupName(ctx, groupURLName)
	if err != nil {
		return fmt.Errorf("get group name: %w", err)
	}
	group := outreach.Group{URLName: groupURLName, Name: name}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping group", "group", groupURLName, "error", ctx.Err())
			return ctx.Err()
		default:
		}

		more, err := m.messageNextPage(ctx, p, own, group, summary)
		if err != nil {
			return err
		}
		if !more {
			m.logger.Info("No more users in group", "group", groupURLName, "page", p.pages[groupURLName])
			summary.Exhausted = append(summary.Exhausted, groupURLName)
			return nil
		}
	}
}

// messageNextPage messages the eligible users on the group's current page and advances
// the cursor. It returns false, leaving the cursor in place, when the page is empty.
func (m *Messenger) messageNextPage(ctx context.Context, p *progress, own outreach.IDSet, group outreach.Group, summary *outreach.RunSummary) (bool, error) {
	number := p.pages[group.URLName]

	page, err := m.members.FetchPage(ctx, group.URLName, number)
	if err != nil {
		return false, fmt.Errorf("fetch page %d: %w", number, err)
	}
	if page.Exhausted() {
		return false, nil
	}

	users := outreach.Eligible(page.Users, p.seen, own)
	m.logger.Info("Filtered page users", "group", group.URLName, "page", number, "users", len(page.Users), "eligible", len(users))

	if err := m.messageUsers(ctx, p, users, group, summary); err != nil {
		return false, err
	}

	p.pages[group.URLName] = number + 1
	summary.Pages++
	return true, nil
}

func (m *Messenger) messageUsers(ctx context.Context, p *progress, users []outreach.User, group outreach.Group, summary *outreach.RunSummary) error {
	for _, u := range users {
		template := m.cfg.Templates[p.templateIndex%len(m.cfg.Templates)]
		text := Render(template, u.FirstName(), group.Name)

		start := m.cfg.Now()
		if err := m.browser.SendMessage(ctx, u, text); err != nil {
			return fmt.Errorf("message user %s: %w", u.ID, err)
		}

		p.seen.Add(u.ID)
		p.templateIndex = (p.templateIndex + 1) % len(m.cfg.Templates)
		summary.Sent++
		summary.Recipients = append(summary.Recipients, u.ID)

		if err := m.pace(ctx, m.cfg.Now().Sub(start)); err != nil {
			return err
		}
	}
	return nil
}
