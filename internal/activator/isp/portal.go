// Package isp renews home internet subscriptions by driving the ISP's admin
// portal in a headless Chrome. The portal has no API.
package isp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"github.com/netpulse/backend/internal/activator"
)

// Selectors locate the portal form fields. Defaults match the current portal.
type Selectors struct {
	Username     string
	Password     string
	LoginButton  string
	Dashboard    string
	Subscriber   string
	NotFound     string
	LastRenewal  string
	ExpiresAt    string
	PackageInput string
	RefInput     string
	DaysInput    string
	RenewButton  string
	RenewSuccess string
	RenewError   string
}

var DefaultSelectors = Selectors{
	Username:     `#username`,
	Password:     `#password`,
	LoginButton:  `#login`,
	Dashboard:    `#dashboard`,
	Subscriber:   `#subscriber`,
	NotFound:     `.subscriber-not-found`,
	LastRenewal:  `#last-renewal-ref`,
	ExpiresAt:    `#expires-at`,
	PackageInput: `#renew-package`,
	RefInput:     `#renew-reference`,
	DaysInput:    `#renew-days`,
	RenewButton:  `#renew-submit`,
	RenewSuccess: `.renew-success`,
	RenewError:   `.renew-error`,
}

type Config struct {
	BaseURL    string
	Username   string
	Password   string
	ChromePath string
	Headless   bool
	Timeout    time.Duration
	Selectors  Selectors
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	d := DefaultSelectors
	s := &c.Selectors
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&s.Username, d.Username}, {&s.Password, d.Password}, {&s.LoginButton, d.LoginButton},
		{&s.Dashboard, d.Dashboard}, {&s.Subscriber, d.Subscriber}, {&s.NotFound, d.NotFound},
		{&s.LastRenewal, d.LastRenewal}, {&s.ExpiresAt, d.ExpiresAt}, {&s.PackageInput, d.PackageInput},
		{&s.RefInput, d.RefInput}, {&s.DaysInput, d.DaysInput}, {&s.RenewButton, d.RenewButton},
		{&s.RenewSuccess, d.RenewSuccess}, {&s.RenewError, d.RenewError},
	} {
		if strings.TrimSpace(*f.dst) == "" {
			*f.dst = f.def
		}
	}
	return c
}

// PortalRenewer shares one Chrome process across renewals; each call runs in
// its own tab.
type PortalRenewer struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewPortalRenewer(cfg Config, log *slog.Logger) *PortalRenewer {
	if log == nil {
		log = slog.Default()
	}
	return &PortalRenewer{cfg: cfg.withDefaults(), log: log.With("component", "isp_portal")}
}

var _ activator.Renewer = (*PortalRenewer)(nil)

func (p *PortalRenewer) allocator() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocCtx != nil && p.allocCtx.Err() == nil {
		return p.allocCtx
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", p.cfg.Headless),
	)
	if path := strings.TrimSpace(p.cfg.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return p.allocCtx
}

// tab opens a tab bound to parent's cancellation and the configured timeout.
func (p *PortalRenewer) tab(parent context.Context) (context.Context, context.CancelFunc) {
	tabCtx, cancelTab := chromedp.NewContext(p.allocator())
	ctx, cancelTimeout := context.WithTimeout(tabCtx, p.cfg.Timeout)
	stop := context.AfterFunc(parent, cancelTab)
	return ctx, func() {
		stop()
		cancelTimeout()
		cancelTab()
	}
}

// Close stops the Chrome process.
func (p *PortalRenewer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
		p.allocCtx = nil
	}
}

func (p *PortalRenewer) login() chromedp.Tasks {
	s := p.cfg.Selectors
	return chromedp.Tasks{
		chromedp.Navigate(p.pageURL("/login")),
		chromedp.WaitVisible(s.Username),
		chromedp.SendKeys(s.Username, p.cfg.Username),
		chromedp.SendKeys(s.Password, p.cfg.Password),
		chromedp.Click(s.LoginButton),
		chromedp.WaitVisible(s.Dashboard),
	}
}

func (p *PortalRenewer) pageURL(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *PortalRenewer) subscriberURL(account string) string {
	return p.pageURL("/subscribers/" + url.PathEscape(account))
}

// openSubscriber logs in and loads the subscriber page. A missing subscriber
// is a permanent failure.
func (p *PortalRenewer) openSubscriber(ctx context.Context, r activator.Renewal) error {
	s := p.cfg.Selectors
	var missing []*cdp.Node
	err := chromedp.Run(ctx,
		p.login(),
		chromedp.Navigate(p.subscriberURL(r.AccountNumber)),
		chromedp.WaitReady("body"),
		chromedp.Nodes(s.NotFound, &missing, chromedp.AtLeast(0)),
	)
	if err != nil {
		return fmt.Errorf("open subscriber %s: %w", r.AccountNumber, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: subscriber %s not found on portal", activator.ErrPermanent, r.AccountNumber)
	}
	return chromedp.Run(ctx, chromedp.WaitVisible(s.Subscriber))
}

func (p *PortalRenewer) IsRenewed(ctx context.Context, r activator.Renewal) (*activator.RenewalReceipt, bool, error) {
	ctx, cancel := p.tab(ctx)
	defer cancel()

	if err := p.openSubscriber(ctx, r); err != nil {
		return nil, false, err
	}
	s := p.cfg.Selectors
	var lastRef, expires string
	if err := chromedp.Run(ctx,
		chromedp.Text(s.LastRenewal, &lastRef, chromedp.NodeVisible),
		chromedp.Text(s.ExpiresAt, &expires, chromedp.NodeVisible),
	); err != nil {
		return nil, false, fmt.Errorf("read renewal state: %w", err)
	}
	if strings.TrimSpace(lastRef) != r.Reference() {
		return nil, false, nil
	}
	exp, err := ParseExpiry(expires)
	if err != nil {
		return nil, false, err
	}
	return &activator.RenewalReceipt{Reference: r.Reference(), ExpiresAt: exp}, true, nil
}

func (p *PortalRenewer) Renew(ctx context.Context, r activator.Renewal) (*activator.RenewalReceipt, error) {
	ctx, cancel := p.tab(ctx)
	defer cancel()

	start := time.Now()
	if err := p.openSubscriber(ctx, r); err != nil {
		return nil, err
	}
	s := p.cfg.Selectors
	var (
		expires  string
		failures []*cdp.Node
		failText string
	)
	err := chromedp.Run(ctx,
		chromedp.SetValue(s.PackageInput, r.PackageCode),
		chromedp.SetValue(s.DaysInput, strconv.Itoa(r.DurationDays)),
		chromedp.SetValue(s.RefInput, r.Reference()),
		chromedp.Click(s.RenewButton),
		chromedp.WaitReady("body"),
		chromedp.Nodes(s.RenewError, &failures, chromedp.AtLeast(0)),
	)
	if err != nil {
		return nil, fmt.Errorf("submit renewal: %w", err)
	}
	if len(failures) > 0 {
		_ = chromedp.Run(ctx, chromedp.Text(s.RenewError, &failText))
		return nil, fmt.Errorf("portal rejected renewal: %s", strings.TrimSpace(failText))
	}
	if err := chromedp.Run(ctx,
		chromedp.WaitVisible(s.RenewSuccess),
		chromedp.Text(s.ExpiresAt, &expires, chromedp.NodeVisible),
	); err != nil {
		return nil, fmt.Errorf("confirm renewal: %w", err)
	}
	exp, err := ParseExpiry(expires)
	if err != nil {
		return nil, err
	}
	p.log.Info("subscription renewed on portal",
		"account", r.AccountNumber, "line_id", r.LineID, "expires_at", exp, "duration", time.Since(start))
	return &activator.RenewalReceipt{Reference: r.Reference(), ExpiresAt: exp}, nil
}

var expiryLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02", "02/01/2006"}

// ParseExpiry reads the expiry date as the portal renders it.
func ParseExpiry(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised expiry %q", raw)
}
