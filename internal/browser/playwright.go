package browser

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightConfig configures a [PlaywrightLauncher].
type PlaywrightConfig struct {
	// Install downloads the driver and browsers before the first launch.
	Install bool
	Logger  *slog.Logger
}

// PlaywrightLauncher launches pages through playwright-go. The driver
// process starts lazily on the first Launch.
type PlaywrightLauncher struct {
	cfg    PlaywrightConfig
	logger *slog.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

// NewPlaywrightLauncher creates a launcher; nothing starts until Launch.
func NewPlaywrightLauncher(cfg PlaywrightConfig) *PlaywrightLauncher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaywrightLauncher{cfg: cfg, logger: logger}
}

func (l *PlaywrightLauncher) driver() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return l.pw, nil
	}

	// stdout carries the protocol; driver chatter goes to stderr.
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  os.Stderr,
		Stderr:  os.Stderr,
	}
	if l.cfg.Install {
		l.logger.Info("installing playwright driver and browsers")
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	l.pw = pw
	return pw, nil
}

// Launch starts a browser with one context and one page.
func (l *PlaywrightLauncher) Launch(opts LaunchOptions) (Page, error) {
	pw, err := l.driver()
	if err != nil {
		return nil, err
	}

	var bt playwright.BrowserType
	switch opts.Browser {
	case "firefox":
		bt = pw.Firefox
	case "webkit":
		bt = pw.WebKit
	default:
		bt = pw.Chromium
	}

	headless := opts.Headless
	b, err := bt.Launch(playwright.BrowserTypeLaunchOptions{Headless: &headless})
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", opts.Browser, err)
	}

	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: opts.Width, Height: opts.Height},
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		b.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	l.logger.Info("browser launched", "browser", opts.Browser, "headless", opts.Headless,
		"width", opts.Width, "height", opts.Height)
	return &playwrightPage{browser: b, context: bctx, page: page}, nil
}

// Close stops the playwright driver.
func (l *PlaywrightLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	if err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

type playwrightPage struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

func ms(d time.Duration) *float64 {
	v := float64(d.Milliseconds())
	return &v
}

func (p *playwrightPage) Navigate(url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{Timeout: ms(timeout)})
	return err
}

func (p *playwrightPage) Find(selector string, timeout time.Duration) (ElementInfo, error) {
	loc := p.page.Locator(selector).First()
	state := playwright.WaitForSelectorState("attached")
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: &state, Timeout: ms(timeout)}); err != nil {
		return ElementInfo{}, err
	}

	var info ElementInfo
	tag, err := loc.Evaluate("el => el.tagName.toLowerCase()", nil)
	if err != nil {
		return ElementInfo{}, err
	}
	info.TagName, _ = tag.(string)
	if info.Text, err = loc.InnerText(); err != nil {
		return ElementInfo{}, err
	}
	if info.Enabled, err = loc.IsEnabled(); err != nil {
		return ElementInfo{}, err
	}
	if info.Displayed, err = loc.IsVisible(); err != nil {
		return ElementInfo{}, err
	}
	return info, nil
}

func (p *playwrightPage) Click(selector string, timeout time.Duration) error {
	return p.page.Locator(selector).First().Click(playwright.LocatorClickOptions{Timeout: ms(timeout)})
}

func (p *playwrightPage) Type(selector, text string, clearFirst bool, timeout time.Duration) error {
	loc := p.page.Locator(selector).First()
	if clearFirst {
		return loc.Fill(text, playwright.LocatorFillOptions{Timeout: ms(timeout)})
	}
	if err := loc.Focus(playwright.LocatorFocusOptions{Timeout: ms(timeout)}); err != nil {
		return err
	}
	return p.page.Keyboard().Type(text)
}

func (p *playwrightPage) Text(selector string, timeout time.Duration) (string, error) {
	return p.page.Locator(selector).First().InnerText(playwright.LocatorInnerTextOptions{Timeout: ms(timeout)})
}

func (p *playwrightPage) Info() (PageInfo, error) {
	title, err := p.page.Title()
	if err != nil {
		return PageInfo{}, err
	}
	info := PageInfo{Title: title, URL: p.page.URL()}
	if vp := p.page.ViewportSize(); vp != nil {
		info.WindowSize = Size{Width: vp.Width, Height: vp.Height}
	}
	return info, nil
}

func (p *playwrightPage) Content() (string, error) {
	return p.page.Content()
}

func (p *playwrightPage) Screenshot(path string) error {
	fullPage := true
	_, err := p.page.Screenshot(playwright.PageScreenshotOptions{Path: &path, FullPage: &fullPage})
	return err
}

func (p *playwrightPage) Evaluate(expression string) (any, error) {
	return p.page.Evaluate(expression)
}

// Close closes the page, its context and the browser, reporting every
// failure.
func (p *playwrightPage) Close() error {
	var errs []error
	for _, c := range []struct {
		what  string
		close func() error
	}{
		{"page", func() error { return p.page.Close() }},
		{"context", func() error { return p.context.Close() }},
		{"browser", func() error { return p.browser.Close() }},
	} {
		if err := c.close(); err != nil && !strings.Contains(err.Error(), "closed") {
			errs = append(errs, fmt.Errorf("close %s: %w", c.what, err))
		}
	}
	return errors.Join(errs...)
}
