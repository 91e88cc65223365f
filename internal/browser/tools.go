package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/webpilot/internal/worker"
)

// DefaultTimeout is used for element waits when a call gives none.
const DefaultTimeout = 10 * time.Second

// ErrNotStarted is returned by every page tool before start_browser.
var ErrNotStarted = errors.New("browser not started; use start_browser first")

// Config configures a [Controller].
type Config struct {
	// Browser and Headless are the start_browser defaults.
	Browser  string
	Headless bool

	// ScreenshotDir receives screenshots saved under a relative name.
	ScreenshotDir string

	// Now stamps default screenshot names. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Controller owns at most one open page and exposes it as worker tools.
// Tool calls are serialized.
type Controller struct {
	launcher Launcher
	cfg      Config
	logger   *slog.Logger

	mu   sync.Mutex
	page Page
}

// NewController creates a controller that launches pages with launcher.
func NewController(launcher Launcher, cfg Config) *Controller {
	if cfg.Browser == "" {
		cfg.Browser = "chromium"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{launcher: launcher, cfg: cfg, logger: logger.With("component", "browser")}
}

// Close closes the open page, if any, and the launcher.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.page != nil {
		errs = append(errs, c.page.Close())
		c.page = nil
	}
	errs = append(errs, c.launcher.Close())
	return errors.Join(errs...)
}

// withPage runs fn on the open page under the controller lock.
func (c *Controller) withPage(fn func(p Page) (string, error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil {
		return "", ErrNotStarted
	}
	return fn(c.page)
}

// Argument structs. Fields without omitempty are required.

type startArgs struct {
	Browser    string `json:"browser,omitempty" jsonschema:"enum=chromium,enum=firefox,enum=webkit,enum=chrome" jsonschema_description:"Browser engine to use"`
	Headless   *bool  `json:"headless,omitempty" jsonschema_description:"Run the browser without a visible window"`
	WindowSize string `json:"window_size,omitempty" jsonschema_description:"Window size as width,height (default 1920,1080)"`
}

type navigateArgs struct {
	URL string `json:"url" jsonschema_description:"URL to navigate to"`
}

type locatorArgs struct {
	Locator     string  `json:"locator" jsonschema_description:"CSS selector, XPath, or other locator"`
	LocatorType string  `json:"locator_type,omitempty" jsonschema:"enum=css,enum=xpath,enum=id,enum=name,enum=class,enum=tag,enum=link_text,enum=partial_link_text,default=css" jsonschema_description:"Type of locator"`
	Timeout     float64 `json:"timeout,omitempty" jsonschema:"default=10" jsonschema_description:"Timeout in seconds"`
}

type typeArgs struct {
	Locator     string `json:"locator" jsonschema_description:"Element locator"`
	Text        string `json:"text" jsonschema_description:"Text to type"`
	LocatorType string `json:"locator_type,omitempty" jsonschema:"enum=css,enum=xpath,enum=id,enum=name,enum=class,enum=tag,default=css"`
	ClearFirst  *bool  `json:"clear_first,omitempty" jsonschema:"default=true" jsonschema_description:"Clear the field before typing"`
}

type textArgs struct {
	Locator     string `json:"locator" jsonschema_description:"Element locator"`
	LocatorType string `json:"locator_type,omitempty" jsonschema:"enum=css,enum=xpath,enum=id,enum=name,enum=class,enum=tag,default=css"`
}

type pageTextArgs struct {
	MaxLength int `json:"max_length,omitempty" jsonschema:"default=8000" jsonschema_description:"Maximum characters of text to return"`
}

type screenshotArgs struct {
	Filename string `json:"filename,omitempty" jsonschema_description:"Optional filename for the screenshot"`
}

// noArgs is the argument type of tools that take no parameters.
type noArgs struct{}

type scriptArgs struct {
	Script string `json:"script" jsonschema_description:"JavaScript to execute; use return to produce a value"`
}

// Tools returns the browser tools in advertisement order.
func (c *Controller) Tools() []worker.Tool {
	return []worker.Tool{
		worker.NewTool("start_browser", "Start a new browser session", c.startBrowser),
		worker.NewTool("navigate_to", "Navigate to a URL", c.navigateTo),
		worker.NewTool("find_element", "Find an element on the page", c.findElement),
		worker.NewTool("click_element", "Click on an element", c.clickElement),
		worker.NewTool("type_text", "Type text into an element", c.typeText),
		worker.NewTool("get_text", "Get text content from an element", c.getText),
		worker.NewTool("get_page_info", "Get current page information", c.getPageInfo),
		worker.NewTool("get_page_text", "Get the readable text of the current page", c.getPageText),
		worker.NewTool("take_screenshot", "Take a screenshot of the current page", c.takeScreenshot),
		worker.NewTool("execute_script", "Execute JavaScript on the page", c.executeScript),
		worker.NewTool("close_browser", "Close the browser session", c.closeBrowser),
	}
}

func (c *Controller) startBrowser(_ context.Context, a startArgs) (string, error) {
	name := a.Browser
	if name == "" {
		name = c.cfg.Browser
	}
	engine, err := engineFor(name)
	if err != nil {
		return "", err
	}
	headless := c.cfg.Headless
	if a.Headless != nil {
		headless = *a.Headless
	}
	size, err := parseWindowSize(a.WindowSize)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.page != nil {
		if err := c.page.Close(); err != nil {
			c.logger.Warn("closing previous browser", "error", err)
		}
		c.page = nil
	}

	page, err := c.launcher.Launch(LaunchOptions{
		Browser:  engine,
		Headless: headless,
		Width:    size.Width,
		Height:   size.Height,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start browser: %w", err)
	}
	c.page = page
	return fmt.Sprintf("Browser %s started successfully", name), nil
}

func engineFor(name string) (string, error) {
	switch strings.ToLower(name) {
	case "chromium", "chrome":
		return "chromium", nil
	case "firefox":
		return "firefox", nil
	case "webkit":
		return "webkit", nil
	default:
		return "", fmt.Errorf("unsupported browser %q (valid: chromium, chrome, firefox, webkit)", name)
	}
}

var windowSizeRE = regexp.MustCompile(`^\s*(\d+)\s*[,x]\s*(\d+)\s*$`)

func parseWindowSize(s string) (Size, error) {
	if s == "" {
		return Size{Width: 1920, Height: 1080}, nil
	}
	m := windowSizeRE.FindStringSubmatch(s)
	if m == nil {
		return Size{}, fmt.Errorf("invalid window_size %q (want width,height)", s)
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	if w == 0 || h == 0 {
		return Size{}, fmt.Errorf("invalid window_size %q (zero dimension)", s)
	}
	return Size{Width: w, Height: h}, nil
}

func (c *Controller) navigateTo(_ context.Context, a navigateArgs) (string, error) {
	if a.URL == "" {
		return "", errors.New("url is required")
	}
	return c.withPage(func(p Page) (string, error) {
		if err := p.Navigate(a.URL, 3*DefaultTimeout); err != nil {
			return "", fmt.Errorf("navigation failed: %w", err)
		}
		return "Navigated to " + a.URL, nil
	})
}

func timeoutOf(seconds float64) time.Duration {
	if seconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}

// foundElement is the find_element report.
type foundElement struct {
	Found     bool   `json:"found"`
	TagName   string `json:"tag_name"`
	Text      string `json:"text"`
	Enabled   bool   `json:"enabled"`
	Displayed bool   `json:"displayed"`
}

func (c *Controller) findElement(_ context.Context, a locatorArgs) (string, error) {
	timeout := timeoutOf(a.Timeout)
	return c.withPage(func(p Page) (string, error) {
		info, err := p.Find(Selector(a.LocatorType, a.Locator), timeout)
		if err != nil {
			return "", fmt.Errorf("element not found within %s: %w", formatSeconds(timeout), err)
		}
		text := info.Text
		if len(text) > 100 {
			text = text[:100] + "..."
		}
		data, err := json.MarshalIndent(foundElement{
			Found:     true,
			TagName:   info.TagName,
			Text:      text,
			Enabled:   info.Enabled,
			Displayed: info.Displayed,
		}, "", "  ")
		if err != nil {
			return "", err
		}
		return "Element found: " + string(data), nil
	})
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + " seconds"
}

func (c *Controller) clickElement(_ context.Context, a locatorArgs) (string, error) {
	timeout := timeoutOf(a.Timeout)
	return c.withPage(func(p Page) (string, error) {
		if err := p.Click(Selector(a.LocatorType, a.Locator), timeout); err != nil {
			return "", fmt.Errorf("click failed: %w", err)
		}
		return "Element clicked successfully", nil
	})
}

func (c *Controller) typeText(_ context.Context, a typeArgs) (string, error) {
	clearFirst := a.ClearFirst == nil || *a.ClearFirst
	return c.withPage(func(p Page) (string, error) {
		if err := p.Type(Selector(a.LocatorType, a.Locator), a.Text, clearFirst, DefaultTimeout); err != nil {
			return "", fmt.Errorf("type failed: %w", err)
		}
		return "Typed text: " + a.Text, nil
	})
}

func (c *Controller) getText(_ context.Context, a textArgs) (string, error) {
	return c.withPage(func(p Page) (string, error) {
		text, err := p.Text(Selector(a.LocatorType, a.Locator), DefaultTimeout)
		if err != nil {
			return "", fmt.Errorf("get text failed: %w", err)
		}
		return "Element text: " + text, nil
	})
}

type pageInfo struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	WindowSize Size   `json:"window_size"`
}

func (c *Controller) getPageInfo(_ context.Context, _ noArgs) (string, error) {
	return c.withPage(func(p Page) (string, error) {
		info, err := p.Info()
		if err != nil {
			return "", fmt.Errorf("get page info failed: %w", err)
		}
		data, err := json.MarshalIndent(pageInfo(info), "", "  ")
		if err != nil {
			return "", err
		}
		return "Page info: " + string(data), nil
	})
}

func (c *Controller) getPageText(_ context.Context, a pageTextArgs) (string, error) {
	return c.withPage(func(p Page) (string, error) {
		content, err := p.Content()
		if err != nil {
			return "", fmt.Errorf("get page content failed: %w", err)
		}
		r, err := ReadableText(content, a.MaxLength)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		if r.Title != "" {
			b.WriteString("Title: " + r.Title + "\n\n")
		}
		b.WriteString(r.Text)
		if r.Truncated {
			b.WriteString("\n\n[Text truncated]")
		}
		return b.String(), nil
	})
}

func (c *Controller) takeScreenshot(_ context.Context, a screenshotArgs) (string, error) {
	name := a.Filename
	if name == "" {
		name = fmt.Sprintf("screenshot_%d.png", c.cfg.Now().Unix())
	}
	if !filepath.IsAbs(name) && c.cfg.ScreenshotDir != "" {
		name = filepath.Join(c.cfg.ScreenshotDir, name)
	}
	return c.withPage(func(p Page) (string, error) {
		if err := p.Screenshot(name); err != nil {
			return "", fmt.Errorf("screenshot failed: %w", err)
		}
		return "Screenshot saved as " + name, nil
	})
}

var returnRE = regexp.MustCompile(`\breturn\b`)

// scriptExpression wraps statement-style scripts in a function so a
// top-level return works.
func scriptExpression(script string) string {
	if returnRE.MatchString(script) {
		return "() => {\n" + script + "\n}"
	}
	return script
}

func (c *Controller) executeScript(_ context.Context, a scriptArgs) (string, error) {
	if strings.TrimSpace(a.Script) == "" {
		return "", errors.New("script is required")
	}
	return c.withPage(func(p Page) (string, error) {
		result, err := p.Evaluate(scriptExpression(a.Script))
		if err != nil {
			return "", fmt.Errorf("script execution failed: %w", err)
		}
		return "Script executed. Result: " + formatResult(result), nil
	})
}

func formatResult(v any) string {
	switch r := v.(type) {
	case nil:
		return "null"
	case string:
		return r
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func (c *Controller) closeBrowser(_ context.Context, _ noArgs) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil {
		return "No browser session to close", nil
	}
	err := c.page.Close()
	c.page = nil
	if err != nil {
		return "", fmt.Errorf("error closing browser: %w", err)
	}
	return "Browser closed successfully", nil
}
