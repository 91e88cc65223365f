// Package browser provides the browser-automation tools the worker
// serves: start_browser, navigate_to, find_element and the rest. Tools
// drive a [Page] obtained from a [Launcher]; the production launcher is
// backed by playwright-go.
package browser

import "time"

// LaunchOptions selects the browser engine and window for a new page.
type LaunchOptions struct {
	Browser  string // chromium, firefox or webkit
	Headless bool
	Width    int
	Height   int
}

// Size is a window or viewport size in CSS pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ElementInfo describes the first element matching a locator.
type ElementInfo struct {
	TagName   string
	Text      string
	Enabled   bool
	Displayed bool
}

// PageInfo describes the current page.
type PageInfo struct {
	Title      string
	URL        string
	WindowSize Size
}

// Page is one open browser page. Selectors are in the launcher's
// native syntax; see [Selector]. Implementations need not be safe for
// concurrent use.
type Page interface {
	Navigate(url string, timeout time.Duration) error
	// Find waits up to timeout for selector to be attached.
	Find(selector string, timeout time.Duration) (ElementInfo, error)
	Click(selector string, timeout time.Duration) error
	// Type enters text, replacing the current value when clearFirst.
	Type(selector, text string, clearFirst bool, timeout time.Duration) error
	Text(selector string, timeout time.Duration) (string, error)
	Info() (PageInfo, error)
	// Content returns the serialized DOM.
	Content() (string, error)
	Screenshot(path string) error
	Evaluate(expression string) (any, error)
	Close() error
}

// Launcher opens pages.
type Launcher interface {
	Launch(opts LaunchOptions) (Page, error)
	// Close releases the launcher itself after all pages are closed.
	Close() error
}
