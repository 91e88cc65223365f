package browser

import "strings"

// LocatorTypes lists the accepted locator_type values.
var LocatorTypes = []string{"css", "xpath", "id", "name", "class", "tag", "link_text", "partial_link_text"}

// Selector converts a locator and its type into a playwright selector.
// Unknown types fall back to css.
func Selector(locatorType, locator string) string {
	switch strings.ToLower(locatorType) {
	case "xpath":
		return "xpath=" + locator
	case "id":
		return "id=" + locator
	case "name":
		return `css=[name="` + cssEscape(locator) + `"]`
	case "class":
		return `css=[class~="` + cssEscape(locator) + `"]`
	case "tag":
		return "css=" + locator
	case "link_text":
		return "xpath=//a[normalize-space(.)=" + xpathLiteral(locator) + "]"
	case "partial_link_text":
		return "xpath=//a[contains(normalize-space(.), " + xpathLiteral(locator) + ")]"
	default:
		return "css=" + locator
	}
}

func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// xpathLiteral quotes s for XPath 1.0, which has no escape syntax.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	var b strings.Builder
	b.WriteString("concat(")
	for i, p := range parts {
		if i > 0 {
			b.WriteString(`, '"', `)
		}
		b.WriteString(`"` + p + `"`)
	}
	b.WriteString(")")
	return b.String()
}
