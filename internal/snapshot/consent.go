package snapshot

import (
	"fmt"
	"strings"
)

// SelectorKind says how a ConsentRule selector is resolved.
type SelectorKind string

const (
	ByCSS   SelectorKind = "css"
	ByXPath SelectorKind = "xpath"
)

// ConsentAction is what to do with the matched element.
type ConsentAction string

// ConsentClick clicks the first visible match.
const ConsentClick ConsentAction = "click"

// ConsentRule is one probe for a cookie banner button. Rules are tried in
// order and the first one that succeeds ends the search.
type ConsentRule struct {
	Name     string        `mapstructure:"name"`
	Selector string        `mapstructure:"selector"`
	By       SelectorKind  `mapstructure:"by"`
	Action   ConsentAction `mapstructure:"action"`
}

// Validate checks that the rule can be executed.
func (r ConsentRule) Validate() error {
	if strings.TrimSpace(r.Selector) == "" {
		return fmt.Errorf("consent rule %q: selector is required", r.Name)
	}
	switch r.By {
	case ByCSS, ByXPath:
	default:
		return fmt.Errorf("consent rule %q: unknown selector kind %q", r.Name, r.By)
	}
	switch r.Action {
	case ConsentClick, "":
	default:
		return fmt.Errorf("consent rule %q: unknown action %q", r.Name, r.Action)
	}
	return nil
}

// buttonText matches a button whose normalized text contains label.
func buttonText(label string) ConsentRule {
	return ConsentRule{
		Name:     "text:" + label,
		Selector: fmt.Sprintf("//button[contains(normalize-space(.), %s)]", xpathLiteral(label)),
		By:       ByXPath,
		Action:   ConsentClick,
	}
}

// buttonExact matches a button whose normalized text equals label. Used for
// short labels that would otherwise match unrelated buttons.
func buttonExact(label string) ConsentRule {
	return ConsentRule{
		Name:     "exact:" + label,
		Selector: fmt.Sprintf("//button[normalize-space(.)=%s]", xpathLiteral(label)),
		By:       ByXPath,
		Action:   ConsentClick,
	}
}

func css(name, selector string) ConsentRule {
	return ConsentRule{Name: name, Selector: selector, By: ByCSS, Action: ConsentClick}
}

// DefaultConsentRules covers common Dutch and English cookie banners.
func DefaultConsentRules() []ConsentRule {
	return []ConsentRule{
		buttonText("Alle cookies accepteren"),
		buttonText("Alles accepteren"),
		buttonText("Accepteren"),
		buttonText("Akkoord"),
		buttonText("Ja, ik accepteer"),
		buttonText("Accept All Cookies"),
		buttonText("Accept all"),
		buttonText("Accept"),
		buttonText("Agree"),
		buttonText("Allow all"),
		buttonExact("OK"),
		css("onetrust-id", "#onetrust-accept-btn-handler"),
		css("onetrust-class", ".onetrust-accept-btn-handler"),
		css("accept-cookies-id", "#accept-cookies"),
		css("accept-cookies-class", ".accept-cookies"),
		css("cookie-class", `button[class*="cookie"][class*="accept"]`),
		css("consent-class", `button[class*="consent"][class*="accept"]`),
		css("cookie-id", `button[id*="cookie"][id*="accept"]`),
		css("consent-aria", `button[aria-label*="accept" i], button[aria-label*="accepteer" i]`),
	}
}

// xpathLiteral quotes s for use in an XPath 1.0 expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+p+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
