package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// remoteLocator resolves an element by XPath inside a synthesized EVALUATE
// script and performs the DOM action there. Deliberately minimal for the
// relay channel: one lookup, no retry, no actionability wait.
type remoteLocator struct {
	page     *remotePage
	selector string
}

func (l *remoteLocator) xpath() string {
	return strings.TrimPrefix(l.selector, "xpath=")
}

// jsString renders s as a JS string literal. JSON string encoding is valid
// JS and handles quotes and control characters.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (l *remoteLocator) Click(ctx context.Context) (bool, error) {
	script := fmt.Sprintf(`(function() {
	const element = document.evaluate(
		%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null
	).singleNodeValue;
	if (element) {
		element.click();
		return true;
	}
	return false;
})()`, jsString(l.xpath()))

	return l.boolEvaluate(ctx, script)
}

func (l *remoteLocator) Fill(ctx context.Context, value string) (bool, error) {
	script := fmt.Sprintf(`(function() {
	const element = document.evaluate(
		%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null
	).singleNodeValue;
	if (element) {
		element.value = %s;
		element.dispatchEvent(new Event('input', { bubbles: true }));
		element.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	}
	return false;
})()`, jsString(l.xpath()), jsString(value))

	return l.boolEvaluate(ctx, script)
}

func (l *remoteLocator) Evaluate(ctx context.Context, fn string, args ...any) (json.RawMessage, error) {
	script := fmt.Sprintf(`(function() {
	const element = document.evaluate(
		%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null
	).singleNodeValue;
	if (element) {
		return (%s)(element);
	}
	return null;
})()`, jsString(l.xpath()), fn)

	return l.page.Evaluate(ctx, script, args...)
}

// First returns the locator itself: the XPath lookup already resolves the
// first ordered node.
func (l *remoteLocator) First() Locator {
	return l
}

func (l *remoteLocator) boolEvaluate(ctx context.Context, script string) (bool, error) {
	res, err := l.page.Evaluate(ctx, script)
	if err != nil {
		return false, err
	}
	var found bool
	if err := json.Unmarshal(res, &found); err != nil {
		return false, nil
	}
	return found, nil
}
