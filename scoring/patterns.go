package scoring

import (
	"regexp"
	"strings"
)

// EmailPattern is one entry of the ordered suspicious-address list.
type EmailPattern interface {
	Name() string
	Match(address string) bool
}

type regexPattern struct {
	name string
	re   *regexp.Regexp
}

func (p regexPattern) Name() string { return p.name }

func (p regexPattern) Match(address string) bool { return p.re.MatchString(address) }

// RegexPattern matches the lower-cased address against expr.
func RegexPattern(name, expr string) EmailPattern {
	return regexPattern{name: name, re: regexp.MustCompile(expr)}
}

type keywordPattern struct {
	name     string
	keywords []string
}

func (p keywordPattern) Name() string { return p.name }

func (p keywordPattern) Match(address string) bool {
	for _, kw := range p.keywords {
		if strings.Contains(address, kw) {
			return true
		}
	}
	return false
}

// KeywordPattern matches when the address contains any keyword.
func KeywordPattern(name string, keywords ...string) EmailPattern {
	return keywordPattern{name: name, keywords: append([]string(nil), keywords...)}
}

// DefaultEmailPatterns is checked in order; the first match wins.
func DefaultEmailPatterns() []EmailPattern {
	return []EmailPattern{
		RegexPattern("username_digits", `^[a-z]+[0-9]{3,}@`),
		RegexPattern("short_alnum_digits", `^[a-z0-9]{1,3}[0-9]{2,}@`),
		RegexPattern("first_last_digits", `^[a-z]+\.[a-z]+[0-9]{2,}@`),
		RegexPattern("leading_digits", `^[0-9]+`),
		KeywordPattern("throwaway_keyword", "test", "temp", "fake"),
	}
}
