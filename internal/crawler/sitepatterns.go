package crawler

import "strings"

// SitePatterns matches URLs against configured site patterns. A pattern
// containing "://" is a URL prefix; otherwise it is a host pattern that is
// either exact ("example.org") or a suffix wildcard ("*.example.org",
// ".example.org").
type SitePatterns struct {
	exact    map[string]struct{}
	suffixes []string
	prefixes []string
}

// NewSitePatterns compiles patterns. It returns nil when no pattern is usable;
// a nil *SitePatterns matches nothing.
func NewSitePatterns(patterns []string) *SitePatterns {
	matcher := &SitePatterns{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.Contains(value, "://"):
			matcher.prefixes = append(matcher.prefixes, value)
		case strings.HasPrefix(value, "*."):
			if suffix := strings.TrimPrefix(value, "*."); suffix != "" {
				matcher.addSuffix(suffix)
			}
		case strings.HasPrefix(value, "."):
			if suffix := strings.TrimPrefix(value, "."); suffix != "" {
				matcher.addSuffix(suffix)
			}
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 && len(matcher.prefixes) == 0 {
		return nil
	}
	return matcher
}

func (p *SitePatterns) addSuffix(suffix string) {
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// MatchHost reports whether host matches one of the host patterns.
func (p *SitePatterns) MatchHost(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Match reports whether rawURL matches any pattern.
func (p *SitePatterns) Match(rawURL string) bool {
	if p == nil {
		return false
	}
	lower := strings.ToLower(rawURL)
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	host := Host(rawURL)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return p.MatchHost(host)
}

// Empty reports whether no pattern was configured.
func (p *SitePatterns) Empty() bool {
	return p == nil
}
