package frontier

import (
	"math"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// DefaultCrossDomainBoost is the weight multiplier for links leaving the
// source page's company-level domain.
const DefaultCrossDomainBoost = 2.0

// WeightedLink is an outgoing link with its share of the source weight.
type WeightedLink struct {
	URL         string
	Weight      int32
	CrossDomain bool
}

// SplitWeights divides sourceWeight among links. A link to the same
// company-level domain as sourceURL gets W/(nSame + boost*nCross); a
// cross-domain link gets boost times that. Invalid URLs, duplicates and
// self-links are dropped.
func SplitWeights(sourceURL string, sourceWeight int32, links []string, boost float64) []WeightedLink {
	if boost < 1 {
		boost = DefaultCrossDomainBoost
	}
	sourceNorm, _ := crawler.NormalizeURL(sourceURL)
	sourceCLD := crawler.CompanyLevelDomain(crawler.Host(sourceNorm))

	out := make([]WeightedLink, 0, len(links))
	uniq := make(map[string]struct{}, len(links))
	var nSame, nCross int
	for _, raw := range links {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil || normalized == sourceNorm {
			continue
		}
		if _, dup := uniq[normalized]; dup {
			continue
		}
		uniq[normalized] = struct{}{}
		cross := crawler.CompanyLevelDomain(crawler.Host(normalized)) != sourceCLD
		if cross {
			nCross++
		} else {
			nSame++
		}
		out = append(out, WeightedLink{URL: normalized, CrossDomain: cross})
	}
	if len(out) == 0 {
		return nil
	}

	denom := float64(nSame) + boost*float64(nCross)
	same := float64(sourceWeight) / denom
	for i := range out {
		w := same
		if out[i].CrossDomain {
			w = boost * same
		}
		out[i].Weight = clampWeight(int64(math.Floor(w)))
	}
	return out
}

// IsLinkFarm reports whether a page's outbound links look like a link farm:
// at least minLinks links leaving the source's company-level domain, spread
// over too few distinct company-level domains. Links within the source's own
// domain are navigation and are not counted.
func IsLinkFarm(sourceURL string, links []string, ratio float64, minLinks int) bool {
	sourceCLD := crawler.CompanyLevelDomain(crawler.Host(sourceURL))
	domains := make(map[string]struct{})
	outbound := 0
	for _, link := range links {
		host := crawler.Host(link)
		if host == "" {
			continue
		}
		cld := crawler.CompanyLevelDomain(host)
		if cld == sourceCLD {
			continue
		}
		outbound++
		domains[cld] = struct{}{}
	}
	if outbound == 0 || outbound < minLinks {
		return false
	}
	return float64(len(domains))/float64(outbound) < ratio
}
