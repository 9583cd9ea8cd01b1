package browserd

import (
	"fmt"
	"strconv"
	"strings"

	"socialgraph-backend/internal/graph"
	"socialgraph-backend/internal/policy"
	"socialgraph-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
)

// parseProfileFragment extracts the profile overview out of the header
// markup the sidecar captured. Fields the platform omitted stay nil; the
// caller decides whether the result is complete enough.
//
// Expected fragment shape:
//
//	<div class="profile-header">
//	  <span data-field="username">@alice</span>
//	  <span data-field="display-name">Alice</span>
//	  <div data-field="bio">...</div>
//	  <span data-field="location">...</span>
//	  <a data-field="website" href="...">
//	  <img data-field="avatar" src="...">
//	  <a data-count="following"><span class="count">853</span></a>
//	  <a data-count="followers"><span class="count">5.3K</span></a>
//	</div>
func parseProfileFragment(fragment string) (policy.Profile, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return policy.Profile{}, fmt.Errorf("parse html: %w", err)
	}

	var profile policy.Profile

	if username := field(doc, "username"); username != nil {
		profile.Username = graph.Ptr(strings.TrimPrefix(*username, "@"))
	}
	profile.DisplayName = field(doc, "display-name")
	profile.Bio = field(doc, "bio")
	profile.Location = field(doc, "location")
	profile.Website = attr(doc, "website", "href")
	profile.ProfileImageURL = attr(doc, "avatar", "src")

	profile.FollowingClaimed, err = count(doc, "following")
	if err != nil {
		return policy.Profile{}, err
	}
	profile.FollowersClaimed, err = count(doc, "followers")
	if err != nil {
		return policy.Profile{}, err
	}

	return profile, nil
}

func field(doc *goquery.Document, name string) *string {
	sel := doc.Find(fmt.Sprintf(`[data-field=%q]`, name))
	if sel.Length() == 0 {
		return nil
	}
	text := strings.TrimSpace(sel.First().Text())
	if text == "" {
		return nil
	}
	return &text
}

func attr(doc *goquery.Document, name, attrName string) *string {
	sel := doc.Find(fmt.Sprintf(`[data-field=%q]`, name))
	if sel.Length() == 0 {
		return nil
	}
	value := strings.TrimSpace(sel.First().AttrOr(attrName, ""))
	if value == "" {
		return nil
	}
	return &value
}

// count reads one abbreviated stat off the header, nil when the platform
// did not render it.
func count(doc *goquery.Document, name string) (*int64, error) {
	sel := doc.Find(fmt.Sprintf(`[data-count=%q] span.count`, name))
	if sel.Length() == 0 {
		return nil, nil
	}
	n, err := parseCount(sel.First().Text())
	if err != nil {
		return nil, fmt.Errorf("parse %s count: %w", name, err)
	}
	return &n, nil
}

var countMultipliers = map[string]float64{
	"K": 1e3,
	"M": 1e6,
	"B": 1e9,
}

// parseCount de-abbreviates a rendered follower count: "1,234", "5.3K",
// "1.2M". Abbreviated values are approximations, which is fine since the
// freshness evaluator only compares them against a percentage threshold.
func parseCount(raw string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(textutil.Fold(raw)))
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty count")
	}

	for suffix, mult := range countMultipliers {
		if strings.HasSuffix(s, suffix) {
			f, err := strconv.ParseFloat(strings.TrimSuffix(s, suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("malformed count %q", raw)
			}
			return int64(f * mult), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed count %q", raw)
	}
	return n, nil
}
