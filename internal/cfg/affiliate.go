package cfg

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/affiliate"
)

// ParseSameSite maps a config value to http.SameSite.
func ParseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lax", "":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	case "default":
		return http.SameSiteDefaultMode, nil
	default:
		return 0, fmt.Errorf("invalid COOKIE_SAMESITE %q (valid values are lax|strict|none|default)", s)
	}
}

// ToFilterOptions translates the attribution settings into filter options.
// Call after Validate; an invalid SameSite falls back to Lax.
func (c App) ToFilterOptions() []affiliate.Option {
	ss, err := ParseSameSite(c.CookieSameSite)
	if err != nil {
		ss = http.SameSiteLaxMode
	}
	return []affiliate.Option{
		affiliate.WithTTL(c.AffiliateTTL),
		affiliate.WithDomain(c.AffiliateDomain),
		affiliate.WithOverwrite(c.AffiliateOverwrite),
		affiliate.WithCookieNames(c.FromCookie, c.TimeCookie),
		affiliate.WithTagParam(c.TagParam),
		affiliate.WithCookiePath(c.CookiePath),
		affiliate.WithSecure(c.CookieSecure),
		affiliate.WithHTTPOnly(c.CookieHTTPOnly),
		affiliate.WithSameSite(ss),
	}
}
