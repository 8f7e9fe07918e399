package affiliate

import (
	"context"
	"time"
)

// Canonical names for the attribution fields, used as log keys, span
// attributes and upstream header suffixes.
const (
	FieldFrom = "affiliate.from"
	FieldTime = "affiliate.time"
)

// Attribution is the referring origin credited for a visitor and the epoch
// second it was credited. The zero value means "no attribution".
type Attribution struct {
	From string `json:"from"`
	Time int64  `json:"time"`
}

// IsZero reports whether a carries no origin.
func (a Attribution) IsZero() bool { return a.From == "" }

// CreditedAt returns Time as a time.Time in UTC.
func (a Attribution) CreditedAt() time.Time {
	return time.Unix(a.Time, 0).UTC()
}

// Outcome classifies how a single request's attribution was resolved.
type Outcome string

const (
	// OutcomeNone: no cookie and nothing to credit.
	OutcomeNone Outcome = "none"
	// OutcomeSelfReferral: the referer points back at this site.
	OutcomeSelfReferral Outcome = "self_referral"
	// OutcomeNew: first attribution for a visitor without a cookie.
	OutcomeNew Outcome = "new"
	// OutcomeOverwritten: a different origin replaced the cookie attribution.
	OutcomeOverwritten Outcome = "overwritten"
	// OutcomeKept: the cookie attribution stands.
	OutcomeKept Outcome = "kept"
	// OutcomeThrottled: a credit was due but the credit limiter denied it.
	OutcomeThrottled Outcome = "throttled"
)

// Outcomes lists every Outcome, in a stable order.
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeNone,
		OutcomeSelfReferral,
		OutcomeNew,
		OutcomeOverwritten,
		OutcomeKept,
		OutcomeThrottled,
	}
}

// Resolution is the result of resolving one request.
type Resolution struct {
	Outcome     Outcome
	Attribution Attribution
	// Previous is the attribution read from the visitor's cookies, if any.
	Previous Attribution
	// WriteCookies is true when the response must carry fresh cookies.
	WriteCookies bool
}

type (
	ctxKey        struct{}
	resolutionKey struct{}
)

// WithAttribution attaches a to ctx. A zero Attribution leaves ctx unchanged.
func WithAttribution(ctx context.Context, a Attribution) context.Context {
	if a.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the attribution stored by the Filter, if any.
func FromContext(ctx context.Context) (Attribution, bool) {
	a, ok := ctx.Value(ctxKey{}).(Attribution)
	if !ok || a.IsZero() {
		return Attribution{}, false
	}
	return a, true
}

// WithResolution attaches res to ctx. The Filter stores every request's
// resolution so later middleware can tell whether it wrote cookies.
func WithResolution(ctx context.Context, res Resolution) context.Context {
	return context.WithValue(ctx, resolutionKey{}, res)
}

// ResolutionFromContext returns the resolution stored by the Filter. ok is
// false when the request did not pass through a Filter.
func ResolutionFromContext(ctx context.Context) (res Resolution, ok bool) {
	res, ok = ctx.Value(resolutionKey{}).(Resolution)
	return res, ok
}
