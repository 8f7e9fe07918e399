// Package affiliate detects requests that arrived through an affiliate
// referral link and remembers who referred the visitor.
//
// The Filter middleware resolves an Attribution (the referring origin plus
// the epoch second it was credited) from the visitor's cookies and the
// current request, stores it in the request context for downstream
// handlers, and writes it back to the visitor as two cookies whenever the
// credited origin changes. Nothing is stored server-side: the cookies are
// the only persistence.
//
// Resolution rules, in order:
//   - a Referer that contains the site's own host is a self-referral and the
//     request is left untouched (no context fields, no cookies)
//   - with no attribution cookie, the candidate (tag parameter if enabled,
//     otherwise the Referer) is credited
//   - with an attribution cookie, a different candidate replaces it only when
//     overwrite is enabled, otherwise the cookie attribution is kept
//
// Empty values are treated as absent throughout. The filter never fails a
// request; anything the downstream handler does passes through unchanged.
package affiliate
