// Package upstream forwards attributed requests to the application behind
// this service and supplies a built-in landing handler when there is none.
//
// The proxy hands the resolved attribution to the application as the
// X-Affiliate-From and X-Affiliate-Time request headers. Client-supplied
// copies of those headers are always removed first.
package upstream
