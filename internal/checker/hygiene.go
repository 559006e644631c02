package checker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	notFoundProbePath = "/nonexistent-path-test-404"
	maxRedirectHops   = 10
)

// errorSignatures are framework and stack-trace fragments that should never
// appear on a production error page.
var errorSignatures = []string{
	"at Object.<anonymous>",
	"at Module._compile",
	"at Function.Module",
	"stack trace",
	"Traceback (most recent call last)",
	"Exception in thread",
	"Microsoft .NET Framework",
	"Server Error in",
	"Fatal error:",
	"Parse error:",
	"Warning:",
	"django.core.exceptions",
	"org.apache.catalina",
	"java.lang.NullPointerException",
	"SQLSTATE[",
	"pg_query()",
	"mysql_fetch",
	"Unhandled Exception",
	"RuntimeError",
	"SyntaxError:",
	"ReferenceError:",
	"TypeError:",
}

// unsafeMethods should not be advertised by a public endpoint.
var unsafeMethods = map[string]bool{
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodTrace:  true,
	http.MethodPatch:  true,
}

// HygieneProbe covers the OWASP-style checks: cookie flags, error-page
// disclosure, advertised HTTP methods and HTTPS downgrade redirects.
type HygieneProbe struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p *HygieneProbe) Name() string { return CategoryOWASP }

// Run fetches the page for the cookie check, then runs the remaining three
// checks concurrently. Results keep a fixed order.
func (p *HygieneProbe) Run(ctx context.Context, target string) []CheckResult {
	client := p.Client
	if client == nil {
		client = defaultHTTPClient()
	}
	timeout := timeoutOr(p.Timeout, DefaultProbeTimeout)

	results := p.checkCookies(ctx, client, timeout, target)

	checks := []func(context.Context, *http.Client, string) CheckResult{
		checkInformationDisclosure,
		checkHTTPMethods,
		checkMixedContentRedirect,
	}
	tail := make([]CheckResult, len(checks))

	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check func(context.Context, *http.Client, string) CheckResult) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			tail[i] = check(checkCtx, client, target)
		}(i, check)
	}
	wg.Wait()

	return append(results, tail...)
}

func (p *HygieneProbe) checkCookies(ctx context.Context, client *http.Client, timeout time.Duration, target string) []CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := fetch(ctx, client, http.MethodGet, target)
	if err != nil {
		return []CheckResult{{
			Category:  CategoryOWASP,
			CheckName: "Cookie-Security",
			Severity:  SeverityInfo,
			Expected:  "Cookies use HttpOnly, Secure, and SameSite flags",
			Message:   "Could not fetch the target URL. Cookie security check skipped.",
		}}
	}
	defer drain(resp)
	return cookieResults(AnalyzeCookies(resp))
}

// checkInformationDisclosure requests a path that should not exist and scans
// the error page for stack traces and framework banners.
func checkInformationDisclosure(ctx context.Context, client *http.Client, target string) CheckResult {
	result := CheckResult{
		Category:  CategoryOWASP,
		CheckName: "Information-Disclosure",
		Expected:  "Clean error page without stack traces",
	}

	if body, status, ok := fetchBody(ctx, client, target, notFoundProbePath); ok {
		return disclosureResult(result, status, body)
	}

	result.Severity = SeverityInfo
	result.Message = "Could not fetch the 404 test page. Unable to verify information disclosure."
	return result
}

func fetchBody(ctx context.Context, client *http.Client, base, path string) (string, int, bool) {
	testURL, err := resolveReference(base, path)
	if err != nil {
		return "", 0, false
	}
	resp, err := fetch(ctx, client, http.MethodGet, testURL)
	if err != nil {
		return "", 0, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInspectBytes))
	if err != nil {
		return "", 0, false
	}
	return string(body), resp.StatusCode, true
}

// MatchErrorSignatures returns the known error signatures found in body.
func MatchErrorSignatures(body string) []string {
	var found []string
	for _, sig := range errorSignatures {
		if strings.Contains(body, sig) {
			found = append(found, sig)
		}
	}
	return found
}

func disclosureResult(result CheckResult, status int, body string) CheckResult {
	detected := MatchErrorSignatures(body)
	if len(detected) == 0 {
		result.Severity = SeverityPass
		result.Value = fmt.Sprintf("Status %d", status)
		result.Message = "Error page does not appear to reveal stack traces or framework details."
		return result
	}

	shown := detected
	suffix := ""
	if len(shown) > 3 {
		shown = shown[:3]
		suffix = "..."
	}
	result.Severity = SeverityWarning
	result.Value = fmt.Sprintf("Detected %d error signature(s)", len(detected))
	result.Message = fmt.Sprintf("Error page may reveal sensitive information. Detected framework error signatures: %s%s.", strings.Join(shown, ", "), suffix)
	result.Recommendation = RecommendationFor("Information-Disclosure")
	result.RawData = map[string]any{"detectedSignatures": detected}
	return result
}

// checkHTTPMethods sends OPTIONS and inspects the Allow header.
func checkHTTPMethods(ctx context.Context, client *http.Client, target string) CheckResult {
	const expected = "Only safe HTTP methods (GET, HEAD, POST, OPTIONS)"

	resp, err := fetch(ctx, client, http.MethodOptions, target)
	if err != nil {
		return CheckResult{
			Category:  CategoryOWASP,
			CheckName: "HTTP-Methods",
			Severity:  SeverityInfo,
			Expected:  expected,
			Message:   "Could not perform OPTIONS request. Unable to verify allowed HTTP methods.",
		}
	}
	defer drain(resp)

	allow := resp.Header.Get("Allow")
	methods := ParseAllowHeader(allow)
	var found []string
	for _, m := range methods {
		if unsafeMethods[m] {
			found = append(found, m)
		}
	}

	if len(found) > 0 {
		return CheckResult{
			Category:       CategoryOWASP,
			CheckName:      "HTTP-Methods",
			Severity:       SeverityWarning,
			Value:          allow,
			Expected:       expected,
			Message:        fmt.Sprintf("Potentially unsafe HTTP methods are advertised: %s.", strings.Join(found, ", ")),
			Recommendation: "Disable or restrict HTTP methods that are not required. TRACE should always be disabled. PUT and DELETE should only be available on authenticated API endpoints that require them.",
			RawData:        map[string]any{"advertisedMethods": methods, "unsafeMethods": found},
		}
	}

	value := allow
	if value == "" {
		value = "No Allow header (methods not advertised)"
	}
	return CheckResult{
		Category:  CategoryOWASP,
		CheckName: "HTTP-Methods",
		Severity:  SeverityPass,
		Value:     value,
		Expected:  expected,
		Message:   "No unsafe HTTP methods are advertised in the Allow header.",
	}
}

// ParseAllowHeader splits an Allow header into upper-cased method names.
func ParseAllowHeader(allow string) []string {
	var methods []string
	for _, part := range strings.Split(allow, ",") {
		if m := strings.ToUpper(strings.TrimSpace(part)); m != "" {
			methods = append(methods, m)
		}
	}
	return methods
}

// checkMixedContentRedirect walks the redirect chain of an https target by
// hand and flags any hop that lands on plain http.
func checkMixedContentRedirect(ctx context.Context, client *http.Client, target string) CheckResult {
	const expected = "HTTPS without HTTP downgrades"

	if !ParseTarget(target).IsHTTPS() {
		return CheckResult{
			Category:       CategoryOWASP,
			CheckName:      "Mixed-Content-Redirect",
			Severity:       SeverityInfo,
			Value:          "Site is not served over HTTPS",
			Expected:       expected,
			Message:        "The provided URL uses HTTP. Mixed-content redirect check is not applicable.",
			Recommendation: "Serve your site over HTTPS to protect data in transit.",
		}
	}

	if downgraded, hop := findHTTPDowngrade(ctx, withoutRedirects(client), target); downgraded {
		return CheckResult{
			Category:       CategoryOWASP,
			CheckName:      "Mixed-Content-Redirect",
			Severity:       SeverityWarning,
			Value:          "HTTP downgrade detected",
			Expected:       expected,
			Message:        "The HTTPS redirect chain includes at least one hop to an insecure HTTP URL.",
			Recommendation: RecommendationFor("Mixed-Content-Redirect"),
			RawData:        map[string]any{"downgradeLocation": hop},
		}
	}
	return CheckResult{
		Category:  CategoryOWASP,
		CheckName: "Mixed-Content-Redirect",
		Severity:  SeverityPass,
		Value:     "No HTTP downgrade",
		Expected:  expected,
		Message:   "The redirect chain stays on HTTPS throughout.",
	}
}

// findHTTPDowngrade follows at most maxRedirectHops redirects. Request errors
// end the walk without a finding.
func findHTTPDowngrade(ctx context.Context, client *http.Client, start string) (bool, string) {
	current := start
	for i := 0; i < maxRedirectHops; i++ {
		resp, err := fetch(ctx, client, http.MethodGet, current)
		if err != nil {
			return false, ""
		}
		drain(resp)

		location := resp.Header.Get("Location")
		if location == "" || !isRedirectStatus(resp.StatusCode) {
			return false, ""
		}
		next, err := resolveReference(current, location)
		if err != nil {
			return false, ""
		}
		if strings.HasPrefix(strings.ToLower(next), "http://") {
			return true, next
		}
		current = next
	}
	return false, ""
}

func resolveReference(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
