package checker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// hstsMinMaxAge is one year, the minimum max-age accepted for HSTS.
const hstsMinMaxAge = 31_536_000

var (
	hstsMaxAgePattern = regexp.MustCompile(`(?i)max-age=(\d+)`)
	digitPattern      = regexp.MustCompile(`\d`)
)

// headerRule evaluates one response header. value is "" when the header is absent.
type headerRule struct {
	Name     string
	Expected string
	Evaluate func(value string) (Severity, string, string)
}

// headerRules is evaluated in order against every successful response.
var headerRules = []headerRule{
	{
		Name:     "Strict-Transport-Security",
		Expected: "max-age=31536000; includeSubDomains",
		Evaluate: checkHSTS,
	},
	{
		Name:     "Content-Security-Policy",
		Expected: "A well-defined CSP policy",
		Evaluate: checkCSP,
	},
	{
		Name:     "X-Frame-Options",
		Expected: "DENY or SAMEORIGIN",
		Evaluate: checkXFrameOptions,
	},
	{
		Name:     "X-Content-Type-Options",
		Expected: "nosniff",
		Evaluate: checkXContentTypeOptions,
	},
	{
		Name:     "Referrer-Policy",
		Expected: "strict-origin-when-cross-origin or stricter",
		Evaluate: checkReferrerPolicy,
	},
	{
		Name:     "Permissions-Policy",
		Expected: "A defined permissions policy",
		Evaluate: checkPermissionsPolicy,
	},
	{
		Name:     "X-Powered-By",
		Expected: "Absent",
		Evaluate: checkPoweredBy,
	},
	{
		Name:     "Server",
		Expected: "Absent or generic without version info",
		Evaluate: checkServerHeader,
	},
}

// HeaderProbe fetches the target once, following redirects, and grades the
// hardening headers of the final response.
type HeaderProbe struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p *HeaderProbe) Name() string { return CategoryHeaders }

// Run performs the header analysis
func (p *HeaderProbe) Run(ctx context.Context, target string) []CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(p.Timeout, DefaultProbeTimeout))
	defer cancel()

	client := p.Client
	if client == nil {
		client = defaultHTTPClient()
	}

	resp, err := fetch(ctx, client, http.MethodGet, target)
	if err != nil {
		return []CheckResult{{
			Category:       CategoryHeaders,
			CheckName:      "HTTP-Reachability",
			Severity:       SeverityCritical,
			Expected:       "Site should be reachable",
			Message:        fmt.Sprintf("Failed to reach the site: %v", err),
			Recommendation: RecommendationFor("HTTP-Reachability"),
		}}
	}
	defer drain(resp)

	return AnalyzeSecurityHeaders(resp.Header)
}

// AnalyzeSecurityHeaders grades a set of response headers.
func AnalyzeSecurityHeaders(headers http.Header) []CheckResult {
	results := make([]CheckResult, 0, len(headerRules))
	for _, rule := range headerRules {
		value := headers.Get(rule.Name)
		severity, message, recommendation := rule.Evaluate(value)
		results = append(results, CheckResult{
			Category:       CategoryHeaders,
			CheckName:      rule.Name,
			Severity:       severity,
			Value:          value,
			Expected:       rule.Expected,
			Message:        message,
			Recommendation: recommendation,
		})
	}
	return results
}

// checkHSTS validates the Strict-Transport-Security header
func checkHSTS(value string) (Severity, string, string) {
	if value == "" {
		return SeverityCritical,
			"HSTS header is missing. Browsers cannot enforce HTTPS.",
			"Add the Strict-Transport-Security header with a max-age of at least 31536000 (1 year) and includeSubDomains directive."
	}

	var maxAge uint64
	if m := hstsMaxAgePattern.FindStringSubmatch(value); m != nil {
		parsed, err := strconv.ParseUint(m[1], 10, 64)
		switch {
		case err == nil:
			maxAge = parsed
		case errors.Is(err, strconv.ErrRange):
			// More digits than fit is still "forever".
			maxAge = math.MaxUint64
		}
	}
	if maxAge >= hstsMinMaxAge {
		return SeverityPass, "HSTS header is properly configured.", ""
	}
	return SeverityWarning,
		fmt.Sprintf("HSTS max-age is %d, which is less than the recommended 31536000 (1 year).", maxAge),
		"Increase the HSTS max-age to at least 31536000 seconds (1 year) and consider adding includeSubDomains and preload directives."
}

// checkCSP validates presence of Content-Security-Policy
func checkCSP(value string) (Severity, string, string) {
	if value != "" {
		return SeverityPass, "Content-Security-Policy header is present.", ""
	}
	return SeverityWarning,
		"Content-Security-Policy header is missing, leaving the site vulnerable to XSS and injection attacks.",
		`Define a Content-Security-Policy header that restricts resource origins. Start with a restrictive policy such as "default-src 'self'" and expand as needed.`
}

// checkXFrameOptions validates X-Frame-Options header
func checkXFrameOptions(value string) (Severity, string, string) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "DENY", "SAMEORIGIN":
		return SeverityPass, "X-Frame-Options header is properly configured.", ""
	}
	return SeverityWarning,
		"X-Frame-Options header is missing or misconfigured, making the site susceptible to clickjacking.",
		"Set the X-Frame-Options header to DENY (if no framing is needed) or SAMEORIGIN."
}

// checkXContentTypeOptions validates X-Content-Type-Options header
func checkXContentTypeOptions(value string) (Severity, string, string) {
	if strings.EqualFold(strings.TrimSpace(value), "nosniff") {
		return SeverityPass, "X-Content-Type-Options header is correctly set to nosniff.", ""
	}
	return SeverityWarning,
		"X-Content-Type-Options header is missing or not set to nosniff, allowing MIME-type sniffing.",
		"Add the header X-Content-Type-Options: nosniff to prevent browsers from MIME-sniffing the content type."
}

func checkReferrerPolicy(value string) (Severity, string, string) {
	if value != "" {
		return SeverityPass, fmt.Sprintf("Referrer-Policy is set to %q.", value), ""
	}
	return SeverityInfo,
		"Referrer-Policy header is missing. Browsers will use default referrer behavior.",
		`Add a Referrer-Policy header such as "strict-origin-when-cross-origin" or "no-referrer" to control referrer information leakage.`
}

func checkPermissionsPolicy(value string) (Severity, string, string) {
	if value != "" {
		return SeverityPass, "Permissions-Policy header is present.", ""
	}
	return SeverityInfo,
		"Permissions-Policy header is missing. Browser features like camera, microphone, and geolocation are not explicitly restricted.",
		`Add a Permissions-Policy header to restrict access to browser features, e.g. "camera=(), microphone=(), geolocation=()".`
}

// checkPoweredBy flags technology disclosure through X-Powered-By
func checkPoweredBy(value string) (Severity, string, string) {
	if value == "" {
		return SeverityPass, "X-Powered-By header is absent, reducing information disclosure.", ""
	}
	return SeverityWarning,
		fmt.Sprintf("X-Powered-By header reveals technology: %q. This is an information leak.", value),
		"Remove the X-Powered-By header from server responses to avoid revealing the underlying technology stack."
}

// checkServerHeader flags version numbers in the Server header
func checkServerHeader(value string) (Severity, string, string) {
	switch {
	case value == "":
		return SeverityPass, "Server header is absent, minimizing information disclosure.", ""
	case digitPattern.MatchString(value):
		return SeverityInfo,
			fmt.Sprintf("Server header reveals version information: %q.", value),
			"Configure your web server to suppress or genericize the Server header, removing version numbers and detailed product names."
	default:
		return SeverityPass, fmt.Sprintf("Server header is present but does not reveal version details: %q.", value), ""
	}
}
