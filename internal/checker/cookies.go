package checker

import (
	"fmt"
	"net/http"
	"strings"
)

// CookieFinding describes the security flags of one Set-Cookie header.
type CookieFinding struct {
	Name            string
	RawSetCookie    string
	MissingHTTPOnly bool
	MissingSecure   bool
	MissingSameSite bool
}

// MissingFlags lists the absent flags in HttpOnly, Secure, SameSite order.
func (f CookieFinding) MissingFlags() []string {
	var missing []string
	if f.MissingHTTPOnly {
		missing = append(missing, "HttpOnly")
	}
	if f.MissingSecure {
		missing = append(missing, "Secure")
	}
	if f.MissingSameSite {
		missing = append(missing, "SameSite")
	}
	return missing
}

// AnalyzeCookies inspects every Set-Cookie header for HttpOnly, Secure and SameSite.
func AnalyzeCookies(resp *http.Response) []CookieFinding {
	if resp == nil {
		return nil
	}

	raw := resp.Header.Values("Set-Cookie")
	findings := make([]CookieFinding, 0, len(raw))
	for _, line := range raw {
		findings = append(findings, analyzeSetCookie(line))
	}
	return findings
}

func analyzeSetCookie(line string) CookieFinding {
	cookie, err := http.ParseSetCookie(line)
	if err != nil {
		// Fall back to attribute sniffing for headers net/http rejects.
		name := strings.TrimSpace(strings.SplitN(line, "=", 2)[0])
		if name == "" {
			name = "unknown"
		}
		lower := strings.ToLower(line)
		return CookieFinding{
			Name:            name,
			RawSetCookie:    line,
			MissingHTTPOnly: !strings.Contains(lower, "httponly"),
			MissingSecure:   !strings.Contains(lower, "secure"),
			MissingSameSite: !strings.Contains(lower, "samesite"),
		}
	}
	return CookieFinding{
		Name:            cookie.Name,
		RawSetCookie:    line,
		MissingHTTPOnly: !cookie.HttpOnly,
		MissingSecure:   !cookie.Secure,
		MissingSameSite: cookie.SameSite == 0,
	}
}

// cookieResults turns cookie findings into check results. A response without
// cookies yields a single PASS.
func cookieResults(findings []CookieFinding) []CheckResult {
	const expected = "HttpOnly; Secure; SameSite"

	if len(findings) == 0 {
		return []CheckResult{{
			Category:  CategoryOWASP,
			CheckName: "Cookie-Security",
			Severity:  SeverityPass,
			Value:     "No cookies set",
			Expected:  "Cookies use HttpOnly, Secure, and SameSite flags",
			Message:   "No Set-Cookie headers detected. Nothing to evaluate.",
		}}
	}

	results := make([]CheckResult, 0, len(findings))
	for _, f := range findings {
		missing := f.MissingFlags()
		result := CheckResult{
			Category:  CategoryOWASP,
			CheckName: "Cookie-Security-" + f.Name,
			Value:     f.RawSetCookie,
			Expected:  expected,
		}
		if len(missing) == 0 {
			result.Severity = SeverityPass
			result.Message = fmt.Sprintf("Cookie %q has all recommended security flags.", f.Name)
		} else {
			list := strings.Join(missing, ", ")
			result.Severity = SeverityWarning
			result.Message = fmt.Sprintf("Cookie %q is missing flag(s): %s.", f.Name, list)
			result.Recommendation = fmt.Sprintf("Add the missing flag(s) (%s) to the Set-Cookie header for %q. HttpOnly prevents JavaScript access, Secure ensures HTTPS-only transmission, and SameSite mitigates CSRF attacks.", list, f.Name)
			result.RawData = map[string]any{"missingFlags": missing}
		}
		results = append(results, result)
	}
	return results
}
