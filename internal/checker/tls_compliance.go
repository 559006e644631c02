package checker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"
)

// versionSSL30 represents the legacy SSL 3.0 protocol version (0x0300).
// Defined locally so we can report SSL 3.0 without referencing the
// deprecated tls.VersionSSL30 symbol.
const versionSSL30 uint16 = 0x0300

const (
	defaultTLSPort  = "443"
	defaultHTTPPort = "80"

	expiryCriticalDays = 0
	expiryWarningDays  = 30
	expiryInfoDays     = 90
)

// TLSProbe opens a raw TLS connection to the target host and reports on the
// certificate, the negotiated protocol and the plain-HTTP redirect.
type TLSProbe struct {
	// Port and HTTPPort default to 443 and 80.
	Port     string
	HTTPPort string
	Timeout  time.Duration
	// RootCAs is the trust store used for the authorization check. Nil means
	// the system pool.
	RootCAs *x509.CertPool
	// Client is used for the HTTP-to-HTTPS redirect check.
	Client *http.Client
	Now    func() time.Time
}

// tlsConnectionInfo is what the probe learns from a single handshake.
type tlsConnectionInfo struct {
	authorized bool
	verifyErr  error
	version    uint16
	cipher     uint16
	leaf       *x509.Certificate
}

func (p *TLSProbe) Name() string { return CategorySSL }

// Run performs the TLS checks. A failed handshake produces a single
// SSL-Availability result and nothing else.
func (p *TLSProbe) Run(ctx context.Context, target string) []CheckResult {
	host := ParseTarget(target).Host
	port := p.Port
	if port == "" {
		port = defaultTLSPort
	}

	info, err := p.connect(ctx, host, port)
	if err != nil {
		return []CheckResult{{
			Category:       CategorySSL,
			CheckName:      "SSL-Availability",
			Severity:       SeverityCritical,
			Expected:       "TLS connection on port " + port,
			Message:        fmt.Sprintf("Could not establish a TLS connection to %s - %v", net.JoinHostPort(host, port), err),
			Recommendation: "Enable SSL/TLS on your web server. Obtain a certificate from a trusted Certificate Authority such as Let's Encrypt (free) and configure port 443.",
		}}
	}

	results := make([]CheckResult, 0, 4)
	results = append(results, certificateTrustResult(info))
	if info.leaf != nil {
		results = append(results, certificateExpiryResult(info.leaf.NotAfter, p.now()))
	}
	if info.version != 0 {
		results = append(results, protocolVersionResult(info.version, info.cipher))
	}
	results = append(results, redirectResult(p.redirectsToHTTPS(ctx, host)))
	return results
}

func (p *TLSProbe) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *TLSProbe) connect(ctx context.Context, host, port string) (*tlsConnectionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(p.Timeout, DefaultProbeTimeout))
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			ServerName: host,
			// #nosec G402 -- trust is verified separately so an untrusted chain can be reported.
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS10,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	state := tlsConn.ConnectionState()

	info := &tlsConnectionInfo{
		version: state.Version,
		cipher:  state.CipherSuite,
	}
	if len(state.PeerCertificates) > 0 {
		info.leaf = state.PeerCertificates[0]
		info.verifyErr = verifyChain(state.PeerCertificates, host, p.RootCAs, p.now())
		info.authorized = info.verifyErr == nil
	}
	return info, nil
}

// verifyChain performs the validation that InsecureSkipVerify disabled.
func verifyChain(certs []*x509.Certificate, host string, roots *x509.CertPool, now time.Time) error {
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		DNSName:       host,
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
	})
	return err
}

func certificateTrustResult(info *tlsConnectionInfo) CheckResult {
	result := CheckResult{
		Category:  CategorySSL,
		CheckName: "SSL-Certificate-Valid",
		Expected:  "Valid certificate signed by a trusted CA",
	}
	if info.authorized {
		result.Severity = SeverityPass
		result.Value = "Valid & trusted"
		result.Message = "SSL certificate is valid and issued by a trusted Certificate Authority."
		return result
	}
	result.Severity = SeverityCritical
	result.Value = "Invalid or untrusted"
	result.Message = "SSL certificate is invalid or not trusted by the system root store."
	result.Recommendation = "Replace the current certificate with one issued by a trusted Certificate Authority. Let's Encrypt provides free, automated certificates."
	if info.verifyErr != nil {
		result.RawData = map[string]any{"verifyError": info.verifyErr.Error()}
	}
	return result
}

// daysUntil returns whole days until t, rounded down, so an already expired
// certificate yields a negative count.
func daysUntil(t, now time.Time) int {
	return int(math.Floor(t.Sub(now).Hours() / 24))
}

func expirySeverity(days int) Severity {
	switch {
	case days < expiryCriticalDays:
		return SeverityCritical
	case days < expiryWarningDays:
		return SeverityWarning
	case days < expiryInfoDays:
		return SeverityInfo
	default:
		return SeverityPass
	}
}

func certificateExpiryResult(notAfter, now time.Time) CheckResult {
	days := daysUntil(notAfter, now)
	severity := expirySeverity(days)
	expiry := notAfter.UTC().Format(time.RFC3339)

	var message string
	switch severity {
	case SeverityCritical:
		message = fmt.Sprintf("SSL certificate expired %d day(s) ago on %s.", -days, expiry)
	case SeverityWarning, SeverityInfo:
		message = fmt.Sprintf("SSL certificate expires in %d day(s) on %s.", days, expiry)
	case SeverityPass:
		message = fmt.Sprintf("SSL certificate is valid for %d more day(s), expiring on %s.", days, expiry)
	}

	result := CheckResult{
		Category:  CategorySSL,
		CheckName: "SSL-Certificate-Expiry",
		Severity:  severity,
		Value:     fmt.Sprintf("%d days remaining", days),
		Expected:  ">= 90 days until expiry",
		Message:   message,
		RawData: map[string]any{
			"expiryDate":      expiry,
			"daysUntilExpiry": days,
		},
	}
	if severity == SeverityWarning || severity == SeverityCritical {
		result.Recommendation = "Renew your SSL certificate as soon as possible. Consider using an automated renewal tool such as certbot with Let's Encrypt."
	}
	return result
}

func protocolSeverity(version uint16) Severity {
	switch version {
	case tls.VersionTLS13, tls.VersionTLS12:
		return SeverityPass
	case tls.VersionTLS11:
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

func protocolVersionResult(version, cipher uint16) CheckResult {
	name := tlsVersionString(version)
	severity := protocolSeverity(version)

	result := CheckResult{
		Category:  CategorySSL,
		CheckName: "TLS-Protocol-Version",
		Severity:  severity,
		Value:     name,
		Expected:  "TLSv1.2 or TLSv1.3",
		RawData:   map[string]any{"cipherSuite": tls.CipherSuiteName(cipher)},
	}
	switch severity {
	case SeverityPass:
		result.Message = fmt.Sprintf("Server negotiated %s, which is a modern and secure protocol.", name)
	case SeverityWarning:
		result.Message = fmt.Sprintf("Server negotiated %s. TLS 1.1 is deprecated and should be disabled.", name)
	default:
		result.Message = fmt.Sprintf("Server negotiated %s. This protocol version is insecure and must be disabled.", name)
	}
	if severity != SeverityPass {
		result.Recommendation = "Configure your server to only accept TLS 1.2 and TLS 1.3. Disable all older protocol versions (SSLv3, TLS 1.0, TLS 1.1)."
	}
	return result
}

// redirectsToHTTPS requests http://host/ without following redirects and
// reports whether the server answers with a redirect to an https location.
func (p *TLSProbe) redirectsToHTTPS(ctx context.Context, host string) bool {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(p.Timeout, DefaultProbeTimeout))
	defer cancel()

	client := p.Client
	if client == nil {
		client = defaultHTTPClient()
	}

	hostPort := host
	if p.HTTPPort != "" && p.HTTPPort != defaultHTTPPort {
		hostPort = net.JoinHostPort(host, p.HTTPPort)
	} else if strings.Contains(host, ":") {
		hostPort = "[" + host + "]"
	}

	resp, err := fetch(ctx, withoutRedirects(client), http.MethodGet, "http://"+hostPort+"/")
	if err != nil {
		return false
	}
	defer drain(resp)

	if !isRedirectStatus(resp.StatusCode) {
		return false
	}
	location := strings.ToLower(resp.Header.Get("Location"))
	return strings.HasPrefix(location, "https")
}

func redirectResult(redirects bool) CheckResult {
	if redirects {
		return CheckResult{
			Category:  CategorySSL,
			CheckName: "HTTP-to-HTTPS-Redirect",
			Severity:  SeverityPass,
			Value:     "Redirects to HTTPS",
			Expected:  "HTTP requests redirect to HTTPS",
			Message:   "HTTP requests are properly redirected to HTTPS.",
		}
	}
	return CheckResult{
		Category:       CategorySSL,
		CheckName:      "HTTP-to-HTTPS-Redirect",
		Severity:       SeverityWarning,
		Value:          "No redirect detected",
		Expected:       "HTTP requests redirect to HTTPS",
		Message:        "HTTP requests are not redirected to HTTPS, allowing unencrypted connections.",
		Recommendation: "Configure your web server to redirect all HTTP (port 80) traffic to HTTPS (port 443) with a 301 permanent redirect.",
	}
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// tlsVersionString converts TLS version constant to string
func tlsVersionString(version uint16) string {
	switch version {
	case versionSSL30:
		return "SSLv3"
	case tls.VersionTLS10:
		return "TLSv1"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("Unknown (0x%04x)", version)
	}
}
