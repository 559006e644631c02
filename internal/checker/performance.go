package checker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	ttfbPassMs    = 500
	ttfbInfoMs    = 1000
	ttfbWarningMs = 3000

	bytesPerMB  = 1024 * 1024
	sizePassMB  = 1
	sizeInfoMB  = 5
	maxBodySize = 64 * bytesPerMB

	// acceptEncoding lists what decodeBody understands. Sending it explicitly
	// keeps Content-Encoding on the response; the size check counts the
	// decoded body.
	acceptEncoding = "gzip, deflate, zstd"
)

var compressionPattern = regexp.MustCompile(`(?i)\b(gzip|br|deflate|zstd)\b`)

// PerformanceProbe measures time to first byte, status, body size and
// compression of a single GET.
type PerformanceProbe struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p *PerformanceProbe) Name() string { return CategoryPerformance }

// Run performs the measurement. A failed request yields a single CRITICAL
// Response-Time result.
func (p *PerformanceProbe) Run(ctx context.Context, target string) []CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(p.Timeout, DefaultPerformanceTimeout))
	defer cancel()

	client := p.Client
	if client == nil {
		client = defaultHTTPClient()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err == nil {
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	start := time.Now()
	var resp *http.Response
	if err == nil {
		resp, err = client.Do(req)
	}
	if err != nil {
		return []CheckResult{{
			Category:       CategoryPerformance,
			CheckName:      "Response-Time",
			Severity:       SeverityCritical,
			Expected:       "< 500 ms",
			Message:        fmt.Sprintf("Request failed before a response was received: %v", err),
			Recommendation: "Ensure the server is online and responding within a reasonable time frame. Investigate network and infrastructure issues.",
		}}
	}
	ttfb := time.Since(start)
	defer resp.Body.Close()

	encoding := resp.Header.Get("Content-Encoding")
	size := decodedSize(resp.Body, encoding)

	return []CheckResult{
		responseTimeResult(ttfb),
		statusCodeResult(resp.StatusCode),
		responseSizeResult(size),
		compressionResult(encoding),
	}
}

// decodedSize counts the body bytes a browser ends up with, up to
// maxBodySize. A body that cannot be decoded is counted as received.
func decodedSize(body io.Reader, encoding string) int64 {
	raw := &countingReader{r: io.LimitReader(body, maxBodySize)}
	decoded, err := decodeBody(raw, encoding)
	if err != nil {
		_, _ = io.Copy(io.Discard, raw)
		return raw.n
	}
	defer decoded.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(decoded, maxBodySize))
	if err != nil && n == 0 {
		_, _ = io.Copy(io.Discard, raw)
		return raw.n
	}
	return n
}

// decodeBody undoes a single Content-Encoding.
func decodeBody(r io.Reader, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		// Either zlib-wrapped or raw, depending on the server.
		br := bufio.NewReader(r)
		if header, err := br.Peek(2); err == nil && isZlibHeader(header) {
			return zlib.NewReader(br)
		}
		return flate.NewReader(br), nil
	case "zstd":
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func ttfbSeverity(ms int64) Severity {
	switch {
	case ms < ttfbPassMs:
		return SeverityPass
	case ms < ttfbInfoMs:
		return SeverityInfo
	case ms < ttfbWarningMs:
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

func responseTimeResult(ttfb time.Duration) CheckResult {
	ms := int64(math.Round(float64(ttfb) / float64(time.Millisecond)))
	severity := ttfbSeverity(ms)

	result := CheckResult{
		Category:  CategoryPerformance,
		CheckName: "Response-Time",
		Severity:  severity,
		Value:     fmt.Sprintf("%d ms", ms),
		Expected:  "< 500 ms",
		RawData:   map[string]any{"ttfbMs": ms},
	}
	switch severity {
	case SeverityPass:
		result.Message = fmt.Sprintf("Time to first byte is %d ms, which is excellent.", ms)
	case SeverityInfo:
		result.Message = fmt.Sprintf("Time to first byte is %d ms, which is acceptable but could be improved.", ms)
	default:
		result.Message = fmt.Sprintf("Time to first byte is %d ms, which is too slow.", ms)
	}
	if severity != SeverityPass {
		result.Recommendation = RecommendationFor("Response-Time")
	}
	return result
}

func statusSeverity(status int) Severity {
	switch {
	case status >= 200 && status < 300:
		return SeverityPass
	case status >= 500:
		return SeverityCritical
	case status >= 400:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func statusCodeResult(status int) CheckResult {
	severity := statusSeverity(status)
	result := CheckResult{
		Category:  CategoryPerformance,
		CheckName: "HTTP-Status-Code",
		Severity:  severity,
		Value:     fmt.Sprintf("%d", status),
		Expected:  "200",
		RawData:   map[string]any{"statusCode": status},
	}

	switch severity {
	case SeverityPass:
		result.Message = fmt.Sprintf("Server returned HTTP %d, indicating a successful response.", status)
	case SeverityCritical:
		result.Message = fmt.Sprintf("Server returned HTTP %d. This indicates a server error.", status)
		result.Recommendation = "Investigate server-side errors immediately. Check application logs and monitor server health."
	case SeverityWarning:
		result.Message = fmt.Sprintf("Server returned HTTP %d.", status)
		result.Recommendation = "The requested resource returned a client error. Verify the URL is correct and the resource exists."
	case SeverityInfo:
		result.Message = fmt.Sprintf("Server returned HTTP %d.", status)
	}
	return result
}

func sizeSeverity(bytes int64) Severity {
	mb := float64(bytes) / bytesPerMB
	switch {
	case mb < sizePassMB:
		return SeverityPass
	case mb < sizeInfoMB:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// formatSize renders sizes below 1 MB in KB and larger ones in MB.
func formatSize(bytes int64) string {
	mb := float64(bytes) / bytesPerMB
	if mb >= 1 {
		return fmt.Sprintf("%.2f MB", mb)
	}
	return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
}

func responseSizeResult(bytes int64) CheckResult {
	severity := sizeSeverity(bytes)
	label := formatSize(bytes)

	result := CheckResult{
		Category:  CategoryPerformance,
		CheckName: "Response-Size",
		Severity:  severity,
		Value:     label,
		Expected:  "< 1 MB",
		RawData:   map[string]any{"sizeBytes": bytes},
	}
	switch severity {
	case SeverityPass:
		result.Message = fmt.Sprintf("Response size is %s, which is within acceptable limits.", label)
	case SeverityInfo:
		result.Message = fmt.Sprintf("Response size is %s, which is moderate and may impact load times.", label)
	default:
		result.Message = fmt.Sprintf("Response size is %s, which is large and may impact load times.", label)
	}
	if severity != SeverityPass {
		result.Recommendation = "Reduce page size by minifying HTML/CSS/JS, optimizing images, removing unused assets, and enabling server-side compression."
	}
	return result
}

func compressionResult(encoding string) CheckResult {
	if encoding != "" && compressionPattern.MatchString(encoding) {
		return CheckResult{
			Category:  CategoryPerformance,
			CheckName: "Compression",
			Severity:  SeverityPass,
			Value:     encoding,
			Expected:  "gzip or br",
			Message:   fmt.Sprintf("Response is compressed using %s.", encoding),
		}
	}

	value := encoding
	if value == "" {
		value = "None"
	}
	return CheckResult{
		Category:       CategoryPerformance,
		CheckName:      "Compression",
		Severity:       SeverityInfo,
		Value:          value,
		Expected:       "gzip or br",
		Message:        "Response does not appear to be compressed. Enabling compression can significantly reduce transfer sizes.",
		Recommendation: "Enable gzip or Brotli compression on your web server. Most modern servers (nginx, Apache, Caddy) support this via a simple configuration directive.",
	}
}
