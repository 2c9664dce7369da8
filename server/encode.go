package server

import (
	"encoding/base64"
	"mime"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

var binaryContentEncoding = map[string]struct{}{
	"gzip":    {},
	"x-gzip":  {},
	"deflate": {},
	"br":      {},
}

var textMIMEType = map[string]struct{}{
	"image/svg+xml":                     {},
	"application/json":                  {},
	"application/javascript":            {},
	"application/xml":                   {},
	"application/x-www-form-urlencoded": {},
}

// IsTextContent reports whether a content type can travel as a plain string.
func IsTextContent(contentType string) bool {
	m, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if _, ok := textMIMEType[m]; ok {
		return true
	}
	return strings.HasPrefix(m, "text/") ||
		strings.HasSuffix(m, "+json") ||
		strings.HasSuffix(m, "+xml")
}

// IsJSONContent reports whether a content type is JSON-compatible. An absent
// content type counts as JSON.
func IsJSONContent(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	m, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return m == "application/json" || strings.HasSuffix(m, "+json")
}

// IsBinaryContent reports whether a body with these headers must be base64
// encoded by the gateway: compressed bodies and non-text media types.
func IsBinaryContent(headers map[string]string) bool {
	for _, enc := range strings.Split(headers["Content-Encoding"], ",") {
		if _, ok := binaryContentEncoding[strings.ToLower(strings.TrimSpace(enc))]; ok {
			return true
		}
	}
	return !IsTextContent(headers["Content-Type"])
}

func encodeBody(headers map[string]string, body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	if IsBinaryContent(headers) {
		return base64.StdEncoding.EncodeToString(body), true
	}
	return string(body), false
}

func statusOrOK(code int) int {
	if code == 0 {
		return http.StatusOK
	}
	return code
}

// Outbound converts a materialized Response into the value the Lambda runtime
// serializes for the given channel.
func Outbound(ch Channel, resp *Response) any {
	body, b64 := encodeBody(resp.Headers, resp.Body)
	status := statusOrOK(resp.StatusCode)

	switch ch {
	case ChannelHTTPGateway:
		return &events.APIGatewayV2HTTPResponse{
			StatusCode:      status,
			Headers:         resp.Headers,
			Body:            body,
			IsBase64Encoded: b64,
		}
	case ChannelFunctionURL, ChannelFunctionURLStream:
		return &events.LambdaFunctionURLResponse{
			StatusCode:      status,
			Headers:         resp.Headers,
			Body:            body,
			IsBase64Encoded: b64,
		}
	default:
		// REST gateway and WebSocket share the proxy response shape.
		return &events.APIGatewayProxyResponse{
			StatusCode:      status,
			Headers:         resp.Headers,
			Body:            body,
			IsBase64Encoded: b64,
		}
	}
}
