package httpparse

// statusText is a process-wide precomputed status-code→reason-phrase
// table, built once before the listener starts (spec.md §9's redesign
// note: the source's global statusCodes_ table becomes a constant table
// built at package init rather than per connection). The core's wire
// layer intentionally does not import net/http, so this table is its
// own rather than net/http.StatusText.
var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	417: "Expectation Failed",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

// StatusText returns the reason phrase for code, or "" if unknown.
func StatusText(code int) string {
	return statusText[code]
}

// Named status codes surfaced by the core, per spec.md §7. Each maps
// 1:1 to the HTTP status code of the same meaning.
const (
	StatusBadRequest                 = 400
	StatusExpectationFailed          = 417
	StatusRequestTimeout              = 408
	StatusPayloadTooLarge             = 413
	StatusRequestHeaderFieldsTooLarge = 431
	StatusInternalServerError         = 500
	StatusNotImplemented              = 501
	StatusBadGateway                  = 502
	StatusServiceUnavailable          = 503
	StatusGatewayTimeout              = 504
)
