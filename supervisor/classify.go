// Package supervisor classifies remote failures, counts them per category
// and tears down live subscriptions once a category crosses a threshold.
package supervisor

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"
	"github.com/gorilla/websocket"
)

// Category is a failure class.
type Category string

const (
	Timeout    Category = "timeout"
	Network    Category = "network"
	Connection Category = "connection"
	Permission Category = "permission"
	Other      Category = "other"
)

// Categories lists every category in reporting order.
var Categories = []Category{Timeout, Network, Connection, Permission, Other}

// Transient reports whether the category is a transient network failure.
func (c Category) Transient() bool {
	return c == Timeout || c == Network || c == Connection
}

var apiCodes = map[string]Category{
	"RequestTimeout":                         Timeout,
	"RequestTimeoutException":                Timeout,
	"AccessDeniedException":                  Permission,
	"UnrecognizedClientException":            Permission,
	"MissingAuthenticationToken":             Permission,
	"InvalidSignatureException":              Permission,
	"ExpiredTokenException":                  Permission,
	"ProvisionedThroughputExceededException": Connection,
	"RequestLimitExceeded":                   Connection,
	"ThrottlingException":                    Connection,
	"ServiceUnavailable":                     Network,
	"InternalServerError":                    Network,
}

// message fragments checked in order; the first match wins.
var messageRules = []struct {
	fragments []string
	category  Category
}{
	{[]string{"timeout", "timed out", "deadline exceeded"}, Timeout},
	{[]string{"permission", "forbidden", "unauthorized", "unauthenticated", "access denied"}, Permission},
	{[]string{"connection", "connect:", "broken pipe", "websocket"}, Connection},
	{[]string{"network", "no such host", "unreachable", "offline", "dns"}, Network},
}

// Classify maps an error to a category. Typed errors are checked first,
// then the message. A nil error is Other.
func Classify(err error) Category {
	if err == nil {
		return Other
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if c, ok := apiCodes[apiErr.ErrorCode()]; ok {
			return c
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Connection
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return Connection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Network
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, f := range rule.fragments {
			if strings.Contains(msg, f) {
				return rule.category
			}
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Network
	}
	return Other
}
