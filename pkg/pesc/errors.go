package pesc

import (
	"errors"
	"fmt"
	"strings"
)

// authErrorCode is the code the provider uses for an expired or invalid token.
const authErrorCode = 5

// ErrAuth matches any ClientError caused by authentication.
var ErrAuth = errors.New("pesc: authentication failed")

// ErrNoVerifiedToken is returned by Reauth when the stored credentials never
// completed the second factor.
var ErrNoVerifiedToken = &ClientError{Code: -1, Message: "verified token is missing", Auth: true}

// ClientError is an error response from the provider.
type ClientError struct {
	Code    int
	Message string
	Cause   string
	Method  string
	URL     string
	// Auth is set when the provider rejected our credentials.
	Auth bool
}

func (e *ClientError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s, code %d", msg, e.Code)
	if e.Method != "" || e.URL != "" {
		fmt.Fprintf(&sb, " (%s %s)", e.Method, e.URL)
	}
	return sb.String()
}

// Is lets errors.Is(err, ErrAuth) match auth failures.
func (e *ClientError) Is(target error) bool {
	return target == ErrAuth && e.Auth
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// AsClientError returns the code and message of a ClientError in the chain.
// Other errors get code -1 and their text.
func AsClientError(err error) (int, string) {
	var ce *ClientError
	if errors.As(err, &ce) {
		msg := ce.Message
		if msg == "" {
			msg = "unknown error"
		}
		return ce.Code, msg
	}
	return -1, err.Error()
}

// errorBody is the JSON shape of a failed response.
type errorBody struct {
	Code    Text   `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause"`
}

func (b errorBody) toError(method, url string) *ClientError {
	ce := &ClientError{
		Code:    -1,
		Message: b.Message,
		Cause:   b.Cause,
		Method:  method,
		URL:     url,
	}
	if code, ok := b.Code.Int(); ok {
		ce.Code = code
		ce.Auth = code == authErrorCode
	}
	return ce
}
