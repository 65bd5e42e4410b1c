package session

import (
	"strings"
	"unicode/utf8"

	"github.com/pescbridge/pescbridge/pkg/common"
	"github.com/pescbridge/pescbridge/pkg/pesc"
)

// Flow error codes reported on the login form fields.
const (
	CodeInvalidUsername = "invalid_username"
	CodeInvalidPassword = "invalid_password"
)

// FlowError is a validation error bound to a single login field.
type FlowError struct {
	Field string
	Code  string
}

func (e *FlowError) Error() string {
	return e.Field + ": " + e.Code
}

// NormalizeUsername removes the formatting people usually type into phone
// numbers. A phone number starting with 8 is rewritten to +7.
func NormalizeUsername(loginType, raw string) string {
	username := strings.ReplaceAll(raw, " ", "")
	if strings.EqualFold(loginType, pesc.LoginTypePhone) {
		if strings.HasPrefix(username, "8") {
			username = "+7" + username[1:]
		}
		username = strings.NewReplacer("-", "", "(", "", ")", "").Replace(username)
	}
	return username
}

// ValidateCredentials checks a normalized username and password.
func ValidateCredentials(loginType, username, password string) error {
	switch strings.ToUpper(loginType) {
	case pesc.LoginTypePhone:
		if !strings.HasPrefix(username, "+") || len(username) != len("+71234567890") {
			return &FlowError{Field: "username", Code: CodeInvalidUsername}
		}
	case pesc.LoginTypeEmail:
		if !strings.Contains(username, "@") || len(username) < len("a@b.cd") {
			return &FlowError{Field: "username", Code: CodeInvalidUsername}
		}
	default:
		return &FlowError{Field: "loginType", Code: CodeInvalidUsername}
	}
	if utf8.RuneCountInString(password) < 3 {
		return &FlowError{Field: "password", Code: CodeInvalidPassword}
	}
	return nil
}

// ProfileUniqueID identifies a login so the same profile isn't added twice.
func ProfileUniqueID(loginType, username string) string {
	id := username
	if strings.EqualFold(loginType, pesc.LoginTypePhone) {
		id = strings.TrimPrefix(id, "+")
	}
	return "pesc_" + common.Slugify(id)
}

// ConfirmationLabel returns a human label for a confirmation type.
func ConfirmationLabel(confirmationType string) string {
	switch confirmationType {
	case pesc.ConfirmationSMS:
		return "SMS"
	case pesc.ConfirmationEmail:
		return "email"
	case pesc.ConfirmationCall:
		return "call"
	default:
		return confirmationType
	}
}
