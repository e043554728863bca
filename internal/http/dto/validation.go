package dto

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) ToMap() map[string]string {
	return map[string]string{e.Field: e.Message}
}

func ToMap(errs []ValidationError) map[string]string {
	result := make(map[string]string)
	for _, e := range errs {
		result[e.Field] = e.Message
	}
	return result
}

func ToResponse(errs []ValidationError) string {
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

var contentIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

func validateURL(field, urlVal string) []ValidationError {
	var errs []ValidationError
	if urlVal == "" {
		return append(errs, ValidationError{Field: field, Message: "is required"})
	}
	u, err := url.ParseRequestURI(urlVal)
	if err != nil || u.Host == "" {
		errs = append(errs, ValidationError{Field: field, Message: "invalid URL format"})
	}
	return errs
}

func validateContentID(contentID string) []ValidationError {
	var errs []ValidationError
	if contentID != "" && !contentIDRegex.MatchString(contentID) {
		errs = append(errs, ValidationError{Field: "content_id", Message: "may only contain letters, digits, '-' and '_'"})
	}
	return errs
}

// validateCredentials requires an access token for protected downloads.
func validateCredentials(contentID, accessToken string) []ValidationError {
	var errs []ValidationError
	if contentID != "" && accessToken == "" {
		errs = append(errs, ValidationError{Field: "access_token", Message: "is required for protected content"})
	}
	return errs
}
