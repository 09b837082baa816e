package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"

	"gwi.com/contract-assistant/internal/errs"
)

// classify wraps a raw provider failure into an errs.ProviderError.
func classify(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errs.AsProvider(err); ok {
		return err
	}
	return errs.NewProviderError(provider, op, kindOf(err), err)
}

func kindOf(err error) errs.ProviderKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.KindTimeout
	case errors.Is(err, context.Canceled):
		return errs.KindUnknown
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests && strings.Contains(strings.ToLower(gerr.Message), "quota") {
			return errs.KindQuota
		}
		return kindOfStatus(gerr.Code)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			return errs.KindQuota
		}
		return kindOfStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return kindOfStatus(reqErr.HTTPStatusCode)
	}

	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return kindOfStatus(aerr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.KindTimeout
		}
		return errs.KindTransient
	}
	return errs.KindUnknown
}

func kindOfStatus(code int) errs.ProviderKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.KindAuth
	case code == http.StatusPaymentRequired:
		return errs.KindQuota
	case code == http.StatusTooManyRequests:
		return errs.KindRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return errs.KindTimeout
	case code >= 500:
		return errs.KindTransient
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return errs.KindMalformed
	default:
		return errs.KindUnknown
	}
}

// malformed reports a response that parsed but could not be used.
func malformed(provider, op, format string, args ...any) error {
	return errs.NewProviderError(provider, op, errs.KindMalformed, fmt.Errorf(format, args...))
}
