/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errors

import (
	"errors"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Kind classifies a failure so that callers can decide between responding,
// retrying and terminally failing without inspecting error strings.
type Kind string

const (
	KindValidation          Kind = "Validation"
	KindAuth                Kind = "Auth"
	KindForbidden           Kind = "Forbidden"
	KindCreditDenied        Kind = "CreditDenied"
	KindNotFound            Kind = "NotFound"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindCoverageGap         Kind = "CoverageGap"
	KindIntegrityConflict   Kind = "IntegrityConflict"
	KindInternal            Kind = "Internal"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind tags err with the given kind. A nil err returns nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf returns the kind tagged on err, or KindInternal when untagged.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	var ke *kindError
	return errors.As(err, &ke) && ke.kind == kind
}

func IsValidation(err error) bool          { return is(err, KindValidation) }
func IsAuth(err error) bool                { return is(err, KindAuth) }
func IsForbidden(err error) bool           { return is(err, KindForbidden) }
func IsCreditDenied(err error) bool        { return is(err, KindCreditDenied) }
func IsNotFound(err error) bool            { return is(err, KindNotFound) }
func IsUpstreamUnavailable(err error) bool { return is(err, KindUpstreamUnavailable) }
func IsCoverageGap(err error) bool         { return is(err, KindCoverageGap) }
func IsIntegrityConflict(err error) bool   { return is(err, KindIntegrityConflict) }

// IsTransient reports whether err is worth retrying: upstream unavailability,
// integrity races, or a retryable AWS response.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if is(err, KindUpstreamUnavailable) || is(err, KindIntegrityConflict) {
		return true
	}
	return IsRetryableAWS(err)
}

// IsTerminal reports whether err should fail the request without retry.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return is(err, KindValidation) || is(err, KindCoverageGap) ||
		is(err, KindAuth) || is(err, KindForbidden) ||
		is(err, KindCreditDenied) || is(err, KindNotFound)
}

// IsRetryableAWS returns true if the err is an AWS error (even if it's
// wrapped) with a 5xx or 429 response. 4xx responses other than 429 are
// permanent.
func IsRetryableAWS(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code >= 500 || code == 429
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestTimeout", "ServiceUnavailable", "SlowDown", "InternalError", "Throttling", "ThrottlingException":
			return true
		}
	}
	return false
}

// IsNotFoundAWS returns true if the err is an AWS error known to mean "not
// found" (as opposed to a more serious or unexpected error).
func IsNotFoundAWS(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
