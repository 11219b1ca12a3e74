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

package errors_test

import (
	"fmt"

	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/metget/metget-server/pkg/errors"
)

var _ = Describe("Kinds", func() {
	It("should tag and recover a kind through wrapping", func() {
		err := errors.WithKind(errors.KindCoverageGap, fmt.Errorf("no rows"))
		wrapped := fmt.Errorf("building request, %w", err)
		Expect(errors.KindOf(wrapped)).To(Equal(errors.KindCoverageGap))
		Expect(errors.IsCoverageGap(wrapped)).To(BeTrue())
	})
	It("should treat untagged errors as internal", func() {
		Expect(errors.KindOf(fmt.Errorf("boom"))).To(Equal(errors.KindInternal))
	})
	It("should return nil when tagging nil", func() {
		Expect(errors.WithKind(errors.KindValidation, nil)).To(BeNil())
	})

	DescribeTable("transient and terminal classification",
		func(kind errors.Kind, transient, terminal bool) {
			err := errors.WithKind(kind, fmt.Errorf("x"))
			Expect(errors.IsTransient(err)).To(Equal(transient))
			Expect(errors.IsTerminal(err)).To(Equal(terminal))
		},
		Entry("validation", errors.KindValidation, false, true),
		Entry("auth", errors.KindAuth, false, true),
		Entry("forbidden", errors.KindForbidden, false, true),
		Entry("credit denied", errors.KindCreditDenied, false, true),
		Entry("not found", errors.KindNotFound, false, true),
		Entry("coverage gap", errors.KindCoverageGap, false, true),
		Entry("upstream unavailable", errors.KindUpstreamUnavailable, true, false),
		Entry("integrity conflict", errors.KindIntegrityConflict, true, false),
		Entry("internal", errors.KindInternal, false, false),
	)

	It("should classify nil as neither transient nor terminal", func() {
		Expect(errors.IsTransient(nil)).To(BeFalse())
		Expect(errors.IsTerminal(nil)).To(BeFalse())
	})
})

var _ = Describe("AWS classification", func() {
	DescribeTable("retryable API error codes",
		func(code string, retryable bool) {
			err := fmt.Errorf("calling s3, %w", &smithy.GenericAPIError{Code: code, Message: "x"})
			Expect(errors.IsRetryableAWS(err)).To(Equal(retryable))
		},
		Entry("slow down", "SlowDown", true),
		Entry("throttling", "Throttling", true),
		Entry("internal error", "InternalError", true),
		Entry("access denied", "AccessDenied", false),
		Entry("no such key", "NoSuchKey", false),
	)

	DescribeTable("not-found API error codes",
		func(code string, notFound bool) {
			err := fmt.Errorf("calling s3, %w", &smithy.GenericAPIError{Code: code, Message: "x"})
			Expect(errors.IsNotFoundAWS(err)).To(Equal(notFound))
		},
		Entry("no such key", "NoSuchKey", true),
		Entry("not found", "NotFound", true),
		Entry("no such bucket", "NoSuchBucket", true),
		Entry("slow down", "SlowDown", false),
	)

	It("should treat a retryable AWS failure as transient", func() {
		err := fmt.Errorf("calling sqs, %w", &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "x"})
		Expect(errors.IsTransient(err)).To(BeTrue())
	})
})
