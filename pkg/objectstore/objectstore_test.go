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

package objectstore_test

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/metget/metget-server/pkg/errors"
	"github.com/metget/metget-server/pkg/fake"
)

var _ = Describe("Client", func() {
	It("should round-trip a blob", func() {
		Expect(client.Put(ctx, "a/b.grb2", []byte("grib"))).To(Succeed())

		body, err := client.Get(ctx, "a/b.grb2")
		Expect(err).ToNot(HaveOccurred())
		Expect(body).To(Equal([]byte("grib")))

		ok, err := client.Exists(ctx, "a/b.grb2")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("should record puts so tests can assert on them", func() {
		Expect(client.Put(ctx, "a/b.grb2", []byte("grib"))).To(Succeed())
		Expect(api.PutObjectBehavior.CalledWithInput.Len()).To(Equal(1))

		recorded := api.PutObjectBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(recorded.Bucket)).To(Equal("metget-data"))
		Expect(aws.ToString(recorded.Key)).To(Equal("a/b.grb2"))

		body, ok := api.Stored("a/b.grb2")
		Expect(ok).To(BeTrue())
		Expect(body).To(Equal([]byte("grib")))
	})

	It("should report a missing key as not found", func() {
		_, err := client.Get(ctx, "missing")
		Expect(err).To(HaveOccurred())
		Expect(errors.IsNotFound(err)).To(BeTrue())

		ok, err := client.Exists(ctx, "missing")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("should delete a blob", func() {
		Expect(client.Put(ctx, "a/b.grb2", []byte("grib"))).To(Succeed())
		Expect(client.Delete(ctx, "a/b.grb2")).To(Succeed())

		ok, err := client.Exists(ctx, "a/b.grb2")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("should retry a throttled put until it lands", func() {
		api.PutObjectBehavior.Error.Set(
			&smithy.GenericAPIError{Code: "SlowDown", Message: "slow down"},
			fake.MaxCalls(2),
		)
		Expect(client.Put(ctx, "a/b.grb2", []byte("grib"))).To(Succeed())
		body, ok := api.Stored("a/b.grb2")
		Expect(ok).To(BeTrue())
		Expect(body).To(Equal([]byte("grib")))
	})

	It("should not retry a permanent failure", func() {
		api.PutObjectBehavior.Error.Set(
			&smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
			fake.MaxCalls(100),
		)
		Expect(client.Put(ctx, "a/b.grb2", []byte("grib"))).ToNot(Succeed())
		Expect(api.PutObjectBehavior.FailedCalls()).To(Equal(1))
	})

	It("should presign a time-limited URL for a key", func() {
		url, err := client.Presign(ctx, "req-1/wind.pre", time.Hour)
		Expect(err).ToNot(HaveOccurred())
		Expect(url).To(ContainSubstring("metget-data"))
		Expect(url).To(ContainSubstring("req-1/wind.pre"))
	})
})
