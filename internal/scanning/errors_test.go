package scanning

import (
	"context"
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ = Describe("Retry", func() {
	var (
		calls    int
		failures []error
		result   string
		err      error
	)

	BeforeEach(func() {
		calls = 0
		failures = nil
	})

	JustBeforeEach(func() {
		result, err = Retry(context.Background(), time.Millisecond, func(ctx context.Context) (string, error) {
			calls++
			if calls <= len(failures) && failures[calls-1] != nil {
				return "", failures[calls-1]
			}
			return "ok", nil
		})
	})

	When("the first call succeeds", func() {
		It("calls once", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
			Expect(calls).To(Equal(1))
		})
	})

	When("the service is rate limited once", func() {
		BeforeEach(func() {
			failures = []error{&UpstreamError{Service: "gemini", StatusCode: http.StatusTooManyRequests}}
		})

		It("retries and succeeds", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
			Expect(calls).To(Equal(2))
		})
	})

	When("the service keeps failing", func() {
		BeforeEach(func() {
			failing := &UpstreamError{Service: "document ai", StatusCode: http.StatusBadGateway}
			failures = []error{failing, failing, failing}
		})

		It("gives up after one retry", func() {
			Expect(calls).To(Equal(2))
			var uerr *UpstreamError
			Expect(errors.As(err, &uerr)).To(BeTrue())
			Expect(uerr.StatusCode).To(Equal(http.StatusBadGateway))
		})
	})

	When("the request is rejected", func() {
		BeforeEach(func() {
			failures = []error{&UpstreamError{Service: "document ai", StatusCode: http.StatusForbidden}}
		})

		It("does not retry", func() {
			Expect(calls).To(Equal(1))
			Expect(err).To(HaveOccurred())
		})
	})

	When("the error is not an upstream failure", func() {
		BeforeEach(func() {
			failures = []error{errors.New("boom")}
		})

		It("does not retry", func() {
			Expect(calls).To(Equal(1))
			Expect(err).To(MatchError("boom"))
		})
	})
})

var _ = Describe("upstreamFromGRPC", func() {
	DescribeTable("mapping status codes",
		func(code codes.Code, expected int) {
			err := upstreamFromGRPC("gemini", status.Error(code, "nope"))
			var uerr *UpstreamError
			Expect(errors.As(err, &uerr)).To(BeTrue())
			Expect(uerr.StatusCode).To(Equal(expected))
			Expect(uerr.Message).To(Equal("nope"))
		},
		Entry("quota", codes.ResourceExhausted, http.StatusTooManyRequests),
		Entry("bad request", codes.InvalidArgument, http.StatusBadRequest),
		Entry("forbidden", codes.PermissionDenied, http.StatusForbidden),
		Entry("unavailable", codes.Unavailable, http.StatusServiceUnavailable),
		Entry("internal", codes.Internal, http.StatusInternalServerError),
	)

	It("wraps errors without a status", func() {
		err := upstreamFromGRPC("gemini", errors.New("dial failed"))
		var uerr *UpstreamError
		Expect(errors.As(err, &uerr)).To(BeFalse())
		Expect(err).To(MatchError(ContainSubstring("dial failed")))
	})
})

var _ = Describe("SniffMIME", func() {
	It("detects PNG", func() {
		Expect(SniffMIME([]byte("\x89PNG\r\n\x1a\n0000"))).To(Equal("image/png"))
	})

	It("detects HEIC from the ftyp box", func() {
		Expect(SniffMIME([]byte("\x00\x00\x00\x18ftypheic0000"))).To(Equal("image/heic"))
	})

	It("detects PDF", func() {
		Expect(SniffMIME([]byte("%PDF-1.4\n"))).To(Equal("application/pdf"))
	})

	It("falls back to JPEG for unknown bytes", func() {
		Expect(SniffMIME([]byte{0x01, 0x02, 0x03})).To(Equal("image/jpeg"))
	})
})
