package job_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papito/postgres-job-queue/internal/job"
)

var _ = Describe("Retry policy", func() {
	var (
		j   *job.Job
		now time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		j = job.New(job.TypeOne, job.Arguments{"x": int64(1)})
	})

	Describe("backoff", func() {
		It("grows quadratically from the base", func() {
			Expect(job.BackoffDelay(20, 1)).To(Equal(20 * time.Minute))
			Expect(job.BackoffDelay(20, 2)).To(Equal(80 * time.Minute))
			Expect(job.BackoffDelay(20, 3)).To(Equal(180 * time.Minute))
		})

		It("reschedules 20, 80 and 180 minutes after each failure", func() {
			j.BaseRetryMinutes = 20
			j.MaxRetries = 3

			for _, want := range []time.Duration{20, 80, 180} {
				Expect(j.Fail(now)).To(Equal(job.OutcomeRetry))
				Expect(*j.RipeAt).To(Equal(now.Add(want * time.Minute)))
				now = *j.RipeAt
			}
			Expect(j.Fail(now)).To(Equal(job.OutcomeExhausted))
		})

		It("makes retries immediately ripe with a zero base", func() {
			j.BaseRetryMinutes = 0
			Expect(j.Fail(now)).To(Equal(job.OutcomeRetry))
			Expect(j.Ripe(now)).To(BeTrue())
		})
	})

	Describe("exhaustion", func() {
		It("exhausts on the first failure when max retries is zero", func() {
			j.MaxRetries = 0
			Expect(j.Fail(now)).To(Equal(job.OutcomeExhausted))
			Expect(j.Tries).To(Equal(1))
			Expect(j.State()).To(Equal(job.StateExhausted))
		})

		DescribeTable("allows exactly K retries after the first failure",
			func(k int) {
				j.MaxRetries = k
				attempts := 0
				for {
					attempts++
					if j.Fail(now) == job.OutcomeExhausted {
						break
					}
					Expect(j.State()).To(Equal(job.StateRetrying))
				}
				Expect(attempts).To(Equal(k + 1))
				Expect(j.Tries).To(Equal(k + 1))
			},
			Entry("one", 1),
			Entry("default", job.DefaultMaxRetries),
			Entry("five", 5),
		)

		It("does not move ripe_at once exhausted", func() {
			j.MaxRetries = 1
			Expect(j.Fail(now)).To(Equal(job.OutcomeRetry))
			ripe := *j.RipeAt
			Expect(j.Fail(now.Add(time.Hour))).To(Equal(job.OutcomeExhausted))
			Expect(*j.RipeAt).To(Equal(ripe))
		})
	})

	Describe("states", func() {
		It("starts fresh and completes on success", func() {
			Expect(j.State()).To(Equal(job.StateFresh))
			j.MarkCompleted()
			Expect(j.State()).To(Equal(job.StateCompleted))
			Expect(j.State().String()).To(Equal("completed"))
		})

		It("completes after retries too", func() {
			j.Fail(now)
			Expect(j.State()).To(Equal(job.StateRetrying))
			j.MarkCompleted()
			Expect(j.State()).To(Equal(job.StateCompleted))
		})
	})
})
