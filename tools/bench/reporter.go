package main

import (
	"fmt"
	"io"
	"time"
)

// Reporter prints progress in the CSV-ish layout of the sample table
type Reporter struct {
	out io.Writer
}

func NewReporter(out io.Writer) *Reporter {
	return &Reporter{out: out}
}

func (r *Reporter) Preloaded(records int, elapsed time.Duration) {
	rate := 0.0
	if elapsed > 0 {
		rate = float64(records) / elapsed.Seconds()
	}
	fmt.Fprintf(r.out, "Preloaded %d records at %.1f records/sec\n", records, rate)
}

func (r *Reporter) Header(samples int, every time.Duration) {
	fmt.Fprintf(r.out, "Taking %d performance samples every %s\n", samples, every)
	fmt.Fprintln(r.out, "time (s), produced, produce rate (r/s), consumed, consume rate (r/s), heap (k)")
}

func (r *Reporter) Sample(s Sample) {
	fmt.Fprintf(r.out, "%.2f, %d, %.1f, %d, %.1f, %d\n",
		s.Elapsed.Seconds(),
		s.Produced,
		s.ProduceRate(),
		s.Consumed,
		s.ConsumeRate(),
		s.HeapAllocKB,
	)
}

func (r *Reporter) Final(res *Result) {
	p50, p90, p99 := res.Stats.GetLatencyPercentiles()

	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "Shards:        %d\n", res.Shards)
	fmt.Fprintf(r.out, "Produced:      %d\n", res.Stats.TotalProduced())
	fmt.Fprintf(r.out, "Consumed:      %d\n", res.Stats.TotalConsumed())
	fmt.Fprintf(r.out, "Left stored:   %d\n", res.Remaining)
	if n := res.Stats.Errors(); n > 0 {
		fmt.Fprintf(r.out, "Errors:        %d\n", n)
	}
	if res.JoinTimedOut {
		fmt.Fprintln(r.out, "Workers:       join timed out")
	}
	if res.CloseErr != nil {
		fmt.Fprintf(r.out, "Close:         %v\n", res.CloseErr)
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Store latency (microseconds):")
	fmt.Fprintf(r.out, "  P50:   %d\n", p50)
	fmt.Fprintf(r.out, "  P90:   %d\n", p90)
	fmt.Fprintf(r.out, "  P99:   %d\n", p99)
}
