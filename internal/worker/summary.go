package worker

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"
)

// Item results
const (
	ResultProcessed = "processed"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// Item is one line of a job's report.
type Item struct {
	ID     string          `json:"id"`
	Result string          `json:"result"`
	Amount decimal.Decimal `json:"amount"`
	Detail string          `json:"detail,omitempty"`
}

// Summary is what a job run reports back to the operator.
type Summary struct {
	Job       string          `json:"job"`
	DryRun    bool            `json:"dry_run"`
	Processed int             `json:"processed"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Amount    decimal.Decimal `json:"amount"`
	Items     []Item          `json:"items"`
	Notes     []string        `json:"notes,omitempty"`
	// Figures are labelled values shown above the items, such as the
	// snapshot's totals.
	Figures []Figure `json:"figures,omitempty"`

	verb, noun string
}

type Figure struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func newSummary(job string, opts Options) *Summary {
	return &Summary{Job: job, DryRun: opts.DryRun, Amount: decimal.Zero, verb: "process", noun: "items"}
}

// describe sets how the headline names the job's work, as in
// "would renew 3 bookings".
func (s *Summary) describe(verb, noun string) *Summary {
	s.verb, s.noun = verb, noun
	return s
}

func (s *Summary) processed(id string, amount decimal.Decimal, detail string) {
	s.Processed++
	s.Amount = s.Amount.Add(amount)
	s.Items = append(s.Items, Item{ID: id, Result: ResultProcessed, Amount: amount, Detail: detail})
}

func (s *Summary) skipped(id, reason string) {
	s.Skipped++
	s.Items = append(s.Items, Item{ID: id, Result: ResultSkipped, Amount: decimal.Zero, Detail: reason})
}

func (s *Summary) failed(id string, amount decimal.Decimal, reason string) {
	s.Failed++
	s.Items = append(s.Items, Item{ID: id, Result: ResultFailed, Amount: amount, Detail: reason})
}

func (s *Summary) figure(label string, value decimal.Decimal) {
	s.Figures = append(s.Figures, Figure{Label: label, Value: value.StringFixed(2)})
}

func (s *Summary) note(format string, args ...interface{}) {
	s.Notes = append(s.Notes, fmt.Sprintf(format, args...))
}

// Headline is the one-line result, phrased as a preview for dry runs.
func (s *Summary) Headline() string {
	if s.DryRun {
		return fmt.Sprintf("%s (dry run): would %s %d %s, $%s total; %d skipped",
			s.Job, s.verb, s.Processed, s.noun, s.Amount.StringFixed(2), s.Skipped)
	}
	return fmt.Sprintf("%s: %d processed, %d skipped, %d failed, $%s total",
		s.Job, s.Processed, s.Skipped, s.Failed, s.Amount.StringFixed(2))
}

// Render writes the summary as an aligned console table.
func (s *Summary) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, s.Headline())
	for _, n := range s.Notes {
		fmt.Fprintln(tw, "  "+n)
	}
	if len(s.Figures) > 0 {
		fmt.Fprintln(tw)
		for _, f := range s.Figures {
			fmt.Fprintf(tw, "%s\t%s\n", f.Label, f.Value)
		}
	}
	if len(s.Items) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ID\tRESULT\tAMOUNT\tDETAIL")
		for _, it := range s.Items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.ID, it.Result, it.Amount.StringFixed(2), it.Detail)
		}
	}
	return tw.Flush()
}
