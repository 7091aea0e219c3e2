// Package forecast wraps the external tools of one forecast job: the model run that
// writes a GRIB, the subset routine that cuts it down, and the zip bundle that is
// shipped instead of the raw GRIB.
package forecast

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultModel     = "panguweather"
	DefaultIssueTime = "1200"
	DefaultLeadTime  = 168

	ArtifactExt = ".grib"
	BundleExt   = ".zip"

	dateLayout = "20060102"
)

var (
	// ErrGeneration marks a failed model run.
	ErrGeneration = errors.New("forecast generation failed")
	// ErrPostProcess marks a failed subset or bundle step.
	ErrPostProcess = errors.New("post-processing failed")
)

// Job is one model run: a date, the issue time on that date and how far ahead to
// forecast.
type Job struct {
	Date      time.Time
	IssueTime string // HHMM
	LeadTime  int    // hours
	Model     string
}

func (j Job) DateString() string {
	return j.Date.Format(dateLayout)
}

// Stem is the name shared by every file the job produces.
func (j Job) Stem() string {
	return fmt.Sprintf("%s_%s_%s_%dh_gpu", j.Model, j.DateString(), j.IssueTime, j.LeadTime)
}

func (j Job) ArtifactName() string {
	return j.Stem() + ArtifactExt
}

func (j Job) BundleName() string {
	return j.Stem() + BundleExt
}

func (j Job) String() string {
	return j.Stem()
}

// Jobs returns one job per UTC day in [start, end], each a copy of tmpl with the
// date filled in. An end before start yields no jobs.
func Jobs(start, end time.Time, tmpl Job) []Job {
	start = day(start)
	end = day(end)
	var out []Job
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		j := tmpl
		j.Date = d
		out = append(out, j)
	}
	return out
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ValidIssueTime reports whether s is a four digit HHMM time of day.
func ValidIssueTime(s string) bool {
	if len(s) != 4 {
		return false
	}
	_, err := time.Parse("1504", s)
	return err == nil
}
