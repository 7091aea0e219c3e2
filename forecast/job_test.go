package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(date time.Time) Job {
	return Job{Date: date, IssueTime: DefaultIssueTime, LeadTime: DefaultLeadTime, Model: DefaultModel}
}

func TestJob_Names(t *testing.T) {
	j := testJob(time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, "20230103", j.DateString())
	assert.Equal(t, "panguweather_20230103_1200_168h_gpu", j.Stem())
	assert.Equal(t, "panguweather_20230103_1200_168h_gpu.grib", j.ArtifactName())
	assert.Equal(t, "panguweather_20230103_1200_168h_gpu.zip", j.BundleName())
}

func TestJobs_InclusiveRange(t *testing.T) {
	tmpl := testJob(time.Time{})
	jobs := Jobs(
		time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC),
		tmpl,
	)
	require.Len(t, jobs, 3)

	var dates []string
	for _, j := range jobs {
		dates = append(dates, j.DateString())
		assert.Equal(t, tmpl.Model, j.Model)
		assert.Equal(t, tmpl.LeadTime, j.LeadTime)
	}
	assert.Equal(t, []string{"20230103", "20230104", "20230105"}, dates)
}

func TestJobs_Edges(t *testing.T) {
	d := func(y int, m time.Month, day int) time.Time { return time.Date(y, m, day, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		name       string
		start, end time.Time
		want       int
	}{
		{"single day", d(2020, 1, 1), d(2020, 1, 1), 1},
		{"end before start", d(2020, 1, 2), d(2020, 1, 1), 0},
		{"leap february", d(2020, 2, 27), d(2020, 3, 1), 4},
		{"first half of 2020", d(2020, 1, 1), d(2020, 6, 30), 182},
		{"time of day ignored", time.Date(2020, 1, 1, 23, 0, 0, 0, time.UTC), d(2020, 1, 2), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, Jobs(tt.start, tt.end, testJob(time.Time{})), tt.want)
		})
	}
}

func TestValidIssueTime(t *testing.T) {
	assert.True(t, ValidIssueTime("1200"))
	assert.True(t, ValidIssueTime("0000"))
	assert.False(t, ValidIssueTime("2400"))
	assert.False(t, ValidIssueTime("12:00"))
	assert.False(t, ValidIssueTime("120"))
}
