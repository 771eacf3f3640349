package metrics

import (
	"sort"

	"github.com/slyt3/guardstats/internal/models"
)

const dateLayout = "2006-01-02"

// DailyBucket is the activity on one calendar date.
type DailyBucket struct {
	Date      string  `json:"date"`
	Count     int     `json:"count"`
	Blocked   int     `json:"blocked"`
	BlockRate float64 `json:"block_rate"`
}

// BucketByDate groups records by the calendar date of their timestamp, in
// the offset the timestamp was recorded with. Dates without records are
// omitted; the result is sorted ascending.
func BucketByDate(records []models.OutcomeRecord) []DailyBucket {
	byDate := make(map[string]*DailyBucket)
	for _, rec := range records {
		day := rec.Timestamp.Time.Format(dateLayout)
		b, ok := byDate[day]
		if !ok {
			b = &DailyBucket{Date: day}
			byDate[day] = b
		}
		b.Count++
		if rec.Blocked {
			b.Blocked++
		}
	}

	out := make([]DailyBucket, 0, len(byDate))
	for _, b := range byDate {
		b.BlockRate = ratio(b.Blocked, b.Count) * 100
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// BucketByHour counts records per hour of day (0..23) across all dates.
// Hours without records are absent from the map.
func BucketByHour(records []models.OutcomeRecord) map[int]int {
	out := make(map[int]int)
	for _, rec := range records {
		out[rec.Timestamp.Time.Hour()]++
	}
	return out
}

// HourlyActivity is BucketByHour laid out densely for charting.
func HourlyActivity(records []models.OutcomeRecord) [24]int {
	var out [24]int
	for hour, n := range BucketByHour(records) {
		out[hour] = n
	}
	return out
}

// CategoryRate is the block rate within one category.
type CategoryRate struct {
	Category  string  `json:"category"`
	Total     int     `json:"total"`
	Blocked   int     `json:"blocked"`
	BlockRate float64 `json:"block_rate"`
}

// CategoryBreakdown returns per-category totals and block rates for the
// categories present in records, sorted by total descending then name.
func CategoryBreakdown(records []models.OutcomeRecord) []CategoryRate {
	byCat := make(map[string]*CategoryRate)
	for _, rec := range records {
		c, ok := byCat[rec.Category]
		if !ok {
			c = &CategoryRate{Category: rec.Category}
			byCat[rec.Category] = c
		}
		c.Total++
		if rec.Blocked {
			c.Blocked++
		}
	}

	out := make([]CategoryRate, 0, len(byCat))
	for _, c := range byCat {
		c.BlockRate = ratio(c.Blocked, c.Total) * 100
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// BlockRateByCategory maps each category present in records to its block
// rate as a percentage.
func BlockRateByCategory(records []models.OutcomeRecord) map[string]float64 {
	out := make(map[string]float64)
	for _, c := range CategoryBreakdown(records) {
		out[c.Category] = c.BlockRate
	}
	return out
}
