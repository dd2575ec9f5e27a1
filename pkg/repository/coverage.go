package repository

import (
	"sort"

	"github.com/raterudder/octosync/pkg/types"
)

// sortByStart orders records by the start of their interval, then by id for
// records sharing a start.
func sortByStart[T types.TimeSeriesRecord](records []T) {
	sort.SliceStable(records, func(i, j int) bool {
		si, _ := records[i].Interval()
		sj, _ := records[j].Interval()
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return records[i].RecordID() < records[j].RecordID()
	})
}

// covers reports whether records, sorted by start, form one contiguous span
// from at or before p.From to at or after p.To. A record with a zero end
// covers everything after its start.
func covers[T types.TimeSeriesRecord](records []T, p types.Period) bool {
	cursor := p.From
	for _, r := range records {
		start, end := r.Interval()
		if start.After(cursor) {
			// gap before this record
			return false
		}
		if end.IsZero() {
			return true
		}
		if !end.After(cursor) {
			continue
		}
		cursor = end
		if !cursor.Before(p.To) {
			return true
		}
	}
	return false
}
