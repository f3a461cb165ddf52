package broadcast

// MergeFailures combines failure lists from successive publish rounds against
// overlapping relay sets. Entries are keyed by URL: the newest message wins,
// and order follows first appearance across the two lists. Merging a list
// with itself or with nil changes nothing.
func MergeFailures(oldFailures, newFailures []Failure) []Failure {
	merged := make([]Failure, 0, len(oldFailures)+len(newFailures))
	index := make(map[string]int, len(oldFailures)+len(newFailures))

	for _, lists := range [][]Failure{oldFailures, newFailures} {
		for _, f := range lists {
			if i, ok := index[f.URL]; ok {
				merged[i].Message = f.Message
				continue
			}
			index[f.URL] = len(merged)
			merged = append(merged, f)
		}
	}
	return merged
}
