package crawl

// Range 是候选列表上的半开区间 [Start, End)。尾部 Worker 的区间可能 Start >= End，视为空。
type Range struct {
	Start int
	End   int
}

func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) Empty() bool { return r.Len() == 0 }

// Partition 把 total 个候选切成 workers 个连续区间：chunkSize = ceil(total/workers)，
// 第 i 个区间为 [i*chunkSize, min((i+1)*chunkSize, total))。
// 区间互不重叠且完整覆盖 [0, total)，只有末尾的区间可能为空。
func Partition(total, workers int) []Range {
	if workers < 1 {
		workers = 1
	}
	if total < 0 {
		total = 0
	}
	chunkSize := (total + workers - 1) / workers

	ranges := make([]Range, workers)
	for i := range ranges {
		end := (i + 1) * chunkSize
		if end > total {
			end = total
		}
		ranges[i] = Range{Start: i * chunkSize, End: end}
	}
	return ranges
}
