package wimfile

import "time"

// filetimeEpochDiff is the count of 100ns intervals between the Windows
// epoch (1601-01-01) and the Unix epoch (1970-01-01).
const filetimeEpochDiff = 116444736000000000

// TimeToFiletime converts t to a Windows FILETIME value, 100ns intervals
// since 1601-01-01 UTC.
func TimeToFiletime(t time.Time) uint64 {
	return uint64(t.Unix()*1e7 + int64(t.Nanosecond())/100 + filetimeEpochDiff)
}

// FiletimeToTime converts a Windows FILETIME value to a time.Time in UTC.
func FiletimeToTime(ft uint64) time.Time {
	rel := int64(ft) - filetimeEpochDiff
	return time.Unix(rel/1e7, (rel%1e7)*100).UTC()
}
