// Byte-size measurement for cached values. Only plain text and byte buffers have a
// well-defined wire size; every other shape reports Unmeasurable and the caller
// decides how to degrade (the cache engine stops reporting totals for the instance).

package sizeof

// Unmeasurable is returned by Measure for value shapes without a byte length.
const Unmeasurable int64 = -1

// Measure returns the byte length of value, or Unmeasurable if the value is not a
// plain string or byte buffer. It is O(1) and never mutates value.
func Measure(value any) int64 {
	switch v := value.(type) {
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case *string:
		if v == nil {
			return 0
		}
		return int64(len(*v))
	case *[]byte:
		if v == nil {
			return 0
		}
		return int64(len(*v))
	default:
		return Unmeasurable
	}
}
