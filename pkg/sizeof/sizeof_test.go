package sizeof

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeasure_TextShapes(t *testing.T) {
	assert.Equal(t, int64(5), Measure("hello"), "Strings should measure their byte length")
	assert.Equal(t, int64(0), Measure(""), "Empty strings should measure zero")
	assert.Equal(t, int64(3), Measure([]byte{1, 2, 3}), "Byte slices should measure their length")
	assert.Equal(t, int64(0), Measure([]byte(nil)), "Nil byte slices should measure zero")

	text := "pomelo"
	assert.Equal(t, int64(6), Measure(&text), "String pointers should measure the pointee")
	assert.Equal(t, int64(0), Measure((*string)(nil)), "Nil string pointers should measure zero")
}

func TestMeasure_UnmeasurableShapes(t *testing.T) {
	assert.Equal(t, Unmeasurable, Measure(42), "Numbers have no wire size")
	assert.Equal(t, Unmeasurable, Measure(struct{ A int }{A: 1}), "Structs have no wire size")
	assert.Equal(t, Unmeasurable, Measure(nil), "Untyped nil has no wire size")
	assert.Equal(t, Unmeasurable, Measure(map[string]int{"a": 1}), "Maps have no wire size")
}
