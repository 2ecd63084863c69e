package selection

import (
	"strconv"
	"strings"
)

// Path locates a value in a response: response names and list indexes from
// the root.
type Path []PathElement

// PathElement is a string (response name) or an int (list index).
type PathElement any

// Append returns a new Path with elem appended; p is left untouched.
func (p Path) Append(elem PathElement) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = elem
	return out
}

func (p Path) String() string {
	var b strings.Builder
	for i, elem := range p {
		switch v := elem.(type) {
		case string:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(v)
		case int:
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(v))
			b.WriteByte(']')
		}
	}
	return b.String()
}
