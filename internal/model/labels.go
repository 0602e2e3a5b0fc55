package model

// Classes is the label space. Output index i of the classifier is Classes[i].
var Classes = [...]string{
	"fire",
	"flood",
	"accident",
	"injury",
	"infrastructure_damage",
	"normal",
}

func NumClasses() int { return len(Classes) }

// Label maps an output index to its label.
func Label(i int) (string, bool) {
	if i < 0 || i >= len(Classes) {
		return "", false
	}
	return Classes[i], true
}

func IsLabel(s string) bool {
	for _, c := range Classes {
		if c == s {
			return true
		}
	}
	return false
}

// ClassList returns a copy of the label space as a slice.
func ClassList() []string {
	out := make([]string, len(Classes))
	copy(out, Classes[:])
	return out
}
