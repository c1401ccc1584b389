package querymodel

// Method is the closed set of recognised call shapes. Calls are matched once,
// when the model is built, rather than by inspecting signatures at compile time.
type Method int

const (
	MethodStringContains Method = iota
	MethodStartsWith
	MethodEndsWith
	MethodToUpper
	MethodToLower
	MethodTrim
	MethodLength
	MethodSubstring
	MethodIndexOf
	MethodReplace
	MethodIsNullOrEmpty
	MethodHasFlag
	MethodDateYear
	MethodDateMonth
	MethodDateDay
	MethodDateHour
	MethodDateMinute
	MethodDateSecond
	MethodAbs
	MethodRound
	MethodCeiling
	MethodFloor
	// MethodEnumerableContains is list.Contains(item) with Target the list and Args[0] the item.
	MethodEnumerableContains
)

var methodNames = [...]string{
	MethodStringContains:     "Contains",
	MethodStartsWith:         "StartsWith",
	MethodEndsWith:           "EndsWith",
	MethodToUpper:            "ToUpper",
	MethodToLower:            "ToLower",
	MethodTrim:               "Trim",
	MethodLength:             "Length",
	MethodSubstring:          "Substring",
	MethodIndexOf:            "IndexOf",
	MethodReplace:            "Replace",
	MethodIsNullOrEmpty:      "IsNullOrEmpty",
	MethodHasFlag:            "HasFlag",
	MethodDateYear:           "Year",
	MethodDateMonth:          "Month",
	MethodDateDay:            "Day",
	MethodDateHour:           "Hour",
	MethodDateMinute:         "Minute",
	MethodDateSecond:         "Second",
	MethodAbs:                "Abs",
	MethodRound:              "Round",
	MethodCeiling:            "Ceiling",
	MethodFloor:              "Floor",
	MethodEnumerableContains: "In",
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return "unknown"
}

// ParseMethod resolves a method by name.
func ParseMethod(name string) (Method, bool) {
	for i, n := range methodNames {
		if n == name {
			return Method(i), true
		}
	}
	return 0, false
}

// IsPredicate reports whether the method yields a boolean.
func (m Method) IsPredicate() bool {
	switch m {
	case MethodStringContains, MethodStartsWith, MethodEndsWith,
		MethodIsNullOrEmpty, MethodHasFlag, MethodEnumerableContains:
		return true
	}
	return false
}
