package bondipack

import (
	"regexp"
	"strconv"
	"strings"
)

// Relation is a version comparison operator in a dependency.
type Relation string

const (
	RelNone    Relation = ""
	RelLess    Relation = "<<"
	RelLessEq  Relation = "<="
	RelEqual   Relation = "="
	RelGreatEq Relation = ">="
	RelGreat   Relation = ">>"
)

// relationAliases maps accepted spellings onto the canonical operators.
var relationAliases = map[string]Relation{
	"<<": RelLess,
	"<":  RelLess,
	"<=": RelLessEq,
	"=":  RelEqual,
	"==": RelEqual,
	">=": RelGreatEq,
	">>": RelGreat,
	">":  RelGreat,
}

// ParseRelation accepts the canonical operators plus <, > and ==.
func ParseRelation(s string) (Relation, bool) {
	r, ok := relationAliases[strings.TrimSpace(s)]
	return r, ok
}

// Satisfies reports whether installed meets "rel ref". An empty relation
// is always satisfied.
func (r Relation) Satisfies(installed, ref string) bool {
	cmp := CompareVersions(installed, ref)
	switch r {
	case RelLess:
		return cmp < 0
	case RelLessEq:
		return cmp <= 0
	case RelEqual:
		return cmp == 0
	case RelGreatEq:
		return cmp >= 0
	case RelGreat:
		return cmp > 0
	}
	return true
}

var versionParts = regexp.MustCompile(`^(?:(\d+):)?([-+:~.a-zA-Z0-9]+?)(?:-([^-]+))?$`)

// CompareVersions orders two version strings of the form
// [epoch:]upstream[-revision] the way dpkg does. It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	ea, ua, ra := splitVersion(a)
	eb, ub, rb := splitVersion(b)

	if ea != eb {
		if ea > eb {
			return 1
		}
		return -1
	}
	if c := compareFragment(ua, ub); c != 0 {
		return c
	}
	return compareFragment(ra, rb)
}

func splitVersion(v string) (epoch int, upstream, revision string) {
	m := versionParts.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return 0, v, ""
	}
	if m[1] != "" {
		epoch, _ = strconv.Atoi(m[1])
	}
	return epoch, m[2], m[3]
}

// charOrder ranks a byte: '~' sorts before everything including the end
// of the string, letters sort before other symbols.
func charOrder(c byte) int {
	switch {
	case c == '~':
		return -1
	case c == 0:
		return 0
	case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		return int(c)
	}
	return int(c) + 256
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func compareFragment(a, b string) int {
	for a != "" || b != "" {
		// non-digit prefix
		var pa, pb string
		pa, a = cutWhile(a, func(c byte) bool { return !isDigit(c) })
		pb, b = cutWhile(b, func(c byte) bool { return !isDigit(c) })
		for i := 0; i < len(pa) || i < len(pb); i++ {
			var ca, cb byte
			if i < len(pa) {
				ca = pa[i]
			}
			if i < len(pb) {
				cb = pb[i]
			}
			if oa, ob := charOrder(ca), charOrder(cb); oa != ob {
				if oa > ob {
					return 1
				}
				return -1
			}
		}

		// digit run
		var da, db string
		da, a = cutWhile(a, isDigit)
		db, b = cutWhile(b, isDigit)
		da = strings.TrimLeft(da, "0")
		db = strings.TrimLeft(db, "0")
		if len(da) != len(db) {
			if len(da) > len(db) {
				return 1
			}
			return -1
		}
		if da != db {
			if da > db {
				return 1
			}
			return -1
		}
	}
	return 0
}

func cutWhile(s string, keep func(byte) bool) (head, rest string) {
	i := 0
	for i < len(s) && keep(s[i]) {
		i++
	}
	return s[:i], s[i:]
}
