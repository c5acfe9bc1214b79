package bondipack

import "github.com/gookit/color"

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// paint renders s with fn only when colour output is enabled.
func paint(enabled bool, fn func(a ...any) string, s string) string {
	if !enabled {
		return s
	}
	return fn(s)
}
