// Package utils carries the small set of teacher helpers this module
// still exercises: colored console formatting for verbose CLI runs and a
// couple of string/closer helpers used by the daemon entrypoints. The
// rest of the teacher's utils.go (gocui attribute lookup, YAML
// marshaling, table rendering) went with the GUI it supported; see
// DESIGN.md.
package utils

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
)

// Decolorise strips a string of ANSI color escape codes.
func Decolorise(str string) string {
	re := regexp.MustCompile(`\x1B\[([0-9]{1,2}(;[0-9]{1,2})?)?[mK]`)
	return re.ReplaceAllString(str, "")
}

// WithPadding pads a string to the given display width, accounting for
// already-applied ANSI coloring.
func WithPadding(str string, padding int) string {
	uncolored := Decolorise(str)
	if padding < runewidth.StringWidth(uncolored) {
		return str
	}
	return str + strings.Repeat(" ", padding-runewidth.StringWidth(uncolored))
}

// ColoredString colors str with a single color attribute.
func ColoredString(str string, attr color.Attribute) string {
	if attr == color.FgWhite {
		return str
	}
	return ColoredStringDirect(str, color.New(attr))
}

// ColoredStringDirect applies a pre-built *color.Color to str.
func ColoredStringDirect(str string, colour *color.Color) string {
	return colour.SprintFunc()(fmt.Sprint(str))
}

// GetColorAttribute maps a config-file color name to its fatih/color
// attribute, defaulting to the terminal's normal foreground.
func GetColorAttribute(key string) color.Attribute {
	colorMap := map[string]color.Attribute{
		"default":   color.FgWhite,
		"black":     color.FgBlack,
		"red":       color.FgRed,
		"green":     color.FgGreen,
		"yellow":    color.FgYellow,
		"blue":      color.FgBlue,
		"magenta":   color.FgMagenta,
		"cyan":      color.FgCyan,
		"white":     color.FgWhite,
		"bold":      color.Bold,
		"underline": color.Underline,
	}
	if attr, ok := colorMap[key]; ok {
		return attr
	}
	return color.FgWhite
}

// SafeTruncate truncates str to at most limit bytes.
func SafeTruncate(str string, limit int) string {
	if len(str) > limit {
		return str[0:limit]
	}
	return str
}

type multiErr []error

func (m multiErr) Error() string {
	var b bytes.Buffer
	b.WriteString("encountered multiple errors:")
	for _, err := range m {
		b.WriteString("\n\t... " + err.Error())
	}
	return b.String()
}

// CloseMany closes every closer, continuing past individual failures, and
// reports them together if any occurred.
func CloseMany(closers []io.Closer) error {
	errs := make([]error, 0, len(closers))
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return multiErr(errs)
	}
	return nil
}
