package utils

import (
	"errors"
	"io"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestWithPadding(t *testing.T) {
	assert.Equal(t, "hello world !", WithPadding("hello world !", 1))
	assert.Equal(t, "hello world ! ", WithPadding("hello world !", 14))
}

func TestDecolorise(t *testing.T) {
	colored := ColoredString("hello", color.FgRed)
	assert.Equal(t, "hello", Decolorise(colored))
}

func TestColoredStringPassesThroughDefault(t *testing.T) {
	assert.Equal(t, "hello", ColoredString("hello", color.FgWhite))
}

func TestGetColorAttributeFallsBackToDefault(t *testing.T) {
	assert.Equal(t, color.FgRed, GetColorAttribute("red"))
	assert.Equal(t, color.FgWhite, GetColorAttribute("not-a-color"))
}

func TestSafeTruncate(t *testing.T) {
	assert.Equal(t, "abc", SafeTruncate("abcdef", 3))
	assert.Equal(t, "ab", SafeTruncate("ab", 3))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloseManyAggregatesErrors(t *testing.T) {
	var closed []int
	err := CloseMany([]io.Closer{
		closerFunc(func() error { closed = append(closed, 1); return nil }),
		closerFunc(func() error { closed = append(closed, 2); return errors.New("boom") }),
		closerFunc(func() error { closed = append(closed, 3); return nil }),
	})
	assert.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, closed)
}
