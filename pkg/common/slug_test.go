package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"user@example.com":   "user_example_com",
		"+7 (999) 123-45-67": "7_999_123_45_67",
		"  Trailing--":       "trailing",
		"":                   "",
		"Иван.Петров":        "иван_петров",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
}
