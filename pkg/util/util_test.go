package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomStringIsSeeded(t *testing.T) {
	a := CreateRandomStringGenerator(42)
	b := CreateRandomStringGenerator(42)

	s := a.GetRandomString(8)
	assert.Len(t, s, 8)
	assert.Equal(t, s, b.GetRandomString(8))
	assert.NotContains(t, s, "0")
}

func TestContains(t *testing.T) {
	list := []string{"http://a.example", "http://b.example"}
	assert.True(t, Contains("http://b.example", list))
	assert.False(t, Contains("http://c.example", list))
	assert.False(t, Contains("", nil))
}
