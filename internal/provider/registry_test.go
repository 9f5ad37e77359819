package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReusesProviderPerRegion(t *testing.T) {
	r := NewRegistry("")

	a, err := r.Get("eu-west-1")
	require.NoError(t, err)
	b, err := r.Get("eu-west-1")
	require.NoError(t, err)
	c, err := r.Get("us-east-1")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "us-east-1", c.Region())
	assert.ElementsMatch(t, []string{"eu-west-1", "us-east-1"}, r.Regions())
}

func TestRegistryRejectsEmptyRegion(t *testing.T) {
	_, err := NewRegistry("").Get("")
	assert.Error(t, err)
}
