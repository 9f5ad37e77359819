package docker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildArgs(t *testing.T) {
	assert.Nil(t, buildArgs(nil))

	args := buildArgs(map[string]string{"APP_ENV": "dr", "GO_VERSION": "1.25"})
	if assert.Len(t, args, 2) {
		assert.Equal(t, "dr", *args["APP_ENV"])
		assert.Equal(t, "1.25", *args["GO_VERSION"])
	}
}

func TestPushDigest(t *testing.T) {
	raw := json.RawMessage(`{"Tag":"v1","Digest":"sha256:abc","Size":1234}`)
	assert.Equal(t, "sha256:abc", pushDigest(raw))
	assert.Empty(t, pushDigest(json.RawMessage(`{"ID":"x"}`)))
	assert.Empty(t, pushDigest(json.RawMessage(`not json`)))
}
