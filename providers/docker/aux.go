package docker

import "encoding/json"

// pushResult is the aux payload of the final push message.
type pushResult struct {
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
	Size   int    `json:"Size"`
}

func pushDigest(raw json.RawMessage) string {
	var r pushResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	return r.Digest
}
