package recordstore

import (
	"encoding/base64"
	"encoding/json"
)

// pageCursor is an opaque keyset-pagination token over the snowflake
// primary key.
type pageCursor struct {
	LastID int64 `json:"last_id"`
}

func encodeCursor(c pageCursor) string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeCursor(token string) (*pageCursor, error) {
	if token == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	var c pageCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
