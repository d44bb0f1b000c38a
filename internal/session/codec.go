package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/consoleguard/internal/models"
)

// encode produces the opaque persisted form: base64 of the JSON metadata.
func encode(meta *models.SessionMetadata) ([]byte, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)

	return out, nil
}

func decode(blob []byte) (*models.SessionMetadata, error) {
	data := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))

	n, err := base64.StdEncoding.Decode(data, blob)
	if err != nil {
		return nil, fmt.Errorf("decoding session blob: %w", err)
	}

	var meta models.SessionMetadata
	if err := json.Unmarshal(data[:n], &meta); err != nil {
		return nil, fmt.Errorf("decoding session metadata: %w", err)
	}

	return &meta, nil
}
