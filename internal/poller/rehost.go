package poller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamframe/backend/internal/blob"
	"github.com/dreamframe/backend/internal/provider"
)

// Output is one re-hosted generation artifact.
type Output struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// ResultDoc is the result payload stored on a completed generation record.
type ResultDoc struct {
	Outputs []Output `json:"outputs"`
}

// rehost copies each provider output URL into the blob store and returns the
// result document. Provider URLs expire, so this runs before the record is
// marked completed.
func rehost(ctx context.Context, store blob.Store, genID uuid.UUID, res *provider.Result) ([]byte, error) {
	prefix := "generations/" + genID.String()
	doc := ResultDoc{Outputs: make([]Output, 0, len(res.URLs))}
	for _, u := range res.URLs {
		obj, err := store.PutFromURL(ctx, u, prefix)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", u, err)
		}
		doc.Outputs = append(doc.Outputs, Output{URL: obj.PublicURL, Key: obj.Key})
	}
	return json.Marshal(doc)
}
