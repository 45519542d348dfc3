package blob

import "context"

// Object is a stored blob: the key under the store's root and the URL clients
// can fetch it from.
type Object struct {
	Key       string `json:"key"`
	PublicURL string `json:"public_url"`
}

// Store re-hosts generation media. Provider result URLs expire after roughly
// an hour, so outputs are copied here before the record is marked completed.
type Store interface {
	// PutFromURL downloads sourceURL and stores it under keyPrefix.
	PutFromURL(ctx context.Context, sourceURL, keyPrefix string) (*Object, error)
	// PutFromBytes stores raw bytes under keyPrefix.
	PutFromBytes(ctx context.Context, data []byte, keyPrefix string) (*Object, error)
}
