package backend

import "context"

// ModelEntry is one checkpoint in the backend's model catalog.
type ModelEntry struct {
	Key        string    `json:"key"`
	Filename   string    `json:"filename"`
	Hash       string    `json:"hash"`
	DefaultVae *VaeEntry `json:"default_vae,omitempty"`
}

// VaeEntry describes a VAE attached to a model entry.
type VaeEntry struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
}

// ListModels fetches the backend's model catalog.
func (c *Client) ListModels(ctx context.Context) ([]ModelEntry, error) {
	var entries []ModelEntry
	if err := c.getJSON(ctx, "/api/models", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
