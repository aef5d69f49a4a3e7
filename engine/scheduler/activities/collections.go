package activities

import (
	"context"
	"fmt"

	"github.com/sentinelflow/sentinelflow/engine/blob"
)

const (
	StoreCollectionLabel  = "StoreCollection"
	ExpandCollectionLabel = "ExpandCollection"
)

type StoreCollectionInput struct {
	Items []any `json:"items"`
}

type StoreCollectionOutput struct {
	Manifest *blob.Manifest `json:"manifest"`
}

// StoreCollection chunks a gathered collection into the blob store and
// returns its manifest; workflow state keeps only the manifest handle.
func (a *Activities) StoreCollection(
	ctx context.Context,
	input *StoreCollectionInput,
) (*StoreCollectionOutput, error) {
	if a.blobs == nil {
		return nil, fmt.Errorf("no blob store configured")
	}
	manifest, err := a.blobs.PutCollection(ctx, input.Items)
	if err != nil {
		return nil, err
	}
	return &StoreCollectionOutput{Manifest: manifest}, nil
}

type ExpandCollectionInput struct {
	Manifest *blob.Manifest `json:"manifest"`
}

type ExpandCollectionOutput struct {
	// Items are per-item reference handles, never raw content: scatter
	// streams carry handles and the executor inflates them on read.
	Items []any `json:"items"`
}

// ExpandCollection resolves a manifest into per-item reference handles so a
// scatter can fan out over a large collection without inlining it.
func (a *Activities) ExpandCollection(
	ctx context.Context,
	input *ExpandCollectionInput,
) (*ExpandCollectionOutput, error) {
	if a.blobs == nil {
		return nil, fmt.Errorf("no blob store configured")
	}
	refs, err := a.blobs.ItemRefs(ctx, input.Manifest)
	if err != nil {
		return nil, err
	}
	items := make([]any, len(refs))
	for i := range refs {
		items[i] = refs[i].AsHandle()
	}
	return &ExpandCollectionOutput{Items: items}, nil
}
