package block

import "github.com/Klingon-tech/klingnet-pow/pkg/types"

// Index locates a block by height and id.
type Index struct {
	Height uint64     `json:"height"`
	ID     types.Hash `json:"id"`
}
