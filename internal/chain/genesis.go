package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/execution"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
)

// CreateGenesisBlock builds the genesis block from the genesis
// configuration. Genesis has height 0, descends from PreGenesisID, carries
// no transactions and no seal, and its certificate commits to the
// execution of its metadata alone.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	out := execution.ExecuteGenesis(execution.Batch{
		Meta: execution.BlockMeta{
			ParentID:  block.PreGenesisID,
			Timestamp: gen.Timestamp,
		},
	})

	cert := &block.Certificate{
		ParentID:        block.PreGenesisID,
		StateRoot:       out.StateRoot,
		AccumulatorRoot: out.AccumulatorRoot,
		Version:         out.Version,
		Timestamp:       gen.Timestamp,
	}
	return block.Assemble(cert, nil), nil
}
