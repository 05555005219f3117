package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/stakeledger/pkg/tx"
)

// BroadcastTx publishes a pending transaction to the gossip network.
func (n *Node) BroadcastTx(t tx.Transaction) error {
	if n.topicTx == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := tx.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}

	return n.topicTx.Publish(n.ctx, data)
}

// BroadcastBlock publishes a finalized block to the gossip network.
func (n *Node) BroadcastBlock(fb *FinalizedBlock) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}

	return n.topicBlock.Publish(n.ctx, data)
}
