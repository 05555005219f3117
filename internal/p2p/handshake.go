package p2p

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	klog "github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const handshakeTimeout = 10 * time.Second

// registerHandshakeHandler answers handshakes opened by dialing peers.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remote := stream.Conn().RemotePeer()
		_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

		var theirs HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&theirs); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake read failed")
			return
		}

		ours := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ours); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake write failed")
			return
		}

		n.checkHandshake(remote, theirs)
	})
}

// doHandshake runs the dialer side of the handshake.
func (n *Node) doHandshake(id peer.ID) {
	stream, err := n.host.NewStream(n.ctx, id, HandshakeProtocol)
	if err != nil {
		klog.P2P.Debug().Str("peer", shortID(id)).Msg("Peer does not support handshake protocol, tolerating")
		return
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ours := n.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ours); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake send failed")
		return
	}
	stream.CloseWrite()

	var theirs HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&theirs); err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake response read failed")
		return
	}

	n.checkHandshake(id, theirs)
}

// checkHandshake bans and disconnects a peer whose handshake is
// incompatible with this node.
func (n *Node) checkHandshake(id peer.ID, msg HandshakeMessage) {
	reason := n.validateHandshake(msg)
	if reason == "" {
		klog.P2P.Debug().Str("peer", shortID(id)).Uint64("height", msg.BestHeight).Msg("Handshake ok")
		return
	}
	klog.P2P.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Msg("Handshake rejected, banning peer")
	if n.BanManager != nil {
		n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
	}
	n.DisconnectPeer(id)
}

// validateHandshake returns an empty string when msg is compatible, or the
// rejection reason.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.GenesisHash != n.genesisHash {
		return fmt.Sprintf("genesis mismatch: peer=%s local=%s",
			msg.GenesisHash.Short(), n.genesisHash.Short())
	}
	if msg.ChainID != n.config.ChainID {
		return fmt.Sprintf("chain mismatch: peer=%q local=%q", msg.ChainID, n.config.ChainID)
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		GenesisHash:     n.genesisHash,
		ChainID:         n.config.ChainID,
	}
	if n.heightFn != nil {
		msg.BestHeight = n.heightFn()
	}
	return msg
}
