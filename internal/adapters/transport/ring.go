package transport

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/eleven-am/conductor/internal/domain"
)

const (
	topicPrefix  = "conductor."
	virtualNodes = 150
)

// TopicForConductor is the RPC topic a conductor listens on.
func TopicForConductor(id string) string {
	return topicPrefix + id
}

type hashNode struct {
	hash   uint32
	peerID string
}

// Ring maps nodes onto conductors with consistent hashing, one ring per
// conductor group, so a node keeps its conductor while peers come and go.
type Ring struct {
	mu     sync.RWMutex
	peers  map[string]domain.PeerConfig
	rings  map[string][]hashNode
	logger *slog.Logger
}

func NewRing(peers []domain.PeerConfig, logger *slog.Logger) *Ring {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Ring{logger: logger.With("component", "hash-ring")}
	r.SetPeers(peers)
	return r
}

// SetPeers replaces the conductor membership.
func (r *Ring) SetPeers(peers []domain.PeerConfig) {
	byID := make(map[string]domain.PeerConfig, len(peers))
	groups := make(map[string][]hashNode)
	for _, peer := range peers {
		byID[peer.ID] = peer
		for i := 0; i < virtualNodes; i++ {
			groups[peer.Group] = append(groups[peer.Group], hashNode{
				hash:   hashString(fmt.Sprintf("%s-%d", peer.ID, i)),
				peerID: peer.ID,
			})
		}
	}
	for _, ring := range groups {
		sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	}

	r.mu.Lock()
	r.peers = byID
	r.rings = groups
	r.mu.Unlock()
	r.logger.Debug("ring rebuilt", "peers", len(byID), "groups", len(groups))
}

// TopicFor returns the topic of the conductor that owns node.
func (r *Ring) TopicFor(node *domain.Node) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ring := r.rings[node.ConductorGroup]
	if len(ring) == 0 {
		return "", fmt.Errorf("%w: no conductor available for node %s in group %q",
			domain.ErrNotFound, node.UUID, node.ConductorGroup)
	}

	h := hashString(node.UUID)
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	if idx >= len(ring) {
		idx = 0
	}
	return TopicForConductor(ring[idx].peerID), nil
}

// Address resolves a topic to the peer's RPC address.
func (r *Ring) Address(topic string) (string, error) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || id == "" {
		return "", domain.NewInvalidParameterError("malformed conductor topic %q", topic)
	}
	r.mu.RLock()
	peer, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: no conductor for topic %s", domain.ErrNotFound, topic)
	}
	return peer.Address, nil
}

func hashString(s string) uint32 {
	hash := sha256.Sum256([]byte(s))
	return uint32(hash[0])<<24 | uint32(hash[1])<<16 | uint32(hash[2])<<8 | uint32(hash[3])
}
