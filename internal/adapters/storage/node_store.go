package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	json "github.com/goccy/go-json"
)

const (
	nodeKeyPrefix     = "node:"
	portKeyPrefix     = "port:"
	templateKeyPrefix = "template:"
)

func nodeKey(uuid string) string { return nodeKeyPrefix + uuid }

func portKey(nodeUUID, portUUID string) string {
	return portKeyPrefix + nodeUUID + ":" + portUUID
}

// NodeStore keeps node and port records as JSON documents. Writers are
// expected to hold the node lock, so Save overwrites without a version check.
type NodeStore struct {
	storage ports.StoragePort
	logger  *slog.Logger
	clock   func() time.Time
}

func NewNodeStore(storage ports.StoragePort, logger *slog.Logger) *NodeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeStore{
		storage: storage,
		logger:  logger.With("component", "node-store"),
		clock:   time.Now,
	}
}

// Create stores a new node and fails when the UUID is taken.
func (s *NodeStore) Create(ctx context.Context, node *domain.Node) error {
	if node == nil || node.UUID == "" {
		return domain.NewInvalidParameterError("node UUID is required")
	}
	node.UpdatedAt = s.clock().UTC()
	if err := s.write(ctx, node, 1); err != nil {
		if domain.IsVersionMismatch(err) {
			return domain.NewInvalidParameterError("node %s already exists", node.UUID)
		}
		return err
	}
	s.logger.Debug("node created", "node", node.UUID)
	return nil
}

func (s *NodeStore) Get(ctx context.Context, uuid string) (*domain.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, _, exists, err := s.storage.Get(nodeKey(uuid))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("node %s: %w", uuid, domain.ErrNotFound)
	}
	return decodeNode(nodeKey(uuid), value)
}

func (s *NodeStore) Save(ctx context.Context, node *domain.Node) error {
	if node == nil || node.UUID == "" {
		return domain.NewInvalidParameterError("node UUID is required")
	}
	_, _, exists, err := s.storage.Get(nodeKey(node.UUID))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("node %s: %w", node.UUID, domain.ErrNotFound)
	}
	node.UpdatedAt = s.clock().UTC()
	return s.write(ctx, node, 0)
}

// List returns every node ordered by UUID.
func (s *NodeStore) List(ctx context.Context) ([]*domain.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.storage.ListByPrefix(nodeKeyPrefix)
	if err != nil {
		return nil, err
	}
	nodes := make([]*domain.Node, 0, len(entries))
	for _, entry := range entries {
		node, err := decodeNode(entry.Key, entry.Value)
		if err != nil {
			s.logger.Warn("skipping unreadable node", "key", entry.Key, "error", err)
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
	return nodes, nil
}

// Delete removes the node and its ports.
func (s *NodeStore) Delete(ctx context.Context, uuid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.storage.Delete(nodeKey(uuid)); err != nil {
		return err
	}
	return s.deletePorts(uuid)
}

// PutPorts replaces the node's ports.
func (s *NodeStore) PutPorts(ctx context.Context, nodeUUID string, nodePorts []domain.Port) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.deletePorts(nodeUUID); err != nil {
		return err
	}
	for _, port := range nodePorts {
		if port.UUID == "" {
			return domain.NewInvalidParameterError("port on node %s has no UUID", nodeUUID)
		}
		port.NodeUUID = nodeUUID
		payload, err := json.Marshal(port)
		if err != nil {
			return err
		}
		if err := s.storage.Put(portKey(nodeUUID, port.UUID), payload, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *NodeStore) ListPorts(ctx context.Context, nodeUUID string) ([]domain.Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.storage.ListByPrefix(portKeyPrefix + nodeUUID + ":")
	if err != nil {
		return nil, err
	}
	result := make([]domain.Port, 0, len(entries))
	for _, entry := range entries {
		var port domain.Port
		if err := json.Unmarshal(entry.Value, &port); err != nil {
			return nil, corrupt(entry.Key, err)
		}
		result = append(result, port)
	}
	return result, nil
}

func (s *NodeStore) deletePorts(nodeUUID string) error {
	entries, err := s.storage.ListByPrefix(portKeyPrefix + nodeUUID + ":")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.storage.Delete(entry.Key); err != nil && !domain.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (s *NodeStore) write(ctx context.Context, node *domain.Node, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", node.UUID, err)
	}
	return s.storage.Put(nodeKey(node.UUID), payload, version)
}

func decodeNode(key string, value []byte) (*domain.Node, error) {
	var node domain.Node
	if err := json.Unmarshal(value, &node); err != nil {
		return nil, corrupt(key, err)
	}
	return &node, nil
}

func corrupt(key string, err error) error {
	return &domain.StorageError{
		Type:    domain.ErrCorrupted,
		Key:     key,
		Message: fmt.Sprintf("corrupt record %s: %v", key, err),
	}
}
