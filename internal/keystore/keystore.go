// Package keystore imports the node identity key into the admin API so that
// market and activity calls can be attributed to a node id.
package keystore

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"reqline/internal/api"
	"reqline/internal/domain"
)

const (
	KindUnreachable = "unreachable"
	KindRejected    = "rejected"
)

// ImportError is fatal: nothing downstream can proceed without an
// attributed identity, so there are no retries.
type ImportError struct {
	Kind string
	Err  error
}

func (e ImportError) Error() string {
	return fmt.Sprintf("key import %s: %v", e.Kind, e.Err)
}

func (e ImportError) Unwrap() error { return e.Err }

type Client struct {
	api      *api.Client
	identity *domain.NodeIdentity
}

func New(c *api.Client) *Client {
	return &Client{api: c}
}

type importKeyRequest struct {
	Key    string `json:"key"`
	NodeID string `json:"nodeId"`
}

// ImportKey sends the key exactly once. Malformed key material is rejected
// locally before any request is made.
func (c *Client) ImportKey(ctx context.Context, key, nodeID string) error {
	if err := validateHex(key, "key"); err != nil {
		return ImportError{Kind: KindRejected, Err: err}
	}
	if err := validateNodeID(nodeID); err != nil {
		return ImportError{Kind: KindRejected, Err: err}
	}
	err := c.api.Do(ctx, http.MethodPost, "admin/import-key", importKeyRequest{Key: key, NodeID: nodeID}, nil)
	if err != nil {
		if _, ok := err.(*api.APIError); ok {
			return ImportError{Kind: KindRejected, Err: err}
		}
		return ImportError{Kind: KindUnreachable, Err: err}
	}
	c.identity = &domain.NodeIdentity{Key: key, NodeID: nodeID}
	return nil
}

// Identity returns the imported identity, if any.
func (c *Client) Identity() (domain.NodeIdentity, bool) {
	if c.identity == nil {
		return domain.NodeIdentity{}, false
	}
	return *c.identity, true
}

func validateHex(v, field string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, err := hex.DecodeString(v); err != nil {
		return fmt.Errorf("%s is not valid hex: %w", field, err)
	}
	return nil
}

func validateNodeID(v string) error {
	if v == "" {
		return fmt.Errorf("nodeId is required")
	}
	return validateHex(strings.TrimPrefix(v, "0x"), "nodeId")
}
