package market

import (
	"fmt"
	"strings"
	"time"

	"reqline/internal/config"
	"reqline/internal/domain"
)

// Property keys follow the golem namespace convention so that provider-side
// matchers resolve them.
const (
	PropTaskPackage = "golem.srv.comp.task_package"
	PropExpiration  = "golem.srv.comp.expiration"
	PropSubnet      = "golem.node.debug.subnet"
	PropNodeID      = "golem.node.id"
	PropPrice       = "golem.com.price"
	PropMemGib      = "golem.inf.mem.gib"
	PropStorageGib  = "golem.inf.storage.gib"
	PropRuntime     = "golem.runtime.name"
)

// BuildDemand assembles the published demand from config and the imported
// node id.
func BuildDemand(cfg *config.Config, nodeID string, now time.Time) domain.Demand {
	expiry := now.Add(time.Duration(cfg.Demand.ExpiryMinutes) * time.Minute).UTC()
	props := map[string]any{
		PropTaskPackage: cfg.Demand.TaskPackage,
		PropExpiration:  expiry.UnixMilli(),
		PropNodeID:      nodeID,
	}
	if cfg.Demand.Subnet != "" {
		props[PropSubnet] = cfg.Demand.Subnet
	}
	var clauses []string
	clauses = append(clauses, fmt.Sprintf("(%s>=%g)", PropMemGib, cfg.Demand.MinMemGib))
	clauses = append(clauses, fmt.Sprintf("(%s>=%g)", PropStorageGib, cfg.Demand.MinStorageGib))
	if cfg.Demand.Runtime != "" {
		clauses = append(clauses, fmt.Sprintf("(%s=%s)", PropRuntime, cfg.Demand.Runtime))
	}
	if cfg.Demand.Subnet != "" {
		clauses = append(clauses, fmt.Sprintf("(%s=%s)", PropSubnet, cfg.Demand.Subnet))
	}
	return domain.Demand{
		Properties:  props,
		Constraints: "(&" + strings.Join(clauses, "") + ")",
		ExpiresAt:   expiry.Format(time.RFC3339),
	}
}
