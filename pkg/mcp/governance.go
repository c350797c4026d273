// Copyright 2025 The Teal Agents Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"github.com/tealagents/agentcore/pkg/catalog"
	"github.com/tealagents/agentcore/pkg/config"
)

// Annotations are the MCP tool behavior hints governance derives from.
// Nil means the server did not state the hint.
type Annotations struct {
	ReadOnly    *bool
	Destructive *bool
	OpenWorld   *bool
}

// DeriveGovernance maps tool annotations to governance policy, biased by
// the server's trust level and finally patched field-by-field with any
// manual override from config.
//
// Hint effects:
//   - readOnlyHint: no HITL, low cost, public sensitivity
//   - destructiveHint: HITL required, cost at least medium
//   - openWorldHint: sensitivity at least proprietary
//
// Trust bias: trusted servers suppress HITL for non-destructive tools,
// untrusted servers require HITL for every tool.
func DeriveGovernance(ann Annotations, trustLevel string, override *config.GovernanceOverride) catalog.Governance {
	// Without hints, assume the tool can mutate state and touch
	// non-public data.
	gov := catalog.Governance{
		RequiresHitl:    false,
		Cost:            catalog.CostMedium,
		DataSensitivity: catalog.SensitivityProprietary,
	}

	if ann.ReadOnly != nil && *ann.ReadOnly {
		gov.RequiresHitl = false
		gov.Cost = catalog.CostLow
		gov.DataSensitivity = catalog.SensitivityPublic
	}

	destructive := ann.Destructive != nil && *ann.Destructive
	if destructive {
		gov.RequiresHitl = true
		if catalog.CostRank(gov.Cost) < catalog.CostRank(catalog.CostMedium) {
			gov.Cost = catalog.CostMedium
		}
	}

	if ann.OpenWorld != nil && *ann.OpenWorld {
		if catalog.SensitivityRank(gov.DataSensitivity) < catalog.SensitivityRank(catalog.SensitivityProprietary) {
			gov.DataSensitivity = catalog.SensitivityProprietary
		}
	}

	switch trustLevel {
	case config.TrustTrusted:
		if !destructive {
			gov.RequiresHitl = false
		}
	case config.TrustUntrusted:
		gov.RequiresHitl = true
	}

	if override != nil {
		if override.RequiresHitl != nil {
			gov.RequiresHitl = *override.RequiresHitl
		}
		if override.Cost != "" {
			gov.Cost = override.Cost
		}
		if override.DataSensitivity != "" {
			gov.DataSensitivity = override.DataSensitivity
		}
	}

	return gov
}
