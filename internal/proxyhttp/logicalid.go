// Copyright 2025 James Ross
package proxyhttp

import "encoding/json"

// logicalIDBody is the client-supplied side channel for a write's logical
// document identity, resolving spec §9's open question on where the
// logical ID lives: the client must supply it as a top-level
// "logical_id" field on document-level write bodies it expects to later
// see deletion-form-converted.
type logicalIDBody struct {
	LogicalID string `json:"logical_id"`
}

// extractLogicalID returns body's logical_id field, if present and
// non-empty.
func extractLogicalID(body []byte) *string {
	if len(body) == 0 {
		return nil
	}
	var v logicalIDBody
	if err := json.Unmarshal(body, &v); err != nil {
		return nil
	}
	if v.LogicalID == "" {
		return nil
	}
	return &v.LogicalID
}
