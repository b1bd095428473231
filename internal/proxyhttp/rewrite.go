// Copyright 2025 James Ross
package proxyhttp

import (
	"context"
	"net/http"
	"strings"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/mapper"
)

// segmentAfter returns path's segment immediately following marker, and
// whether one was present. Used to locate the collection identifier in
// paths like ".../collections/{ident}/points".
func segmentAfter(path, marker string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == marker && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], true
		}
	}
	return "", false
}

// rewriteSegment replaces the path segment equal to old with new,
// leaving everything else untouched.
func rewriteSegment(path, old, new string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == old {
			parts[i] = new
		}
	}
	return strings.Join(parts, "/")
}

// isCollectionDeleteByName reports whether method/path is a DELETE
// targeting a collection by logical name, i.e. ".../collections/{name}"
// with nothing following it. Document deletes (e.g.
// ".../collections/{ident}/points/delete") and deletes already addressed
// by backend UUID take the generic single-backend write path instead;
// only the logical-name case gets spec §4.3's dual-backend treatment.
func isCollectionDeleteByName(method, path string) (string, bool) {
	if method != http.MethodDelete {
		return "", false
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "collections" {
			if i+1 < len(parts) && i+2 == len(parts) && !mapper.LooksLikeUUID(parts[i+1]) {
				return parts[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// resolveIdent rewrites a path's collection identifier for target,
// returning the rewritten path and the logical collection key used for
// WAL/ledger bookkeeping and consistency pinning. A path with no
// "collections/{ident}" segment (e.g. the create-collection endpoint) is
// returned unchanged with an empty collection key.
func resolveIdent(ctx context.Context, m *mapper.Mapper, path string, target backend.Name) (rewritten, collectionKey string, err error) {
	ident, ok := segmentAfter(path, "collections")
	if !ok {
		return path, "", nil
	}

	var targetUUID string
	if mapper.LooksLikeUUID(ident) {
		targetUUID, err = m.ResolvePeerUUID(ctx, ident, target)
	} else {
		targetUUID, err = m.ResolveByName(ctx, ident, target)
	}
	if err != nil {
		return "", ident, err
	}
	if targetUUID == "" || targetUUID == ident {
		return path, ident, nil
	}
	return rewriteSegment(path, ident, targetUUID), ident, nil
}
