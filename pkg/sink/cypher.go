package sink

import (
	"fmt"
	"strings"
)

// Graph elements carry the scope tag in this property so that concurrent
// scopes never see each other's data.
const scopeProp = "sync_scope"

// Every exported node carries this label alongside its canonical one.
// Relationship endpoint matches and scope scans run against it, so one
// index on its id and scope properties serves them; a label-scoped index
// is never consulted by an unlabeled pattern.
const baseLabel = "SyncNode"

// validateIdentifier guards interpolated labels and relationship types.
// Normalized names always satisfy this; anything else is refused rather
// than quoted into the statement.
func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("empty graph identifier")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("graph identifier %q starts with a digit", name)
			}
		default:
			return fmt.Errorf("graph identifier %q contains %q", name, r)
		}
	}
	return nil
}

func mergeNodeCypher(label string) (string, error) {
	if err := validateIdentifier(label); err != nil {
		return "", err
	}
	return fmt.Sprintf(`MERGE (n:%s:%s {id: $id})
SET n += $props, n.%s = $scope
RETURN n.id`, baseLabel, label, scopeProp), nil
}

// mergeRelCypher matches both endpoints within the scope before merging.
// When either endpoint is missing the statement returns no rows, which
// the writer reports as a dangling reference.
func mergeRelCypher(relType string) (string, error) {
	if err := validateIdentifier(relType); err != nil {
		return "", err
	}
	return fmt.Sprintf(`MATCH (a:%[3]s {id: $src, %[2]s: $scope})
MATCH (b:%[3]s {id: $tgt, %[2]s: $scope})
MERGE (a)-[r:%[1]s {id: $id}]->(b)
SET r += $props, r.%[2]s = $scope
RETURN r.id`, relType, scopeProp, baseLabel), nil
}

func createIndexCypher(label string) (string, error) {
	if err := validateIdentifier(label); err != nil {
		return "", err
	}
	return fmt.Sprintf("CREATE INDEX idx_%s_id IF NOT EXISTS FOR (n:%s) ON (n.id)",
		strings.ToLower(label), label), nil
}

const (
	baseIDIndexCypher = "CREATE INDEX idx_syncnode_id IF NOT EXISTS FOR (n:" +
		baseLabel + ") ON (n.id)"

	baseScopeIndexCypher = "CREATE INDEX idx_syncnode_scope IF NOT EXISTS FOR (n:" +
		baseLabel + ") ON (n." + scopeProp + ")"

	clearScopeCypher = `MATCH (n:` + baseLabel + ` {` + scopeProp + `: $scope}) DETACH DELETE n`

	countNodesCypher = `MATCH (n:` + baseLabel + ` {` + scopeProp + `: $scope}) RETURN count(n) AS total`

	countRelsCypher = `MATCH (:` + baseLabel + `)-[r {` + scopeProp + `: $scope}]->(:` + baseLabel + `) RETURN count(r) AS total`

	fetchNodesCypher = `MATCH (n:` + baseLabel + ` {` + scopeProp + `: $scope})
WHERE n.id IN $ids
RETURN n.id AS id, labels(n) AS labels, properties(n) AS props`

	fetchRelsCypher = `MATCH (a:` + baseLabel + `)-[r {` + scopeProp + `: $scope}]->(b:` + baseLabel + `)
WHERE r.id IN $ids
RETURN r.id AS id, type(r) AS type, a.id AS src, b.id AS tgt, properties(r) AS props`
)
