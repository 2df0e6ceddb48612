package storage

import (
	"encoding/json"
	"slices"
)

// manifestName is the name, inside a key's block directory or prefix, of
// the record of the last committed block list. Block names are hex digests
// so the two cannot collide.
const manifestName = "committed.json"

// commitManifest maps each block id of the last successful commit for a
// key to the version of the staged copy that commit read. Backends without
// native block lists keep committed blocks until a later commit drops them,
// so the same list, or a reordering of it, can be committed again.
type commitManifest map[string]string

func decodeManifest(data []byte) (commitManifest, error) {
	m := commitManifest{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m commitManifest) encode() []byte {
	data, _ := json.Marshal(map[string]string(m))
	return data
}

// superseded returns, sorted, the ids recorded in m that next does not
// reference. A nil next supersedes every recorded block.
func (m commitManifest) superseded(next commitManifest) []string {
	var ids []string
	for id := range m {
		if _, ok := next[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
