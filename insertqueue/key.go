package insertqueue

import (
	"sort"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// InsertQuery is the grouping key of a batch: statement text, effective
// settings and the acting identity. Two pushes share a batch only if all of
// these match. The 128-bit hash is computed once and used purely as an index
// accelerator; lookups always verify structural equality, so a hash collision
// between different keys can never merge their batches.
type InsertQuery struct {
	Statement Statement
	Settings  map[string]string
	UserID    uuid.UUID
	Roles     []uuid.UUID
	Hash      xxh3.Uint128
}

func newInsertQuery(stmt Statement, qctx QueryContext) *InsertQuery {
	settings := make(map[string]string, len(qctx.Settings))
	for k, v := range qctx.Settings {
		settings[k] = v
	}

	roles := make([]uuid.UUID, len(qctx.Roles))
	copy(roles, qctx.Roles)
	sort.Slice(roles, func(i, j int) bool {
		return roles[i].String() < roles[j].String()
	})

	q := &InsertQuery{
		Statement: stmt,
		Settings:  settings,
		UserID:    qctx.UserID,
		Roles:     roles,
	}
	q.Hash = q.calculateHash()
	return q
}

func (q *InsertQuery) calculateHash() xxh3.Uint128 {
	h := xxh3.New()
	h.WriteString(q.Statement.Text)
	h.Write([]byte{0})

	keys := make([]string, 0, len(q.Settings))
	for k := range q.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.WriteString(k)
		h.Write([]byte{0})
		h.WriteString(q.Settings[k])
		h.Write([]byte{0})
	}

	h.Write(q.UserID[:])
	for _, r := range q.Roles {
		h.Write(r[:])
	}
	return h.Sum128()
}

// equals compares the structural identity, independent of the hash.
func (q *InsertQuery) equals(other *InsertQuery) bool {
	if q.Statement.Text != other.Statement.Text || q.UserID != other.UserID {
		return false
	}
	if len(q.Settings) != len(other.Settings) || len(q.Roles) != len(other.Roles) {
		return false
	}
	for k, v := range q.Settings {
		if ov, ok := other.Settings[k]; !ok || ov != v {
			return false
		}
	}
	for i, r := range q.Roles {
		if other.Roles[i] != r {
			return false
		}
	}
	return true
}

// shardIndex maps the key to its shard; stable for the life of the queue.
func (q *InsertQuery) shardIndex(shards int) int {
	return int(q.Hash.Lo % uint64(shards))
}
