package store

import (
	"time"

	"github.com/uptrace/bun"
)

// TimeAuditable stamps rows on insert and update
type TimeAuditable struct {
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// RoutingRule is a persisted routing table entry. ID doubles as the
// insertion sequence, which orders rules of equal priority.
type RoutingRule struct {
	bun.BaseModel `bun:"table:routing_rules"`
	TimeAuditable

	ID             int64  `bun:"id,pk,autoincrement" json:"id"`
	SourcePattern  string `bun:"source_pattern,notnull" json:"source_pattern"`
	TargetEndpoint string `bun:"target_endpoint,notnull" json:"target_endpoint"`
	Priority       int    `bun:"priority,notnull,default:0" json:"priority"`
}

// RemoteFunction is a persisted remote registration. Signature holds the
// JSON form of the function signature.
type RemoteFunction struct {
	bun.BaseModel `bun:"table:remote_functions"`
	TimeAuditable

	Name      string `bun:"name,pk" json:"name"`
	Language  string `bun:"language,notnull" json:"language"`
	Endpoint  string `bun:"endpoint,notnull,default:''" json:"endpoint"`
	Signature string `bun:"signature,notnull" json:"signature"`
}

type migrationRecord struct {
	bun.BaseModel `bun:"table:polycall_migrations"`

	Version   int    `bun:"version,pk,type:integer"`
	Name      string `bun:"name,type:text,notnull"`
	AppliedAt string `bun:"applied_at,type:text,notnull"`
}
