package vless

import "github.com/xtls-vision/vlessd/internal/vlessid"

// User is one entry of the configured user set: a wire identity (UUID) with
// an optional display label used for accounting. Unique within a set;
// immutable for the lifetime of a run.
type User struct {
	ID    vlessid.ID
	Email string
}
