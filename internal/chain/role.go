package chain

import "fmt"

// Role is the node's position in the consensus lifecycle. Roles only move
// forward: Init -> Syncing -> Running.
type Role int32

const (
	RoleInit Role = iota
	RoleSyncing
	RoleRunning
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInit:
		return "init"
	case RoleSyncing:
		return "syncing"
	case RoleRunning:
		return "running"
	default:
		return fmt.Sprintf("role(%d)", int32(r))
	}
}
