package relaycache

import (
	"sync"

	"github.com/eljojo/relaycache/types"
)

// ListAccessControl is an AccessControl backed by a blacklist and an
// optional whitelist. Entries may be hex or npub.
type ListAccessControl struct {
	whitelistEnabled bool
	whitelist        map[types.Pubkey]bool
	blacklist        map[types.Pubkey]bool
	mu               sync.RWMutex
}

func NewListAccessControl(whitelistEnabled bool, whitelist, blacklist []string) *ListAccessControl {
	a := &ListAccessControl{
		whitelistEnabled: whitelistEnabled,
		whitelist:        make(map[types.Pubkey]bool),
		blacklist:        make(map[types.Pubkey]bool),
	}
	for _, entry := range whitelist {
		a.Allow(entry)
	}
	for _, entry := range blacklist {
		a.Deny(entry)
	}
	return a
}

// Allow adds an author to the whitelist. Unparseable entries are ignored.
func (a *ListAccessControl) Allow(entry string) bool {
	pk := types.NormalizePubkey(entry)
	if pk == "" {
		return false
	}
	a.mu.Lock()
	a.whitelist[pk] = true
	a.mu.Unlock()
	return true
}

// Deny adds an author to the blacklist. Unparseable entries are ignored.
func (a *ListAccessControl) Deny(entry string) bool {
	pk := types.NormalizePubkey(entry)
	if pk == "" {
		return false
	}
	a.mu.Lock()
	a.blacklist[pk] = true
	a.mu.Unlock()
	return true
}

func (a *ListAccessControl) IsBlacklisted(author types.Pubkey) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.blacklist[types.NormalizeLoose(author.String())], nil
}

func (a *ListAccessControl) IsWhitelisted(author types.Pubkey) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.whitelist[types.NormalizeLoose(author.String())]
}

// CanAccess: not blacklisted, and whitelisted when the whitelist is on.
func (a *ListAccessControl) CanAccess(video *VideoRecord) (bool, error) {
	blacklisted, _ := a.IsBlacklisted(video.Pubkey)
	if blacklisted {
		return false, nil
	}
	return !a.whitelistEnabled || a.IsWhitelisted(video.Pubkey), nil
}
