// Package userlookup resolves numeric owner ids to names and back, with a
// per-process cache: archives routinely carry thousands of entries owned by
// a handful of accounts.
package userlookup

import (
	"os/user"
	"strconv"
	"sync"
)

var cache struct {
	sync.Mutex
	unames map[int]string
	gnames map[int]string
	uids   map[string]int
	gids   map[string]int
}

// Uname returns the account name for uid, or "" when the lookup fails.
func Uname(uid int) string {
	cache.Lock()
	defer cache.Unlock()
	if cache.unames == nil {
		cache.unames = make(map[int]string)
	}
	if name, ok := cache.unames[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	cache.unames[uid] = name
	return name
}

// Gname returns the group name for gid, or "" when the lookup fails.
func Gname(gid int) string {
	cache.Lock()
	defer cache.Unlock()
	if cache.gnames == nil {
		cache.gnames = make(map[int]string)
	}
	if name, ok := cache.gnames[gid]; ok {
		return name
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		name = g.Name
	}
	cache.gnames[gid] = name
	return name
}

// Uid resolves an account name, falling back to fallback when unknown.
func Uid(name string, fallback int) int {
	if name == "" {
		return fallback
	}
	cache.Lock()
	defer cache.Unlock()
	if cache.uids == nil {
		cache.uids = make(map[string]int)
	}
	if id, ok := cache.uids[name]; ok {
		return id
	}
	if u, err := user.Lookup(name); err == nil {
		if n, err := strconv.Atoi(u.Uid); err == nil {
			cache.uids[name] = n
			return n
		}
	}
	return fallback
}

// Gid resolves a group name, falling back to fallback when unknown.
func Gid(name string, fallback int) int {
	if name == "" {
		return fallback
	}
	cache.Lock()
	defer cache.Unlock()
	if cache.gids == nil {
		cache.gids = make(map[string]int)
	}
	if id, ok := cache.gids[name]; ok {
		return id
	}
	if g, err := user.LookupGroup(name); err == nil {
		if n, err := strconv.Atoi(g.Gid); err == nil {
			cache.gids[name] = n
			return n
		}
	}
	return fallback
}
