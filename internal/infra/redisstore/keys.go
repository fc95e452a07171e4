package redisstore

import (
	"strconv"
	"strings"

	"ratelimit-engine/pkg/ratelimit"
)

const (
	kindCount = "count"
	kindBlock = "block"
	kindDedup = "dedup"
)

// segmentEscaper keeps ':' out of key segments so that reset patterns
// cannot match across a module/actor boundary.
var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// globEscaper escapes Redis glob metacharacters.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func segment(s string) string {
	return segmentEscaper.Replace(s)
}

func globSegment(s string) string {
	return globEscaper.Replace(segment(s))
}

// keyspace builds the physical key names of one store.
type keyspace struct {
	prefix string
}

func (k keyspace) count(key ratelimit.Key) string {
	return k.prefix + ":" + kindCount + ":" + segment(key.Module) + ":" + segment(key.ActorKey)
}

func (k keyspace) block(key ratelimit.Key) string {
	return k.prefix + ":" + kindBlock + ":" + segment(key.Module) + ":" + segment(key.ActorKey)
}

func (k keyspace) dedup(key ratelimit.Key, bucket int64) string {
	return k.prefix + ":" + kindDedup + ":" + segment(key.Module) + ":" + segment(key.ActorKey) + ":" + strconv.FormatInt(bucket, 10)
}

// resetPatterns returns the SCAN patterns selecting every key matched by f.
func (k keyspace) resetPatterns(f ratelimit.ResetFilter) []string {
	p := globEscaper.Replace(k.prefix)
	if f.IsGlobal() {
		return []string{p + ":*"}
	}

	module, actor := "*", "*"
	if f.Module != "" {
		module = globSegment(f.Module)
	}
	if f.ActorKey != "" {
		actor = globSegment(f.ActorKey)
	}
	return []string{
		p + ":" + kindCount + ":" + module + ":" + actor,
		p + ":" + kindBlock + ":" + module + ":" + actor,
		p + ":" + kindDedup + ":" + module + ":" + actor + ":*",
	}
}
