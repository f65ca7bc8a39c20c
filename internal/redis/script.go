package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// Script is a Lua script addressed by its SHA1. Run uses EVALSHA and falls
// back to EVAL when the server has not cached the script yet (first call,
// restart, or failover to a fresh replica).
type Script struct {
	src  string
	hash string
}

// NewScript computes the SHA1 of src without contacting Redis.
func NewScript(src string) *Script {
	return &Script{src: src, hash: goredis.NewScript(src).Hash()}
}

// Hash returns the script's SHA1.
func (s *Script) Hash() string { return s.hash }

// Run evaluates the script and returns its raw reply.
func (s *Script) Run(ctx context.Context, c Client, keys []string, args ...any) (any, error) {
	res, err := c.EvalSha(ctx, s.hash, keys, args...).Result()
	if err != nil && IsNoScriptErr(err) {
		res, err = c.Eval(ctx, s.src, keys, args...).Result()
	}
	return res, err
}
