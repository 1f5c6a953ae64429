package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps presence in Redis using native key expiry.
//
// Keys:
//
//	<prefix>:presence:<project>:<user>  last seen (unix ms), TTL = presence TTL
//	<prefix>:typing:<project>:<user>    "1", TTL = typing TTL
//	<prefix>:members:<project>          set of users that may still be present
//	<prefix>:projects                   set of projects with members
//
// The member sets are an index only; a member whose presence key expired is absent and
// gets pruned on the next List or Sweep.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a RedisBackend storing keys under prefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) presenceKey(projectID, userID string) string {
	return r.prefix + ":presence:" + projectID + ":" + userID
}

func (r *RedisBackend) typingKey(projectID, userID string) string {
	return r.prefix + ":typing:" + projectID + ":" + userID
}

func (r *RedisBackend) membersKey(projectID string) string {
	return r.prefix + ":members:" + projectID
}

func (r *RedisBackend) projectsKey() string {
	return r.prefix + ":projects"
}

// Touch implements Backend. The previous state is read in the same MULTI as the write.
func (r *RedisBackend) Touch(ctx context.Context, t Touch) (bool, error) {
	var (
		wasPresent *redis.IntCmd
		wasTyping  *redis.IntCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		wasPresent = pipe.Exists(ctx, r.presenceKey(t.ProjectID, t.UserID))
		wasTyping = pipe.Exists(ctx, r.typingKey(t.ProjectID, t.UserID))

		pipe.Set(ctx, r.presenceKey(t.ProjectID, t.UserID), t.Now.UnixMilli(), t.PresenceTTL)
		if t.Typing {
			pipe.Set(ctx, r.typingKey(t.ProjectID, t.UserID), "1", t.TypingTTL)
		} else {
			pipe.Del(ctx, r.typingKey(t.ProjectID, t.UserID))
		}
		pipe.SAdd(ctx, r.membersKey(t.ProjectID), t.UserID)
		pipe.Expire(ctx, r.membersKey(t.ProjectID), 2*t.PresenceTTL)
		pipe.SAdd(ctx, r.projectsKey(), t.ProjectID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to write presence for %s/%s: %w", t.ProjectID, t.UserID, err)
	}

	changed := wasPresent.Val() == 0 || (wasTyping.Val() == 1) != t.Typing
	return changed, nil
}

// List implements Backend. Expiry is evaluated by Redis; now is unused.
func (r *RedisBackend) List(ctx context.Context, projectID string, _ time.Time) ([]Entry, error) {
	entries, _, err := r.scan(ctx, projectID)
	return entries, err
}

// scan reads every member of a project and prunes the expired ones from the index.
func (r *RedisBackend) scan(ctx context.Context, projectID string) ([]Entry, []string, error) {
	members, err := r.client.SMembers(ctx, r.membersKey(projectID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list presence members of %s: %w", projectID, err)
	}

	entries := []Entry{}
	if len(members) == 0 {
		return entries, nil, nil
	}

	pipe := r.client.Pipeline()
	seen := make([]*redis.StringCmd, len(members))
	typing := make([]*redis.IntCmd, len(members))
	for i, userID := range members {
		seen[i] = pipe.Get(ctx, r.presenceKey(projectID, userID))
		typing[i] = pipe.Exists(ctx, r.typingKey(projectID, userID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("failed to read presence of %s: %w", projectID, err)
	}

	var expired []string
	for i, userID := range members {
		raw, err := seen[i].Result()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, userID)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read presence of %s/%s: %w", projectID, userID, err)
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed presence value for %s/%s: %w", projectID, userID, err)
		}
		entries = append(entries, Entry{
			UserID:   userID,
			Typing:   typing[i].Val() == 1,
			LastSeen: time.UnixMilli(ms).UTC(),
		})
	}

	if len(expired) > 0 {
		args := make([]any, len(expired))
		for i, userID := range expired {
			args[i] = userID
		}
		if err := r.client.SRem(ctx, r.membersKey(projectID), args...).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to prune presence members of %s: %w", projectID, err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, expired, nil
}

// Sweep implements Backend.
func (r *RedisBackend) Sweep(ctx context.Context, _ time.Time) ([]Departure, error) {
	projects, err := r.client.SMembers(ctx, r.projectsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence projects: %w", err)
	}

	var gone []Departure
	for _, projectID := range projects {
		entries, expired, err := r.scan(ctx, projectID)
		if err != nil {
			return gone, err
		}
		for _, userID := range expired {
			gone = append(gone, Departure{ProjectID: projectID, UserID: userID})
		}
		if len(entries) == 0 {
			if err := r.forgetProjectIfEmpty(ctx, projectID); err != nil {
				return gone, err
			}
		}
	}
	return gone, nil
}

// forgetProjectIfEmpty drops a project from the index when it has no members. The
// members set is watched, so a heartbeat landing concurrently aborts the removal.
func (r *RedisBackend) forgetProjectIfEmpty(ctx context.Context, projectID string) error {
	membersKey := r.membersKey(projectID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.SCard(ctx, membersKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, r.projectsKey(), projectID)
			return nil
		})
		return err
	}, membersKey)
	if errors.Is(err, redis.TxFailedErr) {
		// A member joined meanwhile; the project stays indexed.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to prune presence project %s: %w", projectID, err)
	}
	return nil
}

// Ping implements Backend.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
