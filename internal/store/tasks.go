package store

import (
	"context"
	"strconv"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/keys"
	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/redis/go-redis/v9"
)

// dueIndex defines reindexDue, which keeps the rebroadcast index dkey in line
// with the task at tkey: queued unassigned tasks are scored by
// next_broadcast_at, every other task is removed.
const dueIndex = `
local function reindexDue(tkey, dkey, id)
  local st = redis.call('HGET', tkey, 'status')
  local assigned = redis.call('HGET', tkey, 'assigned_delegate_id') or ''
  if st == 'QUEUED' and assigned == '' then
    local at = tonumber(redis.call('HGET', tkey, 'next_broadcast_at') or '0') or 0
    redis.call('ZADD', dkey, at, id)
  else
    redis.call('ZREM', dkey, id)
  end
end
`

// createScript writes a task hash and indexes it unless the id is taken.
var createScript = redis.NewScript(dueIndex + `
local tkey = KEYS[1]
local ikey = KEYS[3]
if redis.call('EXISTS', tkey) == 1 then return 0 end
for i = 3, #ARGV, 2 do
  redis.call('HSET', tkey, ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', ikey, ARGV[2], ARGV[1])
reindexDue(tkey, KEYS[2], ARGV[1])
return 1
`)

// casScript applies a conditional update: every expected field must equal its
// current value (a missing field reads as ''), then the new fields are written,
// the revision is bumped and, for a status change, the id moves between status
// indexes. An empty score means "index by the record's expiry"; a task without
// expiry is indexed at +inf. The due index is refreshed on every write.
// Returns -1 when the record is missing, 0 on a failed guard, 1 on success.
var casScript = redis.NewScript(dueIndex + `
local tkey = KEYS[1]
if redis.call('EXISTS', tkey) == 0 then return -1 end
local n = tonumber(ARGV[1])
local i = 2
for _ = 1, n do
  local cur = redis.call('HGET', tkey, ARGV[i])
  if not cur then cur = '' end
  if cur ~= ARGV[i + 1] then return 0 end
  i = i + 2
end
local m = tonumber(ARGV[i])
i = i + 1
for _ = 1, m do
  redis.call('HSET', tkey, ARGV[i], ARGV[i + 1])
  i = i + 2
end
redis.call('HINCRBY', tkey, 'revision', 1)
local id = redis.call('HGET', tkey, 'id')
if #KEYS == 4 then
  local score = ARGV[i]
  if score == nil or score == '' then
    score = redis.call('HGET', tkey, 'expiry') or '0'
    if score == '0' then score = '+inf' end
  end
  redis.call('ZREM', KEYS[3], id)
  redis.call('ZADD', KEYS[4], score, id)
end
reindexDue(tkey, KEYS[2], id)
return 1
`)

// deleteScript removes a task only while it is still in the expected status.
var deleteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
if cur ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[2])
return 1
`)

// DefaultRetention is how long terminal task records are kept before purge.
const DefaultRetention = 24 * time.Hour

// TaskStore persists tasks in Redis hashes with one ZSET index per status.
// Index scores are deadlines in ms: the expiry for live statuses, the purge
// time for terminal ones. A separate due index holds queued unassigned tasks
// scored by their next broadcast time.
type TaskStore struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

// TaskStoreOption configures a TaskStore.
type TaskStoreOption func(*TaskStore)

// WithRetention sets how long terminal tasks stay queryable before they become purgeable.
func WithRetention(d time.Duration) TaskStoreOption {
	return func(s *TaskStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewTaskStore creates a task store on top of rdb.
func NewTaskStore(rdb redis.UniversalClient, opts ...TaskStoreOption) *TaskStore {
	s := &TaskStore{rdb: rdb, retention: DefaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured terminal record retention.
func (s *TaskStore) Retention() time.Duration { return s.retention }

// Create saves a new task and registers its account.
// It returns ErrDuplicateTask if the id already exists in the account.
func (s *TaskStore) Create(ctx context.Context, t *model.Task) error {
	k := keys.For(t.AccountID)
	args := append([]string{t.ID, s.score(t)}, encodeTask(t)...)
	n, err := createScript.Run(ctx, s.rdb, []string{k.Task(t.ID), k.Due, k.Status(string(t.Status))}, toArgs(args)...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateTask
	}
	return s.rdb.SAdd(ctx, keys.Accounts, t.AccountID).Err()
}

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, acct, id string) (*model.Task, error) {
	m, err := s.rdb.HGetAll(ctx, keys.Task(acct, id)).Result()
	if err != nil {
		return nil, err
	}
	return decodeTask(m)
}

// ConditionalUpdate applies c to the task only if every expected field still
// holds. It returns false, without error, when another writer got there first.
func (s *TaskStore) ConditionalUpdate(ctx context.Context, acct, id string, c *Change) (bool, error) {
	k := keys.For(acct)
	ks := []string{k.Task(id), k.Due}
	args := make([]any, 0, 4+2*len(c.expect)+2*len(c.set))
	args = append(args, strconv.Itoa(len(c.expect)/2))
	args = append(args, toArgs(c.expect)...)
	args = append(args, strconv.Itoa(len(c.set)/2))
	args = append(args, toArgs(c.set)...)
	if c.newStatus != "" {
		if c.oldStatus == "" {
			return false, ErrStatusGuardRequired
		}
		ks = append(ks, k.Status(string(c.oldStatus)), k.Status(string(c.newStatus)))
		score := ""
		if c.newStatus.IsTerminal() {
			score = strconv.FormatInt(c.at.Add(s.retention).UnixMilli(), 10)
		}
		args = append(args, score)
	}
	n, err := casScript.Run(ctx, s.rdb, ks, args...).Int()
	if err != nil {
		return false, err
	}
	switch n {
	case -1:
		return false, ErrTaskNotFound
	case 0:
		return false, nil
	}
	return true, nil
}

// ConditionalDelete removes the task only while it is in the expected status.
func (s *TaskStore) ConditionalDelete(ctx context.Context, acct, id string, expect model.Status) (bool, error) {
	k := keys.For(acct)
	n, err := deleteScript.Run(ctx, s.rdb, []string{k.Task(id), k.Status(string(expect)), k.Due}, string(expect), id).Int()
	if err != nil {
		return false, err
	}
	switch n {
	case -1:
		return false, ErrTaskNotFound
	case 0:
		return false, nil
	}
	return true, nil
}

// ForceDelete removes a task record and all of its index entries regardless
// of its content. It is meant for records that cannot be decoded.
func (s *TaskStore) ForceDelete(ctx context.Context, acct, id string) error {
	k := keys.For(acct)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k.Task(id))
		p.ZRem(ctx, k.Due, id)
		for _, st := range model.AllStatuses {
			p.ZRem(ctx, k.Status(string(st)), id)
		}
		return nil
	})
	return err
}

// Filter selects tasks for Query.
type Filter struct {
	AccountID string
	Statuses  []model.Status
	// DeadlineBefore keeps tasks whose index deadline is at or before it; zero means no bound.
	DeadlineBefore time.Time
	// Match, when set, keeps only the tasks it returns true for.
	Match func(*model.Task) bool
	// Limit caps the number of tasks returned per status; zero means no cap.
	// With a limit the index is read in pages of Limit ids until enough
	// tasks matched or the index is exhausted.
	Limit int64
}

// Query returns the tasks matching f. Records that cannot be decoded, or whose
// status no longer matches the index they were found in, are skipped.
func (s *TaskStore) Query(ctx context.Context, f Filter) ([]*model.Task, error) {
	k := keys.For(f.AccountID)
	max := "+inf"
	if !f.DeadlineBefore.IsZero() {
		max = strconv.FormatInt(f.DeadlineBefore.UnixMilli(), 10)
	}
	var out []*model.Task
	for _, st := range f.Statuses {
		found := 0
		for offset := int64(0); ; offset += f.Limit {
			ids, err := s.rdb.ZRangeByScore(ctx, k.Status(string(st)), &redis.ZRangeBy{Min: "-inf", Max: max, Offset: offset, Count: f.Limit}).Result()
			if err != nil && err != redis.Nil {
				return nil, err
			}
			if len(ids) == 0 {
				break
			}
			recs, err := s.load(ctx, k, ids)
			if err != nil {
				return nil, err
			}
			for _, m := range recs {
				t, derr := decodeTask(m)
				if derr != nil || t.Status != st || (f.Match != nil && !f.Match(t)) {
					continue
				}
				out = append(out, t)
				found++
				if f.Limit > 0 && int64(found) >= f.Limit {
					break
				}
			}
			if f.Limit <= 0 || int64(found) >= f.Limit || int64(len(ids)) < f.Limit {
				break
			}
		}
	}
	return out, nil
}

// QueryDue returns queued unassigned tasks whose next broadcast time is at or
// before now, earliest first, up to limit (zero means no cap).
func (s *TaskStore) QueryDue(ctx context.Context, acct string, now time.Time, limit int64) ([]*model.Task, error) {
	k := keys.For(acct)
	ids, err := s.rdb.ZRangeByScore(ctx, k.Due, &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: limit}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := s.load(ctx, k, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Task, 0, len(ids))
	for _, m := range recs {
		t, derr := decodeTask(m)
		if derr != nil || t.Status != model.StatusQueued || t.AssignedDelegateID != "" {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// FindCorrupted returns ids that are indexed but whose record is missing or
// cannot be decoded, up to limit (zero means no cap).
func (s *TaskStore) FindCorrupted(ctx context.Context, acct string, limit int) ([]string, error) {
	k := keys.For(acct)
	seen := make(map[string]struct{})
	var out []string
	for _, st := range model.AllStatuses {
		ids, err := s.rdb.ZRange(ctx, k.Status(string(st)), 0, -1).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}
		recs, err := s.load(ctx, k, ids)
		if err != nil {
			return nil, err
		}
		for i, m := range recs {
			if _, dup := seen[ids[i]]; dup {
				continue
			}
			if _, derr := decodeTask(m); derr == nil {
				continue
			}
			seen[ids[i]] = struct{}{}
			out = append(out, ids[i])
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Accounts lists every account that ever stored a task or delegate.
func (s *TaskStore) Accounts(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keys.Accounts).Result()
}

func (s *TaskStore) load(ctx context.Context, k keys.Account, ids []string) ([]map[string]string, error) {
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, k.Task(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(ids))
	for i, c := range cmds {
		out[i] = c.Val()
	}
	return out, nil
}

func (s *TaskStore) score(t *model.Task) string {
	if t.Status.IsTerminal() {
		return strconv.FormatInt(t.CompletedAt.Add(s.retention).UnixMilli(), 10)
	}
	if t.Expiry.IsZero() {
		return "+inf"
	}
	return EncodeTime(t.Expiry)
}

// Change describes a conditional write: the fields that must still hold and the
// fields to write when they do.
type Change struct {
	expect    []string
	set       []string
	oldStatus model.Status
	newStatus model.Status
	at        time.Time
}

// NewChange starts an empty conditional write.
func NewChange() *Change { return &Change{} }

// ExpectStatus guards on the current status.
func (c *Change) ExpectStatus(s model.Status) *Change {
	c.oldStatus = s
	return c.Expect(FieldStatus, string(s))
}

// ExpectAssigned guards on the assigned delegate; "" means unassigned.
func (c *Change) ExpectAssigned(delegateID string) *Change {
	return c.Expect(FieldAssigned, delegateID)
}

// ExpectRevision guards on the record revision.
func (c *Change) ExpectRevision(rev int64) *Change {
	return c.Expect(FieldRevision, strconv.FormatInt(rev, 10))
}

// Expect guards on a raw field value.
func (c *Change) Expect(field, value string) *Change {
	c.expect = append(c.expect, field, value)
	return c
}

// SetStatus moves the task to s at time at. Terminal statuses also record
// CompletedAt and reindex the task by its purge time.
func (c *Change) SetStatus(s model.Status, at time.Time) *Change {
	c.newStatus = s
	c.at = at
	c.Set(FieldStatus, string(s))
	if s.IsTerminal() {
		c.Set(FieldCompletedAt, EncodeTime(at))
	}
	return c
}

// Set writes a raw field value.
func (c *Change) Set(field, value string) *Change {
	c.set = append(c.set, field, value)
	return c
}

// SetInt writes an integer field.
func (c *Change) SetInt(field string, n int) *Change { return c.Set(field, EncodeInt(n)) }

// SetTime writes a timestamp field.
func (c *Change) SetTime(field string, t time.Time) *Change { return c.Set(field, EncodeTime(t)) }

// SetStrings writes a list field.
func (c *Change) SetStrings(field string, v []string) *Change {
	return c.Set(field, EncodeStrings(v))
}
