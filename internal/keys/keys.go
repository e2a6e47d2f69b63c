package keys

// Package keys centralizes Redis key construction.
// Every per-account key carries the account in a {hashtag} so that a Lua script
// touching several keys of one account stays on a single cluster slot.

// Accounts is the global SET of account ids known to the schedulers.
const Accounts = "dispatch:accounts"

func prefix(acct string) string { return "dispatch:{" + acct + "}:" }

func Task(acct, id string) string                { return prefix(acct) + "task:" + id }
func Status(acct, status string) string          { return prefix(acct) + "status:" + status }
func Delegate(acct, id string) string            { return prefix(acct) + "delegate:" + id }
func Perpetual(acct, id string) string           { return prefix(acct) + "perpetual:" + id }
func Whitelist(acct, capability string) string   { return prefix(acct) + "whitelist:" + capability }
func PerpetualByDelegate(acct, id string) string { return prefix(acct) + "perpetual_by_delegate:" + id }

// Account holds the precomputed fixed keys of an account to avoid repeated concatenations.
type Account struct {
	ID        string
	Delegates string
	Alerts    string
	Broadcast string
	Due       string
	prefix    string
}

// For returns the precomputed keys for the provided account.
func For(acct string) Account {
	p := prefix(acct)
	return Account{
		ID:        acct,
		Delegates: p + "delegates",
		Alerts:    p + "alerts",
		Broadcast: p + "broadcast",
		Due:       p + "due",
		prefix:    p,
	}
}

func (a Account) Task(id string) string                { return a.prefix + "task:" + id }
func (a Account) Status(status string) string          { return a.prefix + "status:" + status }
func (a Account) Delegate(id string) string            { return a.prefix + "delegate:" + id }
func (a Account) Perpetual(id string) string           { return a.prefix + "perpetual:" + id }
func (a Account) PerpetualByDelegate(id string) string { return a.prefix + "perpetual_by_delegate:" + id }
func (a Account) Whitelist(capability string) string   { return a.prefix + "whitelist:" + capability }

// Broadcast returns the pub/sub channel carrying task offers for an account.
func Broadcast(acct string) string { return prefix(acct) + "broadcast" }

// ExtractAccount parses the account id out of a key such as "dispatch:{acct}:task:1".
// It returns an empty string if the format is invalid.
func ExtractAccount(key string) string {
	lb, rb := -1, -1
	for i := 0; i < len(key); i++ {
		if key[i] == '{' && lb < 0 {
			lb = i
		} else if key[i] == '}' && lb >= 0 {
			rb = i
			break
		}
	}
	if lb < 0 || rb <= lb+1 {
		return ""
	}
	return key[lb+1 : rb]
}
