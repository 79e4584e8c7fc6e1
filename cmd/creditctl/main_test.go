package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type ctlEnv struct {
	root   string
	ledger string
	audit  string
}

func newCtlEnv(t *testing.T) *ctlEnv {
	t.Helper()
	dir := t.TempDir()
	return &ctlEnv{
		root:   dir,
		ledger: filepath.Join(dir, "data", "ledger.db"),
		audit:  filepath.Join(dir, "data", "audit.db"),
	}
}

func (e *ctlEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config-root", e.root, "--ledger-dsn", e.ledger, "--audit-dsn", e.audit}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *ctlEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, out)
	return out
}

var apiKeyLine = regexp.MustCompile(`api_key=(ak_[0-9a-f]{32})`)

func TestAccountLifecycle(t *testing.T) {
	env := newCtlEnv(t)

	out := env.mustRun(t, "account", "create", "alice", "--balance", "5")
	require.Contains(t, out, "account created id=1 name=alice balance=5")
	m := apiKeyLine.FindStringSubmatch(out)
	require.Len(t, m, 2, out)

	out = env.mustRun(t, "recharge", "1", "2.5", "--note", "top-up")
	require.Contains(t, out, "balance=7.5")

	out = env.mustRun(t, "account", "show", "1")
	require.Contains(t, out, "balance=7.5 active=true")
	require.Contains(t, out, "key="+m[1][:11]+"...")

	env.mustRun(t, "account", "disable", "1")
	out = env.mustRun(t, "--json", "account", "show", "1")
	var acct map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &acct))
	require.Equal(t, false, acct["active"])

	out = env.mustRun(t, "account", "rotate-key", "1")
	rotated := apiKeyLine.FindStringSubmatch(out)
	require.Len(t, rotated, 2, out)
	require.NotEqual(t, m[1], rotated[1])

	out = env.mustRun(t, "ledger", "history", "1", "--type", "recharge")
	require.Contains(t, out, "top-up")
	require.Contains(t, out, "2 of 2 entries")

	out = env.mustRun(t, "ledger", "history", "1", "--limit", "0", "--page", "2")
	require.Contains(t, out, "Initial balance")
	require.NotContains(t, out, "top-up")
	require.Contains(t, out, "1 of 2 entries")

	out = env.mustRun(t, "ledger", "verify")
	require.Contains(t, out, "account 1 balance=7.5 entries=7.5 ok")
}

func TestPriceGetSet(t *testing.T) {
	env := newCtlEnv(t)

	out := env.mustRun(t, "price", "get")
	require.Contains(t, out, "cost=0.0100")

	out = env.mustRun(t, "price", "set", "0.25")
	require.Contains(t, out, "REQUEST_COST=0.2500")
	out = env.mustRun(t, "price", "get")
	require.Contains(t, out, "cost=0.2500 fallback=0.0100")

	out = env.mustRun(t, "price", "set", "0.00004")
	require.Contains(t, out, "REQUEST_COST=0.000040")
	out = env.mustRun(t, "price", "get")
	require.Contains(t, out, "cost=0.000040 fallback=0.0100")

	_, err := env.run(t, "price", "set", "-1")
	require.Error(t, err)
}

func TestSeedFromYAML(t *testing.T) {
	env := newCtlEnv(t)
	seed := filepath.Join(env.root, "accounts.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(strings.Join([]string{
		`price: "0.05"`,
		`accounts:`,
		`  - name: alice`,
		`    balance: "10.00"`,
		`  - name: bob`,
		`    active: false`,
	}, "\n")), 0o600))

	out := env.mustRun(t, "--json", "seed", "-f", seed)
	var created []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.Len(t, created, 2)
	require.Equal(t, "alice", created[0]["name"])
	require.Equal(t, "10", created[0]["balance"])
	require.Equal(t, false, created[1]["active"])
	require.Regexp(t, `^ak_[0-9a-f]{32}$`, created[0]["api_key"])

	out = env.mustRun(t, "account", "list")
	require.Contains(t, out, "alice")
	require.Contains(t, out, "bob")

	out = env.mustRun(t, "price", "get")
	require.Contains(t, out, "cost=0.0500")
}

func TestSeedRejectsNamelessAccounts(t *testing.T) {
	env := newCtlEnv(t)
	seed := filepath.Join(env.root, "bad.yaml")
	require.NoError(t, os.WriteFile(seed, []byte("accounts:\n  - balance: \"1\"\n"), 0o600))
	_, err := env.run(t, "seed", "-f", seed)
	require.ErrorContains(t, err, "name is required")
}

func TestInitAndAuditList(t *testing.T) {
	env := newCtlEnv(t)
	out := env.mustRun(t, "init", "--upstream", "https://api.example.com", "--cost", "0.02")
	require.Contains(t, out, "configuration written")
	require.FileExists(t, filepath.Join(env.root, "config", "dev", "gateway.ini"))

	out = env.mustRun(t, "price", "get")
	require.Contains(t, out, "fallback=0.0200")

	env.mustRun(t, "account", "create", "carol")
	out = env.mustRun(t, "audit", "list", "1")
	require.Contains(t, out, "REQUEST ID")
}

func TestInvalidArguments(t *testing.T) {
	env := newCtlEnv(t)
	_, err := env.run(t, "account", "show", "abc")
	require.ErrorContains(t, err, "invalid account id")
	_, err = env.run(t, "recharge", "1", "0")
	require.Error(t, err)
	_, err = env.run(t, "ledger", "history", "1", "--type", "refund")
	require.ErrorContains(t, err, "unknown entry type")
}
