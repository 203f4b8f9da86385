package router

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/devproxy/internal/model"
)

type namedRelayer string

func (namedRelayer) Relay(context.Context, *http.Request, net.Conn, []byte) error { return nil }

func wsRule(prefix, target string) model.Rule {
	return model.Rule{PathPrefix: prefix, Target: target, Structured: true, WS: true}
}

func byTarget(r model.Rule) (Relayer, error) { return namedRelayer(r.Target), nil }

func mustTable(t *testing.T, rules ...model.Rule) *Table {
	t.Helper()
	tbl, err := BuildTable(rules, byTarget)
	require.NoError(t, err)
	return tbl
}

func TestExtract_KeepsOrderAndFilters(t *testing.T) {
	rules := []model.Rule{
		wsRule("/b", "b"),
		{PathPrefix: "/short", Target: "http://x"},                    // shorthand
		{PathPrefix: "/plain", Target: "http://x", Structured: true}, // ws unset
		wsRule("/a", "a"),
		{PathPrefix: "/odd", Target: "http://x", WS: true}, // shorthand can't carry ws
	}
	got := Extract(rules)
	require.Len(t, got, 2)
	assert.Equal(t, "/b", got[0].PathPrefix)
	assert.Equal(t, "/a", got[1].PathPrefix)
}

func TestExtract_EmptyHasZeroLength(t *testing.T) {
	assert.Len(t, Extract(nil), 0)
	assert.Len(t, Extract([]model.Rule{{PathPrefix: "/api", Target: "http://x"}}), 0)
}

func TestMatch_FirstInConfigOrder(t *testing.T) {
	tbl := mustTable(t, wsRule("/api", "api"), wsRule("/api/ws", "api-ws"))

	got := tbl.Match("/api/ws")
	require.NotNil(t, got)
	assert.Equal(t, "/api", got.Prefix, "earlier rule wins even when a later one is longer")

	got = tbl.Match("/api/ws-socket")
	require.NotNil(t, got)
	assert.Equal(t, namedRelayer("api"), got.Proxy)
}

func TestMatch_LiteralPrefix(t *testing.T) {
	tbl := mustTable(t, wsRule("/api", "api"))

	assert.NotNil(t, tbl.Match("/apiFoo"), "prefix match is not segment aware")
	assert.NotNil(t, tbl.Match("/api?x=1"))
	assert.Nil(t, tbl.Match("/ap"))
	assert.Nil(t, tbl.Match("/other/api"))
}

func TestMatch_EmptyTable(t *testing.T) {
	tbl := mustTable(t)
	assert.Equal(t, 0, tbl.Len())
	assert.Nil(t, tbl.Match("/anything"))
}

func TestBuildTable_OneProxyPerRule(t *testing.T) {
	calls := 0
	tbl, err := BuildTable([]model.Rule{wsRule("/x", "x"), wsRule("/y", "y")}, func(r model.Rule) (Relayer, error) {
		calls++
		return namedRelayer(r.Target), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"/x", "/y"}, tbl.Prefixes())
}

func TestBuildTable_FailsFast(t *testing.T) {
	bad := errors.New("bad target")
	calls := 0
	tbl, err := BuildTable([]model.Rule{wsRule("/ok", "ok"), wsRule("/bad", "bad"), wsRule("/later", "later")},
		func(r model.Rule) (Relayer, error) {
			calls++
			if r.Target == "bad" {
				return nil, bad
			}
			return namedRelayer(r.Target), nil
		})
	require.ErrorIs(t, err, bad)
	assert.Contains(t, err.Error(), `"/bad"`)
	assert.Nil(t, tbl, "no partial table")
	assert.Equal(t, 2, calls, "later rules are not built")
}
